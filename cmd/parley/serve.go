package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/auth"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/llm"
	"github.com/zulandar/parley/internal/notify"
	"github.com/zulandar/parley/internal/pubsub"
	"github.com/zulandar/parley/internal/server"
	"github.com/zulandar/parley/internal/worker"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and prompt worker in one process",
		Long:  "Starts the HTTP API, the prompt worker and the maintenance jobs. With no Redis configured, streaming events flow through an in-process hub.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to Parley config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	broker, err := brokerFromConfig(cfg)
	if err != nil {
		return err
	}

	registry := llm.DefaultRegistry()
	catalog := llm.NewCatalog()
	notifier := notify.FromConfig(cfg.Notify)

	w, err := worker.New(gormDB, broker, registry, worker.Opts{
		PollInterval: cfg.Worker.PollInterval(),
		ErrorBackoff: cfg.Worker.ErrorBackoff(),
		Notifier:     notifier,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go w.Run(ctx)

	sched := newMaintenance(ctx, gormDB, broker, catalog, cfg.Worker.StaleRunningAge())
	sched.Start()
	defer sched.Stop()

	return server.Start(ctx, server.StartOpts{
		DB:        gormDB,
		Broker:    broker,
		Catalog:   catalog,
		JWTSecret: cfg.Server.JWTSecret,
		GitHub:    auth.NewGitHub(cfg.Server.GitHub),
		Port:      cfg.Server.Port,
		Out:       cmd.OutOrStdout(),
	})
}

// brokerFromConfig picks Redis when an address is configured, otherwise the
// in-process hub.
func brokerFromConfig(cfg *config.Config) (pubsub.Broker, error) {
	if cfg.Redis.Addr == "" {
		return pubsub.NewHub(), nil
	}
	return pubsub.NewRedisBroker(cfg.Redis.Addr)
}

// newMaintenance schedules the background jobs: the OpenRouter catalog
// refresh and the stale-running sweep.
func newMaintenance(ctx context.Context, gormDB *gorm.DB, broker pubsub.Broker, catalog *llm.Catalog, staleAge time.Duration) *cron.Cron {
	sched := cron.New()

	sched.AddFunc("*/30 * * * *", func() {
		if err := catalog.Refresh(); err != nil {
			log.WithError(err).Warn("maintenance: catalog refresh failed")
		}
	})

	sched.AddFunc("*/5 * * * *", func() {
		swept, err := worker.SweepStaleRunning(ctx, gormDB, broker, staleAge)
		if err != nil {
			log.WithError(err).Error("maintenance: stale sweep failed")
			return
		}
		if swept > 0 {
			log.WithField("swept", swept).Warn("maintenance: finalized stale prompts")
		}
	})

	return sched
}
