package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/llm"
	"github.com/zulandar/parley/internal/notify"
	"github.com/zulandar/parley/internal/pubsub"
	"github.com/zulandar/parley/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone prompt worker",
		Long:  "Runs only the prompt worker, for deployments where the API server is a separate process. Requires Redis so streaming events reach the API's relays.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to Parley config file")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// The in-process hub cannot cross process boundaries.
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("standalone worker requires redis.addr in config")
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}

	broker, err := pubsub.NewRedisBroker(cfg.Redis.Addr)
	if err != nil {
		return err
	}

	w, err := worker.New(gormDB, broker, llm.DefaultRegistry(), worker.Opts{
		PollInterval: cfg.Worker.PollInterval(),
		ErrorBackoff: cfg.Worker.ErrorBackoff(),
		Notifier:     notify.FromConfig(cfg.Notify),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(cmd.OutOrStdout(), "Worker running, press Ctrl-C to stop")
	return w.Run(ctx)
}
