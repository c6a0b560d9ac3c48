// Package server exposes the REST API and the per-chat SSE relay. It owns no
// generation logic: prompts are enqueued here and drained by the worker, and
// the relay only forwards broker events.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/parley/internal/auth"
	"github.com/zulandar/parley/internal/llm"
	"github.com/zulandar/parley/internal/pubsub"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB        *gorm.DB
	Broker    pubsub.Broker
	Catalog   *llm.Catalog
	JWTSecret string
	GitHub    *auth.GitHub // nil disables GitHub login
	Port      int
	Out       io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if opts.Broker == nil {
		return fmt.Errorf("server: broker is required")
	}
	if opts.JWTSecret == "" {
		return fmt.Errorf("server: jwt secret is required")
	}
	if opts.Catalog == nil {
		opts.Catalog = llm.NewCatalog()
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}
	log.WithField("addr", addr).Info("server: starting")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with all routes registered.
func newRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, opts)
	return router
}
