package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wolfeidau/pacs-cache/expiry"
	"github.com/wolfeidau/pacs-cache/queue"
	"github.com/wolfeidau/pacs-cache/server"
	"github.com/wolfeidau/pacs-cache/telemetry"
)

// ServeCmd runs the HTTP API over a long-lived queue and cache.
type ServeCmd struct {
	Address     string `help:"Address to listen on." default:":8080" env:"PACS_CACHE_ADDRESS"`
	AuthToken   string `help:"Bearer token required by the API (empty disables auth)." env:"PACS_CACHE_AUTH_TOKEN"`
	ViewerToken string `help:"Bearer token for read-only API access." env:"PACS_CACHE_VIEWER_TOKEN"`

	MaxConcurrent int           `help:"Operations run at once (1-15)." default:"4" env:"PACS_CACHE_MAX_CONCURRENT"`
	Timeout       time.Duration `help:"Per-operation transfer timeout, 0 to disable." default:"10m" env:"PACS_CACHE_TIMEOUT"`
	SweepInterval time.Duration `help:"How often to run the retention sweep." default:"1h" env:"PACS_CACHE_SWEEP_INTERVAL"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics (empty disables)." env:"PACS_CACHE_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose Prometheus metrics at /metrics." default:"true" negatable:"" env:"PACS_CACHE_PROMETHEUS"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	logger := g.logger

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "pacs-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(ctx)
	}()

	store, err := g.openCache(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tr := g.transport()
	reg, err := g.loadRegistry(tr)
	if err != nil {
		return err
	}

	qcfg := queue.DefaultConfig()
	qcfg.MaxConcurrent = c.MaxConcurrent
	qcfg.Timeout = c.Timeout
	qcfg.Logger = logger
	q, err := queue.New(qcfg, store, reg, tr)
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.Close(ctx); err != nil {
			logger.Warn("operations did not stop in time", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:     c.Address,
		AuthToken:   c.AuthToken,
		ViewerToken: c.ViewerToken,
		Logger:      logger,
	}, server.Components{
		Queue:    q,
		Cache:    store,
		Registry: reg,
		Expiry: expiry.NewManager(store, expiry.Config{
			CheckInterval: c.SweepInterval,
			Logger:        logger,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"cache_dir", g.CacheDir,
		"registry", g.Registry,
		"archive", g.Archive,
		"max_concurrent", c.MaxConcurrent,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
