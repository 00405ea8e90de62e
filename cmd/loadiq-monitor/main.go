// Package main is the entry point for the LoadIQ monitor.
//
// The monitor refreshes one session on a fixed interval, publishes each
// outcome to the configured targets (MQTT, CloudWatch, S3) and serves the
// HTTP API. SIGINT and SIGTERM stop the refresh loop, drain the HTTP server
// and close the publishers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"loadiq/internal/api"
	"loadiq/internal/config"
	"loadiq/internal/engine"
	"loadiq/internal/labels"
	"loadiq/internal/publish"
	"loadiq/internal/scheduler"
	"loadiq/internal/source"
)

// shutdownTimeout bounds the HTTP drain and publisher close on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.LoadOptions{
		Provider: config.NewSecretProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")),
		File:     os.Getenv("LOADIQ_CONFIG"),
	})
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("loadiq monitor starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"backend", cfg.Backend,
		"session_id", cfg.Monitor.SessionID,
		"port", cfg.Monitor.Port,
	)

	src, err := source.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating series source: %w", err)
	}
	ents, err := engine.EntitiesFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("resolving entities: %w", err)
	}
	store, pool, err := labels.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening label store: %w", err)
	}
	var probes []api.HealthProbe
	if pool != nil {
		defer pool.Close()
		probes = append(probes, api.PingProbe{Label: "database", Target: pool})
		logger.Info("label store ready", "store", "postgres")
	} else {
		logger.Info("label store ready", "store", "file", "path", cfg.Labels.Path)
	}

	pipeline := engine.NewPipeline(engine.PipelineConfig{
		Source:    src,
		Labels:    store,
		Entities:  ents,
		Detection: cfg.Detection,
		Logger:    logger,
	})
	session := engine.NewSession(engine.SessionConfig{
		ID:       cfg.Monitor.SessionID,
		Pipeline: pipeline,
		Lookback: cfg.Monitor.LookbackWindow,
		Logger:   logger,
	})

	publishers, err := publish.FromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating publishers: %w", err)
	}
	defer publishers.Close()
	logger.Info("publishers ready", "count", len(publishers))

	monitor := scheduler.NewMonitor(scheduler.MonitorConfig{
		Session:   session,
		Publisher: publishers,
		Interval:  cfg.Monitor.UpdateInterval,
		Timeout:   cfg.Monitor.RefreshTimeout,
		Logger:    logger,
	})

	probes = append(probes, api.FreshnessProbe{
		Session: session,
		MaxAge:  3*cfg.Monitor.UpdateInterval + cfg.Monitor.RefreshTimeout,
	})
	srv, err := api.NewServer(api.Config{
		Session:      session,
		Labels:       store,
		HealthProbes: probes,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Monitor.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("monitor stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger on stdout for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
