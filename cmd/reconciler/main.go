package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"Drift/internal/api"
	"Drift/internal/cloud/ec2"
	"Drift/internal/config"
	"Drift/internal/events"
	"Drift/internal/leaderelection"
	"Drift/internal/metrics"
	"Drift/internal/pricing"
	"Drift/internal/queue"
	"Drift/internal/reconciler"
	"Drift/internal/workertype"

	"github.com/prometheus/client_golang/prometheus"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting drift",
		"version", version,
		"provisioner_id", cfg.ProvisionerID,
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	registry := prometheus.NewRegistry()
	met := metrics.NewMetrics(registry)
	met.ControllerInfo.WithLabelValues(version, modeString(cfg.DryRun)).Set(1)

	adapter := ec2.New(logger)

	store, err := workertype.NewFileStore(cfg.WorkerTypeStore.Path)
	if err != nil {
		return fmt.Errorf("failed to load worker-type store: %w", err)
	}

	var q queue.Queue
	if cfg.Queue.BaseURL != "" {
		q = queue.NewHTTPQueue(cfg.Queue.BaseURL, cfg.Queue.Token, cfg.Queue.Timeout)
	}

	sink := events.NewRecording(events.NopSink{}, 500)

	rec := reconciler.New(reconciler.Config{
		ProvisionerID:                   cfg.ProvisionerID,
		KeyPrefix:                       cfg.KeyPrefix,
		PublicKeyBody:                   cfg.PublicKeyBody,
		AllowedRegions:                  cfg.AllowedRegions,
		IterationInterval:               cfg.IterationInterval(),
		CloudCallTimeout:                cfg.CloudCallTimeout,
		MaxInstanceLife:                 cfg.MaxInstanceLife,
		StallTimeout:                    cfg.StallTimeout,
		InFlightTimeout:                 cfg.InFlightTimeout,
		MaxIterationsForStateResolution: cfg.MaxIterationsForStateResolution,
		DryRun:                          cfg.DryRun,
	}, adapter, store, q, pricing.Uniform{}, sink, met, logger)

	apiServer := api.New(cfg, rec, met, logger)

	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("API server error", "error", err)
		}
	}()

	le := leaderelection.New(cfg.LeaderElection, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- le.Run(ctx,
			func(ctx context.Context) {
				logger.Info("became leader, starting reconciler")
				met.LeaderElectionStatus.Set(1)
				if err := rec.Run(ctx); err != nil {
					logger.Error("reconciler error", "error", err)
				}
			},
			func(ctx context.Context) {
				logger.Info("stopped being leader")
				met.LeaderElectionStatus.Set(0)
			},
		)
	}()

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}

func modeString(dryRun bool) string {
	if dryRun {
		return "dry-run"
	}
	return "production"
}
