// Package main is the long-running entry point for the OHLCV ingestion
// pipeline. It wires every component via internal/di, exposes the
// operational HTTP surface (health, job status, live status stream), and
// optionally drives runs on a local cron schedule (internal/trigger's
// CronSource) when no external scheduler is configured for this
// deployment. The production scheduler contract (spec.md §6) remains
// external; CronSource exists only so this binary is runnable standalone.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/ohlcv-ingest/internal/config"
	"github.com/aristath/ohlcv-ingest/internal/di"
	"github.com/aristath/ohlcv-ingest/internal/server"
	"github.com/aristath/ohlcv-ingest/internal/trigger"
	"github.com/aristath/ohlcv-ingest/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting ohlcv-ingest")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:     log,
		DB:      container.DB,
		Repos:   container.Repos,
		Status:  container.Status,
		Port:    cfg.Port,
		DevMode: cfg.LogLevel == "debug",
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("operational server failed")
		}
	}()

	var cronSource *trigger.CronSource
	if cfg.CronSchedule != "" {
		adapter, ok := container.Adapters[cfg.DefaultSchema]
		if !ok {
			log.Fatal().Str("schema", cfg.DefaultSchema).Msg("DEFAULT_SCHEMA has no wired adapter")
		}
		cronSource, err = trigger.NewCronSource(cfg.CronSchedule, cfg.DefaultSchema, adapter, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build cron trigger source")
		}
		cronSource.Start()
		log.Info().Str("schedule", cfg.CronSchedule).Str("environment", cfg.DefaultSchema).Msg("local cron trigger source active")
	} else {
		log.Info().Msg("no CRON_SCHEDULE configured; runs must be driven by the external scheduler or cmd/ingest")
	}

	janitorTicker := time.NewTicker(cfg.RunHardDeadline)
	defer janitorTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-janitorTicker.C:
				for env, j := range container.Janitors {
					if n, err := j.Sweep(ctx); err != nil {
						log.Warn().Err(err).Str("environment", env).Msg("janitor sweep failed")
					} else if n > 0 {
						log.Warn().Int("count", n).Str("environment", env).Msg("janitor marked stale jobs as failed")
					}
				}
			}
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	if cronSource != nil {
		cronSource.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("operational server shutdown did not complete cleanly")
	}

	log.Info().Msg("ohlcv-ingest stopped")
}
