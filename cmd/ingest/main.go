// Package main is a one-shot CLI entry point for manually triggering a
// single ingestion run, useful for backfills and local testing. It is
// distinct from, and never a replacement for, the external scheduler
// contract (spec.md §6): it builds exactly one trigger.Invocation and
// hands it to the same trigger.Adapter the production scheduler would
// drive, then exits with the status code spec.md §6 defines.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/ohlcv-ingest/internal/config"
	"github.com/aristath/ohlcv-ingest/internal/di"
	"github.com/aristath/ohlcv-ingest/internal/trigger"
	"github.com/aristath/ohlcv-ingest/pkg/logger"
)

// exitCodes maps terminal job status to a process exit code (spec.md §6).
var exitCodes = map[string]int{
	"completed": 0,
	"partial":   2,
	"failed":    1,
	"skipped":   0,
}

func main() {
	environment := flag.String("environment", "", "target environment (dev/test/prod); defaults to DEFAULT_SCHEMA")
	schedulerRunID := flag.String("run-id", "", "opaque scheduler run id; generated if empty")
	targetDate := flag.String("date", "", "ISO logical date override (target_date); defaults to today")
	extractionMode := flag.String("mode", "", "global extraction_mode override: incremental|historical|full_backfill|smart")
	instrumentModes := flag.String("instrument-modes", "", "comma-separated SYMBOL=mode overrides, e.g. AAPL=historical,MSFT=full_backfill")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})

	env := *environment
	if env == "" {
		env = cfg.DefaultSchema
	}

	runID := *schedulerRunID
	if runID == "" {
		runID = "manual-" + uuid.New().String()
	}

	paramsBlob := map[string]any{}
	if *extractionMode != "" {
		paramsBlob["extraction_mode"] = *extractionMode
	}
	if *targetDate != "" {
		paramsBlob["target_date"] = *targetDate
	}
	if *instrumentModes != "" {
		overrides := map[string]any{}
		for _, pair := range strings.Split(*instrumentModes, ",") {
			kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(kv) != 2 {
				fmt.Fprintf(os.Stderr, "malformed --instrument-modes entry %q, expected SYMBOL=mode\n", pair)
				os.Exit(1)
			}
			overrides[kv[0]] = kv[1]
		}
		paramsBlob["instruments"] = overrides
	}

	logicalDate := time.Now()
	if *targetDate != "" {
		if parsed, err := time.Parse("2006-01-02", *targetDate); err == nil {
			logicalDate = parsed
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}
	defer container.Close()

	adapter, ok := container.Adapters[env]
	if !ok {
		log.Fatal().Str("environment", env).Msg("no adapter wired for this environment")
	}

	status, err := adapter.Invoke(ctx, trigger.Invocation{
		Environment:    env,
		LogicalDate:    logicalDate,
		SchedulerRunID: runID,
		ParamsBlob:     paramsBlob,
	})
	if err != nil && status == "" {
		log.Error().Err(err).Msg("run rejected before any write")
		os.Exit(1)
	}

	log.Info().Str("status", status).Str("run_id", runID).Str("environment", env).Msg("run finished")

	code, ok := exitCodes[status]
	if !ok {
		code = 1
	}
	os.Exit(code)
}
