// Package trigger implements the Trigger Adapter (spec.md §4.8): it takes
// an external invocation — environment, logical date, opaque scheduler
// run id, and a parameter blob — and turns it into exactly one
// pipeline.RunRequest. Parsing is defensive: unknown parameter blob keys
// are ignored with a warning, known keys with invalid values fail fast
// before the orchestrator opens a job or writes anything.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/ohlcv-ingest/internal/modes"
	"github.com/aristath/ohlcv-ingest/internal/pipeline"
)

// Invocation is the raw shape handed in by a scheduler (spec.md §6).
// ParamsBlob is intentionally untyped (map[string]any) because the
// scheduler's parameter encoding is opaque to this adapter; only the
// recognized keys below are interpreted.
type Invocation struct {
	Environment    string
	LogicalDate    time.Time
	SchedulerRunID string
	ParamsBlob     map[string]any
}

// recognized parameter blob keys (spec.md §6).
const (
	keyExtractionMode = "extraction_mode"
	keyInstruments    = "instruments"
	keyTargetDate     = "target_date"
)

var validModeValues = map[string]modes.Mode{
	"incremental":   modes.ModeIncremental,
	"historical":    modes.ModeHistorical,
	"full_backfill": modes.ModeFullBackfill,
	"smart":         "", // concrete-but-unset: layer 2 treats this as absent
}

// Adapter parses invocations and hands the result to a single Orchestrator.
type Adapter struct {
	orch *pipeline.Orchestrator
	log  zerolog.Logger
}

// New constructs an Adapter bound to the one Orchestrator it drives.
func New(orch *pipeline.Orchestrator, log zerolog.Logger) *Adapter {
	return &Adapter{orch: orch, log: log.With().Str("component", "trigger_adapter").Logger()}
}

// ParseRequest validates inv.ParamsBlob and builds the RunRequest the
// Orchestrator expects. It never touches the database: invalid known-key
// values are returned as an error here, before any job is opened (spec.md
// §7: "Orchestration precondition... invalid parameter blob" fails the
// run without a price write).
func (a *Adapter) ParseRequest(inv Invocation) (pipeline.RunRequest, error) {
	req := pipeline.RunRequest{
		Environment: inv.Environment,
		LogicalDate: inv.LogicalDate,
	}
	if inv.SchedulerRunID != "" {
		id := inv.SchedulerRunID
		req.SchedulerRunID = &id
	}

	params := modes.Params{Instruments: map[string]modes.Mode{}}

	for key, raw := range inv.ParamsBlob {
		switch key {
		case keyExtractionMode:
			s, ok := raw.(string)
			if !ok {
				return pipeline.RunRequest{}, fmt.Errorf("trigger: %s must be a string, got %T", key, raw)
			}
			mode, ok := validModeValues[s]
			if !ok {
				return pipeline.RunRequest{}, fmt.Errorf("trigger: %s %q is not one of incremental|historical|full_backfill|smart", key, s)
			}
			params.ExtractionMode = mode

		case keyInstruments:
			m, ok := raw.(map[string]any)
			if !ok {
				return pipeline.RunRequest{}, fmt.Errorf("trigger: %s must be a map of symbol to mode, got %T", key, raw)
			}
			for symbol, v := range m {
				s, ok := v.(string)
				if !ok {
					return pipeline.RunRequest{}, fmt.Errorf("trigger: %s[%s] must be a string, got %T", key, symbol, v)
				}
				mode, ok := validModeValues[s]
				if !ok || mode == "" {
					return pipeline.RunRequest{}, fmt.Errorf("trigger: %s[%s] %q is not a concrete mode", key, symbol, s)
				}
				params.Instruments[symbol] = mode
			}

		case keyTargetDate:
			s, ok := raw.(string)
			if !ok {
				return pipeline.RunRequest{}, fmt.Errorf("trigger: %s must be an ISO date string, got %T", key, raw)
			}
			d, err := time.Parse("2006-01-02", s)
			if err != nil {
				return pipeline.RunRequest{}, fmt.Errorf("trigger: %s %q is not an ISO date: %w", key, s, err)
			}
			req.LogicalDate = d

		default:
			a.log.Warn().Str("key", key).Msg("ignoring unrecognized parameter blob key")
		}
	}

	req.ModeParams = params
	req.SchedCtx = modes.SchedulerContext{IsCatchUpOrBackfill: params.ExtractionMode == modes.ModeHistorical || params.ExtractionMode == modes.ModeFullBackfill}
	req.ForceRun = req.SchedCtx.IsCatchUpOrBackfill

	return req, nil
}

// Invoke parses inv and drives a single Orchestrator.Run call.
func (a *Adapter) Invoke(ctx context.Context, inv Invocation) (string, error) {
	req, err := a.ParseRequest(inv)
	if err != nil {
		a.log.Warn().Err(err).Msg("rejected invocation before any write")
		return "", err
	}

	status, err := a.orch.Run(ctx, req)
	if err != nil && status == "" {
		return "", err
	}
	return string(status), err
}
