// Package pipeline implements the top-level Orchestrator (spec.md §4.7):
// gate → open job → resolve mode → fan out across instruments → per-
// instrument transactional load → finalize.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/ohlcv-ingest/internal/archive"
	"github.com/aristath/ohlcv-ingest/internal/calendar"
	"github.com/aristath/ohlcv-ingest/internal/domain"
	"github.com/aristath/ohlcv-ingest/internal/extractor"
	"github.com/aristath/ohlcv-ingest/internal/jobtracker"
	"github.com/aristath/ohlcv-ingest/internal/modes"
	"github.com/aristath/ohlcv-ingest/internal/quality"
	"github.com/aristath/ohlcv-ingest/internal/repository"
	"github.com/aristath/ohlcv-ingest/internal/status"
)

// InstrumentSpec is one configured tradable entity the pipeline ingests.
type InstrumentSpec struct {
	Symbol        string
	Kind          domain.InstrumentKind
	ExchangeCode  string
	QuoteCurrency string
}

// RunRequest is the parsed invocation handed to the Orchestrator by the
// Trigger Adapter (spec.md §6 scheduler parameter blob, already parsed).
type RunRequest struct {
	Environment     string
	LogicalDate     time.Time
	SchedulerRunID  *string
	ModeParams      modes.Params
	SchedCtx        modes.SchedulerContext
	ForceRun        bool // true for explicit full_backfill/historical runs that should skip the calendar gate
}

// Config bounds the orchestrator's concurrency and timeouts (spec.md §5).
type Config struct {
	WorkerPoolSize        int
	InstrumentSoftTimeout time.Duration
	RunHardDeadline       time.Duration
	ModePolicy            modes.Policy
	QualityErrorThreshold int
}

// Orchestrator wires together every leaf component for one environment.
type Orchestrator struct {
	cfg         Config
	cal         *calendar.Calendar
	repo        *repository.Repository
	checker     *quality.Checker
	instruments []InstrumentSpec
	newExtractor func() *extractor.Extractor
	status      *status.Broadcaster
	archiver    *archive.Uploader
	log         zerolog.Logger
}

// WithStatus attaches a live status broadcaster; wiring it is optional
// and a nil Broadcaster is safe to pass (status.Broadcaster.Publish is a
// no-op on nil).
func (o *Orchestrator) WithStatus(b *status.Broadcaster) *Orchestrator {
	o.status = b
	return o
}

// WithArchiver attaches a job-report archiver; wiring it is optional and
// a nil Uploader is safe to pass (archive.Uploader.Archive is a no-op on
// nil, per spec.md §D.6's best-effort contract).
func (o *Orchestrator) WithArchiver(u *archive.Uploader) *Orchestrator {
	o.archiver = u
	return o
}

// New constructs an Orchestrator. newExtractor is a factory rather than a
// shared instance because each fan-out worker owns its own Extractor
// (spec.md §5: "each worker owns its own extractor").
func New(cfg Config, cal *calendar.Calendar, repo *repository.Repository, checker *quality.Checker, instruments []InstrumentSpec, newExtractor func() *extractor.Extractor, log zerolog.Logger) *Orchestrator {
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}
	return &Orchestrator{
		cfg:          cfg,
		cal:          cal,
		repo:         repo,
		checker:      checker,
		instruments:  instruments,
		newExtractor: newExtractor,
		log:          log.With().Str("component", "orchestrator").Logger(),
	}
}

// instrumentResult is the outcome of one worker's run, joined by Run after
// the fan-out completes.
type instrumentResult struct {
	spec    InstrumentSpec
	outcome jobtracker.Outcome
}

// Run executes one full pipeline invocation and returns the job's terminal
// status.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (domain.JobStatus, error) {
	runStart := time.Now()

	// 1. Gate.
	if !req.ForceRun && !o.cal.IsTradingDay(req.LogicalDate) {
		o.log.Info().Time("logical_date", req.LogicalDate).Msg("non-trading day, gate skips run")
		tracker, err := jobtracker.Open(ctx, o.repo, "ohlcv_ingest", req.Environment, req.SchedulerRunID, nil, o.log)
		if err != nil {
			return "", fmt.Errorf("open job for gated run: %w", err)
		}
		if err := tracker.FinalizeSkippedOrFailed(ctx, domain.JobSkipped, "non-trading day"); err != nil {
			return "", err
		}
		return domain.JobSkipped, nil
	}

	// 2. Open job.
	tracker, err := jobtracker.Open(ctx, o.repo, "ohlcv_ingest", req.Environment, req.SchedulerRunID, nil, o.log)
	if err != nil {
		return "", fmt.Errorf("open job: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunHardDeadline)
	defer cancel()

	// 3 & 4: resolve mode and fan out.
	results, fanErr := o.fanOut(runCtx, tracker, req)

	// 6. Finalize.
	outcomes := make([]jobtracker.Outcome, len(results))
	for i, r := range results {
		outcomes[i] = r.outcome
	}

	if fanErr != nil && len(results) == 0 {
		reason := fanErr.Error()
		if err := tracker.FinalizeSkippedOrFailed(ctx, domain.JobFailed, reason); err != nil {
			return "", err
		}
		return domain.JobFailed, fanErr
	}

	finalStatus, err := tracker.Finalize(ctx, outcomes, o.cfg.QualityErrorThreshold)
	if err != nil {
		return "", err
	}
	_, counters, errSummary := jobtracker.Aggregate(outcomes, o.cfg.QualityErrorThreshold)
	if fanErr != nil && finalStatus == domain.JobCompleted {
		// The whole-run deadline fired after some instruments had already
		// committed; reflect that the run did not fully complete even
		// though no single instrument reported operation=error.
		finalStatus = domain.JobPartial
	}
	o.status.Publish(status.Event{JobID: tracker.JobID(), Kind: "job_finalized", Operation: string(finalStatus), At: time.Now()})
	o.archiveSnapshot(ctx, tracker.JobID(), req, finalStatus, counters, errSummary, runStart)
	return finalStatus, nil
}

// archiveSnapshot uploads a best-effort job-report snapshot (spec.md
// §D.6) after the job's terminal status is durably written. Archival
// never affects the returned status: a nil archiver or a failed upload
// is logged and dropped by archive.Uploader.Archive itself.
func (o *Orchestrator) archiveSnapshot(ctx context.Context, jobID int64, req RunRequest, jobStatus domain.JobStatus, counters repository.Counters, errSummary *string, startedAt time.Time) {
	if o.archiver == nil {
		return
	}
	snap := archive.Snapshot{
		JobID:         jobID,
		Name:          "ohlcv_ingest",
		Environment:   req.Environment,
		Status:        string(jobStatus),
		StartedAt:     startedAt,
		EndedAt:       time.Now(),
		Processed:     counters.Processed,
		Inserted:      counters.Inserted,
		Updated:       counters.Updated,
		Skipped:       counters.Skipped,
		Failed:        counters.Failed,
		QualityFailed: counters.QualityFailed,
	}
	if errSummary != nil {
		snap.ErrorSummary = *errSummary
	}
	o.archiver.Archive(ctx, snap)
}

func (o *Orchestrator) fanOut(ctx context.Context, tracker *jobtracker.Tracker, req RunRequest) ([]instrumentResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, o.cfg.WorkerPoolSize)

	results := make([]instrumentResult, len(o.instruments))
	for i, spec := range o.instruments {
		i, spec := i, spec
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := o.processInstrument(gctx, tracker, req, spec)
			results[i] = instrumentResult{spec: spec, outcome: outcome}
			return nil // instrument errors are carried as values, never failing the group (spec.md §9)
		})
	}

	err := g.Wait()
	return results, err
}

func (o *Orchestrator) processInstrument(ctx context.Context, tracker *jobtracker.Tracker, req RunRequest, spec InstrumentSpec) jobtracker.Outcome {
	start := time.Now()
	instrumentCtx, cancel := context.WithTimeout(ctx, o.cfg.InstrumentSoftTimeout)
	defer cancel()

	instrumentID, err := o.repo.ResolveInstrument(instrumentCtx, spec.Symbol, spec.Kind, spec.ExchangeCode, spec.QuoteCurrency)
	if err != nil {
		return o.recordError(ctx, tracker, 0, spec, start, err)
	}

	state, err := o.repo.GetInstrumentState(instrumentCtx, instrumentID)
	if err != nil {
		return o.recordError(ctx, tracker, instrumentID, spec, start, err)
	}

	decision := modes.Resolve(spec.Symbol, req.ModeParams, req.SchedCtx, modes.InstrumentState{
		RowCount: state.RowCount,
		MaxDate:  state.MaxDate,
	}, o.cfg.ModePolicy, time.Now())

	ex := o.newExtractor()
	records, err := ex.Fetch(instrumentCtx, spec.Symbol, extractor.Bound{Kind: extractor.BoundKind(decision.Bound.Kind), N: decision.Bound.N})
	if err != nil {
		return o.recordError(ctx, tracker, instrumentID, spec, start, err)
	}

	if len(records) == 0 {
		if tx, err := o.repo.Begin(instrumentCtx); err == nil {
			if err := o.repo.RecordInstrumentOutcome(instrumentCtx, tx, tracker.JobID(), instrumentID, domain.OpSkip, 0, time.Since(start).Milliseconds(), nil); err == nil {
				_ = tx.Commit()
			} else {
				_ = tx.Rollback()
			}
		}
		return jobtracker.Outcome{Operation: domain.OpSkip}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Date.Before(records[j].Date) })
	if decision.Bound.Kind == string(extractor.BoundLastN) && decision.Bound.N > 0 && len(records) > decision.Bound.N {
		records = records[len(records)-decision.Bound.N:]
	}

	rows := make([]domain.PriceRow, 0, len(records))
	now := time.Now()
	for _, rec := range records {
		row, err := domain.NewPriceRow(spec.Symbol, instrumentID, rec.Date, rec.Open, rec.High, rec.Low, rec.Close, rec.Volume, now)
		if err != nil {
			continue // already validated by the extractor; defensive skip only
		}
		rows = append(rows, row)
	}

	upsertResult, op, txErr := o.loadInstrumentTransaction(instrumentCtx, tracker.JobID(), instrumentID, rows, start)
	if txErr != nil {
		return o.recordError(ctx, tracker, instrumentID, spec, start, txErr)
	}

	qualityFailed := o.writeQuality(ctx, tracker.JobID(), instrumentID, rows)

	return jobtracker.Outcome{
		Operation:     op,
		Inserted:      upsertResult.Inserted,
		Updated:       upsertResult.Updated,
		Skipped:       upsertResult.Skipped,
		QualityFailed: qualityFailed,
	}
}

// loadInstrumentTransaction runs the upsert, the last-seen bump, and the
// JobDetail write inside one transaction, per spec.md §4.4 ("written in
// the same transaction as the instrument's price rows so that observable
// progress and data are consistent").
func (o *Orchestrator) loadInstrumentTransaction(ctx context.Context, jobID, instrumentID int64, rows []domain.PriceRow, start time.Time) (repository.UpsertResult, domain.Operation, error) {
	tx, err := o.repo.Begin(ctx)
	if err != nil {
		return repository.UpsertResult{}, "", err
	}

	res, err := o.repo.UpsertPrices(ctx, tx, instrumentID, rows)
	if err != nil {
		_ = tx.Rollback()
		return repository.UpsertResult{}, "", err
	}

	if len(rows) > 0 {
		if err := o.repo.TouchLastSeen(ctx, tx, instrumentID, rows[len(rows)-1].TradingDate); err != nil {
			_ = tx.Rollback()
			return repository.UpsertResult{}, "", err
		}
	}

	op := domain.OpInsert
	switch {
	case res.Inserted == 0 && res.Updated == 0:
		op = domain.OpSkip
	case res.Updated > 0 && res.Inserted == 0:
		op = domain.OpUpdate
	}

	if err := o.repo.RecordInstrumentOutcome(ctx, tx, jobID, instrumentID, op, len(rows), time.Since(start).Milliseconds(), nil); err != nil {
		_ = tx.Rollback()
		return repository.UpsertResult{}, "", err
	}

	if err := tx.Commit(); err != nil {
		return repository.UpsertResult{}, "", fmt.Errorf("commit instrument transaction: %w", err)
	}

	o.status.Publish(status.Event{JobID: jobID, InstrumentID: instrumentID, Kind: "job_detail", Operation: string(op), At: time.Now()})

	return res, op, nil
}

func (o *Orchestrator) writeQuality(ctx context.Context, jobID, instrumentID int64, rows []domain.PriceRow) int {
	verdicts := o.checker.Evaluate(rows)
	for i := range verdicts {
		verdicts[i].JobID = jobID
		verdicts[i].InstrumentID = instrumentID
	}
	if err := o.repo.WriteQualityVerdicts(ctx, jobID, instrumentID, verdicts); err != nil {
		o.log.Warn().Err(err).Int64("instrument_id", instrumentID).Msg("failed to write quality verdicts")
	}

	failed := 0
	for _, v := range verdicts {
		if v.Severity == domain.SeverityError {
			failed++
		}
		o.status.Publish(status.Event{JobID: jobID, InstrumentID: instrumentID, Kind: "quality_verdict", Rule: v.Rule, Severity: string(v.Severity), At: time.Now()})
	}
	return failed
}

func (o *Orchestrator) recordError(ctx context.Context, tracker *jobtracker.Tracker, instrumentID int64, spec InstrumentSpec, start time.Time, cause error) jobtracker.Outcome {
	o.log.Warn().Str("symbol", spec.Symbol).Err(cause).Msg("instrument failed")

	if instrumentID != 0 {
		errText := cause.Error()
		if tx, txErr := o.repo.Begin(ctx); txErr == nil {
			_ = o.repo.RecordInstrumentOutcome(ctx, tx, tracker.JobID(), instrumentID, domain.OpError, 0, time.Since(start).Milliseconds(), &errText)
			_ = tx.Commit()
		}
		o.status.Publish(status.Event{JobID: tracker.JobID(), InstrumentID: instrumentID, Kind: "job_detail", Operation: string(domain.OpError), At: time.Now()})
	}

	return jobtracker.Outcome{Operation: domain.OpError}
}
