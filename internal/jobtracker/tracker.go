// Package jobtracker implements the Job state machine (spec.md §4.6):
// open a running job, record heartbeats and per-instrument outcomes as a
// run progresses, and finalize to exactly one terminal state.
package jobtracker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/ohlcv-ingest/internal/domain"
	"github.com/aristath/ohlcv-ingest/internal/health"
	"github.com/aristath/ohlcv-ingest/internal/repository"
)

// Tracker owns one job's lifecycle from open to finalize.
type Tracker struct {
	repo *repository.Repository
	log  zerolog.Logger

	jobID int64
}

// Open allocates a running job row.
func Open(ctx context.Context, repo *repository.Repository, name, environment string, schedulerRunID *string, metadata []byte, log zerolog.Logger) (*Tracker, error) {
	jobID, err := repo.OpenJob(ctx, name, environment, schedulerRunID, metadata)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		repo:  repo,
		log:   log.With().Str("component", "job_tracker").Int64("job_id", jobID).Logger(),
		jobID: jobID,
	}, nil
}

// JobID returns the id of the job this tracker owns.
func (t *Tracker) JobID() int64 {
	return t.jobID
}

// Heartbeat refreshes the job's liveness stamp; callers invoke this
// periodically during a long fan-out so the janitor can tell a slow run
// from an abandoned one.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	return t.repo.Heartbeat(ctx, t.jobID)
}

// Outcome aggregates one instrument's result into the job's final
// counters; it does not write anything itself — instrument-level detail
// rows are written transactionally by the repository alongside the price
// upsert (spec.md §4.4).
type Outcome struct {
	Operation     domain.Operation
	Inserted      int
	Updated       int
	Skipped       int
	QualityFailed int
}

// Finalize aggregates outcomes to a terminal status and writes it exactly
// once. Per spec.md §4.6: completed if every instrument succeeded, partial
// if at least one but not all failed, failed if every instrument failed.
// An empty outcome list finalizes as completed; a precondition abort
// before any instrument work is finalized via FinalizeSkippedOrFailed.
func (t *Tracker) Finalize(ctx context.Context, outcomes []Outcome, qualityErrorThreshold int) (domain.JobStatus, error) {
	status, counters, errSummary := Aggregate(outcomes, qualityErrorThreshold)

	if err := t.repo.FinalizeJob(ctx, t.jobID, status, counters, errSummary); err != nil {
		return "", err
	}

	t.log.Info().Str("status", string(status)).Int("processed", counters.Processed).Msg("job finalized")
	return status, nil
}

// Aggregate folds a run's per-instrument outcomes into a terminal status
// and aggregate counters, exported so callers that need both (e.g. an
// archival snapshot written alongside FinalizeJob) don't have to
// re-derive the aggregation logic.
func Aggregate(outcomes []Outcome, qualityErrorThreshold int) (domain.JobStatus, repository.Counters, *string) {
	var counters repository.Counters
	var errored int

	for _, o := range outcomes {
		counters.Inserted += o.Inserted
		counters.Updated += o.Updated
		counters.Skipped += o.Skipped
		counters.QualityFailed += o.QualityFailed
		if o.Operation == domain.OpError {
			counters.Failed++
			errored++
		}
	}
	counters.Processed = counters.Inserted + counters.Updated + counters.Skipped + counters.Failed

	status := domain.JobCompleted
	switch {
	case errored == len(outcomes) && len(outcomes) > 0:
		status = domain.JobFailed
	case errored > 0:
		status = domain.JobPartial
	case counters.QualityFailed >= qualityErrorThreshold && qualityErrorThreshold > 0 && counters.QualityFailed > 0:
		// Conservative default (spec.md §9 Open Question): any
		// severity=error verdict count meeting the configured threshold
		// demotes an otherwise-clean run to partial rather than silently
		// reporting completed.
		status = domain.JobPartial
	}

	var errSummary *string
	if errored > 0 {
		s := fmt.Sprintf("%d of %d instruments failed", errored, len(outcomes))
		errSummary = &s
	}

	return status, counters, errSummary
}

// FinalizeSkippedOrFailed finalizes a job that never reached the per-
// instrument fan-out, because the calendar gate deferred the run
// (status=skipped) or a precondition failed before any price write
// (status=failed).
func (t *Tracker) FinalizeSkippedOrFailed(ctx context.Context, status domain.JobStatus, reason string) error {
	if status != domain.JobSkipped && status != domain.JobFailed {
		return fmt.Errorf("jobtracker: FinalizeSkippedOrFailed called with status %q", status)
	}
	return t.repo.FinalizeJob(ctx, t.jobID, status, repository.Counters{}, &reason)
}

// Janitor periodically scans for running jobs whose heartbeat has gone
// stale and marks them failed. This is optional maintenance (spec.md
// §4.6: "not required for correctness"), grounded on this codebase's
// existing maintenance-job pattern.
type Janitor struct {
	repo              *repository.Repository
	heartbeatTimeout  time.Duration
	log               zerolog.Logger
}

// NewJanitor constructs a Janitor. heartbeatTimeout should be a multiple
// of the longest expected run (spec.md §4.6 default: 2x).
func NewJanitor(repo *repository.Repository, heartbeatTimeout time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{repo: repo, heartbeatTimeout: heartbeatTimeout, log: log.With().Str("component", "job_janitor").Logger()}
}

// Sweep marks every stale running job as failed and returns how many it
// touched.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-j.heartbeatTimeout)
	stale, err := j.repo.FindStaleRunningJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if len(stale) > 0 {
		// A resource snapshot alongside the sweep tells an operator
		// whether these jobs stalled because the host was starved, or
		// whether the run itself is genuinely stuck.
		snap := health.Sample()
		j.log.Warn().Int("stale_count", len(stale)).Float64("cpu_percent", snap.CPUPercent).Float64("mem_percent", snap.MemoryPercent).Float64("process_rss_mb", snap.ProcessRSSMB).Msg("found stale running jobs")
	}

	for _, job := range stale {
		reason := fmt.Sprintf("no heartbeat since %s, exceeding %s timeout", job.HeartbeatAt.Format(time.RFC3339), j.heartbeatTimeout)
		if err := j.repo.FinalizeJob(ctx, job.ID, domain.JobFailed, repository.Counters{}, &reason); err != nil {
			j.log.Warn().Int64("job_id", job.ID).Err(err).Msg("failed to finalize stale job")
			continue
		}
		j.log.Warn().Int64("job_id", job.ID).Str("name", job.Name).Msg("marked stale running job as failed")
	}

	return len(stale), nil
}
