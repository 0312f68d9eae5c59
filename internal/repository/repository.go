// Package repository implements idempotent persistence for the ingestion
// pipeline (spec.md §4.4): instrument resolution, hash-based price
// upserts, and the job/job-detail/quality-verdict bookkeeping tables.
// Every statement is schema-qualified against the caller's environment
// alias (dev/test/prod), never string-concatenated from untrusted input.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/ohlcv-ingest/internal/domain"
)

// Sentinel errors classifying repository failures (spec.md §4.4, §7).
var (
	ErrConflictResolved     = errors.New("repository: conflict resolved as update")
	ErrConstraintViolation  = errors.New("repository: constraint violation")
	ErrConnection           = errors.New("repository: connection failure")
	ErrAlreadyFinalized     = errors.New("repository: job already finalized")
)

// validSchemas is the allow-list of environment aliases this repository
// will ever schema-qualify a statement against. Table and schema names
// can never come from network input (scheduler param blobs only ever
// select entries from this list via config), but the allow-list is
// checked anyway as defense in depth, following this codebase's existing
// table-allow-list convention.
var validSchemas = map[string]bool{"dev": true, "test": true, "prod": true}

// Repository wraps a *sql.DB and scopes every statement to one environment
// schema.
type Repository struct {
	db     *sql.DB
	schema string
}

// New constructs a Repository scoped to schema (dev/test/prod).
func New(db *sql.DB, schema string) (*Repository, error) {
	if !validSchemas[schema] {
		return nil, fmt.Errorf("repository: unknown schema %q", schema)
	}
	return &Repository{db: db, schema: schema}, nil
}

func (r *Repository) table(name string) string {
	return r.schema + "." + name
}

// ResolveInstrument inserts the instrument if absent and returns its id;
// idempotent on (exchange_code, symbol).
func (r *Repository) ResolveInstrument(ctx context.Context, symbol string, kind domain.InstrumentKind, exchangeCode, quoteCurrency string) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (symbol, kind, exchange_code, quote_currency, active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(exchange_code, symbol) DO UPDATE SET active = 1`, r.table("instruments"))

	if _, err := r.db.ExecContext(ctx, query, symbol, string(kind), exchangeCode, quoteCurrency); err != nil {
		return 0, fmt.Errorf("%w: resolve instrument %s: %v", ErrConnection, symbol, err)
	}

	var id int64
	selectQuery := fmt.Sprintf(`SELECT id FROM %s WHERE exchange_code = ? AND symbol = ?`, r.table("instruments"))
	if err := r.db.QueryRowContext(ctx, selectQuery, exchangeCode, symbol).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: lookup instrument %s: %v", ErrConnection, symbol, err)
	}
	return id, nil
}

// TouchLastSeen advances the instrument's last_seen_date (and first_seen_date
// if unset) to date.
func (r *Repository) TouchLastSeen(ctx context.Context, tx *sql.Tx, instrumentID int64, date time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			last_seen_date = ?,
			first_seen_date = COALESCE(first_seen_date, ?)
		WHERE id = ?`, r.table("instruments"))
	d := date.Format("2006-01-02")
	_, err := tx.ExecContext(ctx, query, d, d, instrumentID)
	return err
}

// UpsertResult summarizes one upsertPrices call.
type UpsertResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// UpsertPrices inserts rows, keyed by (instrumentId, trading_date), inside
// tx. On a uniqueness conflict, it compares the stored raw_hash against
// the incoming one: equal hashes are a skip, differing hashes update all
// numeric fields and the hash. Rows are applied in the order given; the
// caller must already have sorted rows ascending by date (spec.md §4.4).
func (r *Repository) UpsertPrices(ctx context.Context, tx *sql.Tx, instrumentID int64, rows []domain.PriceRow) (UpsertResult, error) {
	var result UpsertResult

	selectHash := fmt.Sprintf(`SELECT raw_hash FROM %s WHERE instrument_id = ? AND trading_date = ?`, r.table("prices"))
	upsert := fmt.Sprintf(`
		INSERT INTO %s (instrument_id, trading_date, open, high, low, close, volume, raw_hash, loaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instrument_id, trading_date) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			raw_hash = excluded.raw_hash,
			loaded_at = excluded.loaded_at`, r.table("prices"))

	for _, row := range rows {
		dateStr := row.TradingDate.Format("2006-01-02")

		var existingHash string
		err := tx.QueryRowContext(ctx, selectHash, instrumentID, dateStr).Scan(&existingHash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, upsert, instrumentID, dateStr, row.Open, row.High, row.Low, row.Close, row.Volume, row.RawHash, row.LoadedAt.Format(time.RFC3339)); err != nil {
				return result, fmt.Errorf("%w: insert price row for instrument %d on %s: %v", ErrConstraintViolation, instrumentID, dateStr, err)
			}
			result.Inserted++
		case err != nil:
			return result, fmt.Errorf("%w: lookup existing price row: %v", ErrConnection, err)
		case existingHash == row.RawHash:
			result.Skipped++
		default:
			if _, err := tx.ExecContext(ctx, upsert, instrumentID, dateStr, row.Open, row.High, row.Low, row.Close, row.Volume, row.RawHash, row.LoadedAt.Format(time.RFC3339)); err != nil {
				return result, fmt.Errorf("%w: update price row for instrument %d on %s: %v", ErrConstraintViolation, instrumentID, dateStr, err)
			}
			result.Updated++
		}
	}

	return result, nil
}

// OpenJob inserts a running job row and returns its id. Uniqueness on
// (environment, scheduler_run_id) rejects a second concurrent run with
// the same run id (spec.md §8 "Two concurrent runs...").
func (r *Repository) OpenJob(ctx context.Context, name, environment string, schedulerRunID *string, metadata []byte) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (name, environment, scheduler_run_id, started_at, status, metadata)
		VALUES (?, ?, ?, ?, 'running', ?)`, r.table("jobs"))

	res, err := r.db.ExecContext(ctx, query, name, environment, schedulerRunID, time.Now().Format(time.RFC3339), metadata)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return 0, fmt.Errorf("repository: job with run id %v already exists: %w", schedulerRunID, err)
		}
		return 0, fmt.Errorf("%w: open job: %v", ErrConnection, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: open job: %v", ErrConnection, err)
	}
	if err := r.Heartbeat(ctx, id); err != nil {
		return 0, err
	}
	return id, nil
}

// Heartbeat stamps the job's heartbeat_at column with the current time, so
// the janitor procedure (internal/jobtracker) can distinguish a live run
// from one whose process died mid-flight.
func (r *Repository) Heartbeat(ctx context.Context, jobID int64) error {
	query := fmt.Sprintf(`UPDATE %s SET heartbeat_at = ? WHERE id = ? AND status = 'running'`, r.table("jobs"))
	_, err := r.db.ExecContext(ctx, query, time.Now().Format(time.RFC3339), jobID)
	if err != nil {
		return fmt.Errorf("%w: heartbeat job %d: %v", ErrConnection, jobID, err)
	}
	return nil
}

// StaleRunningJob identifies a running job whose heartbeat has gone quiet.
type StaleRunningJob struct {
	ID            int64
	Name          string
	Environment   string
	HeartbeatAt   time.Time
}

// FindStaleRunningJobs returns every job still in status=running whose
// heartbeat is older than olderThan.
func (r *Repository) FindStaleRunningJobs(ctx context.Context, olderThan time.Time) ([]StaleRunningJob, error) {
	query := fmt.Sprintf(`
		SELECT id, name, environment, heartbeat_at FROM %s
		WHERE status = 'running' AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`, r.table("jobs"))

	rows, err := r.db.QueryContext(ctx, query, olderThan.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("%w: find stale running jobs: %v", ErrConnection, err)
	}
	defer rows.Close()

	var stale []StaleRunningJob
	for rows.Next() {
		var j StaleRunningJob
		var hb string
		if err := rows.Scan(&j.ID, &j.Name, &j.Environment, &hb); err != nil {
			return nil, fmt.Errorf("%w: scan stale job: %v", ErrConnection, err)
		}
		if t, err := time.Parse(time.RFC3339, hb); err == nil {
			j.HeartbeatAt = t
		}
		stale = append(stale, j)
	}
	return stale, rows.Err()
}

// RecordInstrumentOutcome inserts a JobDetail row inside tx (the same
// transaction as the instrument's price upserts), so observable progress
// and data stay consistent.
func (r *Repository) RecordInstrumentOutcome(ctx context.Context, tx *sql.Tx, jobID, instrumentID int64, op domain.Operation, count int, elapsedMs int64, errText *string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, instrument_id, operation, records, elapsed_ms, error_text)
		VALUES (?, ?, ?, ?, ?, ?)`, r.table("job_details"))
	_, err := tx.ExecContext(ctx, query, jobID, instrumentID, string(op), count, elapsedMs, errText)
	if err != nil {
		return fmt.Errorf("%w: record instrument outcome: %v", ErrConnection, err)
	}
	return nil
}

// WriteQualityVerdicts is a best-effort write outside the price
// transaction (spec.md §4.5): a failing verdict never rolls back
// otherwise-valid data.
func (r *Repository) WriteQualityVerdicts(ctx context.Context, jobID, instrumentID int64, verdicts []domain.QualityVerdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, instrument_id, rule, value, min_threshold, max_threshold, valid, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, r.table("quality_verdicts"))

	for _, v := range verdicts {
		if _, err := r.db.ExecContext(ctx, query, jobID, instrumentID, v.Rule, v.Value, v.MinThreshold, v.MaxThreshold, v.Valid, string(v.Severity)); err != nil {
			return fmt.Errorf("repository: write quality verdict %q: %w", v.Rule, err)
		}
	}
	return nil
}

// Counters is the aggregate tally finalizeJob writes.
type Counters struct {
	Processed     int
	Inserted      int
	Updated       int
	Skipped       int
	Failed        int
	QualityFailed int
}

// FinalizeJob updates the job row exactly once; a second call for the
// same job rejects with ErrAlreadyFinalized.
func (r *Repository) FinalizeJob(ctx context.Context, jobID int64, status domain.JobStatus, counters Counters, errorSummary *string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			status = ?, ended_at = ?, processed = ?, inserted = ?, updated = ?,
			skipped = ?, failed = ?, quality_failed = ?, error_summary = ?
		WHERE id = ? AND status = 'running'`, r.table("jobs"))

	res, err := r.db.ExecContext(ctx, query, string(status), time.Now().Format(time.RFC3339),
		counters.Processed, counters.Inserted, counters.Updated, counters.Skipped, counters.Failed,
		counters.QualityFailed, errorSummary, jobID)
	if err != nil {
		return fmt.Errorf("%w: finalize job %d: %v", ErrConnection, jobID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: finalize job %d: %v", ErrConnection, jobID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %d", ErrAlreadyFinalized, jobID)
	}
	return nil
}

// InstrumentState supports the Mode Resolver (spec.md §4.3).
type InstrumentState struct {
	RowCount int
	MaxDate  *time.Time
}

// GetInstrumentState returns the row count and max trading date for an
// instrument.
func (r *Repository) GetInstrumentState(ctx context.Context, instrumentID int64) (InstrumentState, error) {
	query := fmt.Sprintf(`SELECT COUNT(*), MAX(trading_date) FROM %s WHERE instrument_id = ?`, r.table("prices"))

	var count int
	var maxDate sql.NullString
	if err := r.db.QueryRowContext(ctx, query, instrumentID).Scan(&count, &maxDate); err != nil {
		return InstrumentState{}, fmt.Errorf("%w: get instrument state: %v", ErrConnection, err)
	}

	state := InstrumentState{RowCount: count}
	if maxDate.Valid {
		if t, err := time.Parse("2006-01-02", maxDate.String); err == nil {
			state.MaxDate = &t
		}
	}
	return state, nil
}

const jobColumns = `id, name, environment, scheduler_run_id, started_at, ended_at, status,
		processed, inserted, updated, skipped, failed, quality_failed, error_summary, metadata`

func scanJob(row *sql.Row) (domain.Job, error) {
	var j domain.Job
	var schedulerRunID, errorSummary sql.NullString
	var startedAt string
	var endedAt sql.NullString
	var metadata []byte

	err := row.Scan(&j.ID, &j.Name, &j.Environment, &schedulerRunID, &startedAt, &endedAt, &j.Status,
		&j.Processed, &j.Inserted, &j.Updated, &j.Skipped, &j.Failed, &j.QualityFailed, &errorSummary, &metadata)
	if err != nil {
		return domain.Job{}, err
	}

	if schedulerRunID.Valid {
		j.SchedulerRunID = &schedulerRunID.String
	}
	if errorSummary.Valid {
		j.ErrorSummary = &errorSummary.String
	}
	if t, perr := time.Parse(time.RFC3339, startedAt); perr == nil {
		j.StartedAt = t
	}
	if endedAt.Valid {
		if t, perr := time.Parse(time.RFC3339, endedAt.String); perr == nil {
			j.EndedAt = &t
		}
	}
	j.Metadata = metadata
	return j, nil
}

// GetJob returns one job by id, for the operational HTTP surface
// (spec.md §D.10 GET /jobs/{id}).
func (r *Repository) GetJob(ctx context.Context, jobID int64) (domain.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, jobColumns, r.table("jobs"))
	row := r.db.QueryRowContext(ctx, query, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("repository: job %d not found", jobID)
		}
		return domain.Job{}, fmt.Errorf("%w: get job %d: %v", ErrConnection, jobID, err)
	}
	return j, nil
}

// GetLatestJob returns the most recently started job for environment, for
// the operational HTTP surface (spec.md §D.10 GET /jobs/latest).
func (r *Repository) GetLatestJob(ctx context.Context, environment string) (domain.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE environment = ? ORDER BY started_at DESC, id DESC LIMIT 1`, jobColumns, r.table("jobs"))
	row := r.db.QueryRowContext(ctx, query, environment)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("repository: no jobs found for environment %q", environment)
		}
		return domain.Job{}, fmt.Errorf("%w: get latest job: %v", ErrConnection, err)
	}
	return j, nil
}

// Begin starts a transaction scoped to one instrument's load (spec.md
// §4.4 "one transaction per instrument per run").
func (r *Repository) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin instrument transaction: %v", ErrConnection, err)
	}
	return tx, nil
}
