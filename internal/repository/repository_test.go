package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/ohlcv-ingest/internal/database"
	"github.com/aristath/ohlcv-ingest/internal/domain"
	"github.com/aristath/ohlcv-ingest/internal/repository"
)

// newTestRepo attaches a single in-memory schema and applies the migration,
// mirroring how database.Open already special-cases "file:" URIs for tests.
func newTestRepo(t *testing.T) (*repository.Repository, *database.DB) {
	t.Helper()

	db, err := database.Open(database.Config{Path: "file::memory:?cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.AttachSchema(database.Environment{
		Schema:  "test",
		Path:    "file::memory:?cache=shared",
		Profile: database.ProfileStandard,
	}))
	require.NoError(t, db.Migrate("test"))

	_, err = db.Conn().Exec(`INSERT INTO test.exchanges (code, display_name, timezone, open_local, close_local)
		VALUES ('XNYS', 'NYSE', 'America/New_York', '09:30', '16:00')`)
	require.NoError(t, err)

	repo, err := repository.New(db.Conn(), "test")
	require.NoError(t, err)
	return repo, db
}

func TestResolveInstrumentIsIdempotent(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	id1, err := repo.ResolveInstrument(ctx, "AAPL", domain.KindStock, "XNYS", "USD")
	require.NoError(t, err)

	id2, err := repo.ResolveInstrument(ctx, "AAPL", domain.KindStock, "XNYS", "USD")
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestUpsertPricesInsertUpdateSkip(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	instrumentID, err := repo.ResolveInstrument(ctx, "AAPL", domain.KindStock, "XNYS", "USD")
	require.NoError(t, err)

	now := time.Now()
	tradingDate := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	row, err := domain.NewPriceRow("AAPL", instrumentID, tradingDate, 100, 105, 99, 103, 1_000_000, now)
	require.NoError(t, err)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	result, err := repo.UpsertPrices(ctx, tx, instrumentID, []domain.PriceRow{row})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Equal(t, 1, result.Inserted)
	require.Equal(t, 0, result.Updated)
	require.Equal(t, 0, result.Skipped)

	// Re-applying the identical row is a no-op skip: same content hash.
	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	result, err = repo.UpsertPrices(ctx, tx, instrumentID, []domain.PriceRow{row})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Equal(t, 0, result.Inserted)
	require.Equal(t, 0, result.Updated)
	require.Equal(t, 1, result.Skipped)

	// A revised close price changes the content hash, so it updates.
	revised, err := domain.NewPriceRow("AAPL", instrumentID, tradingDate, 100, 106, 99, 104, 1_100_000, now)
	require.NoError(t, err)

	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	result, err = repo.UpsertPrices(ctx, tx, instrumentID, []domain.PriceRow{revised})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Equal(t, 0, result.Inserted)
	require.Equal(t, 1, result.Updated)
	require.Equal(t, 0, result.Skipped)

	_ = db
}

func TestOpenJobRejectsDuplicateSchedulerRunID(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	runID := "run-2026-01-05"
	_, err := repo.OpenJob(ctx, "ohlcv_ingest", "test", &runID, nil)
	require.NoError(t, err)

	_, err = repo.OpenJob(ctx, "ohlcv_ingest", "test", &runID, nil)
	require.Error(t, err)
}

func TestFinalizeJobRejectsSecondCall(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	runID := "run-finalize-once"
	jobID, err := repo.OpenJob(ctx, "ohlcv_ingest", "test", &runID, nil)
	require.NoError(t, err)

	require.NoError(t, repo.FinalizeJob(ctx, jobID, domain.JobCompleted, repository.Counters{Processed: 1, Inserted: 1}, nil))

	err = repo.FinalizeJob(ctx, jobID, domain.JobCompleted, repository.Counters{Processed: 1, Inserted: 1}, nil)
	require.ErrorIs(t, err, repository.ErrAlreadyFinalized)
}

func TestGetJobAndGetLatestJob(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	runID := "run-get-job"
	jobID, err := repo.OpenJob(ctx, "ohlcv_ingest", "test", &runID, nil)
	require.NoError(t, err)
	require.NoError(t, repo.FinalizeJob(ctx, jobID, domain.JobCompleted, repository.Counters{Processed: 2, Inserted: 2}, nil))

	got, err := repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
	require.Equal(t, 2, got.Inserted)

	latest, err := repo.GetLatestJob(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, jobID, latest.ID)

	_, err = repo.GetJob(ctx, jobID+999)
	require.Error(t, err)
}

func TestGetInstrumentState(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	instrumentID, err := repo.ResolveInstrument(ctx, "MSFT", domain.KindStock, "XNYS", "USD")
	require.NoError(t, err)

	state, err := repo.GetInstrumentState(ctx, instrumentID)
	require.NoError(t, err)
	require.Equal(t, 0, state.RowCount)
	require.Nil(t, state.MaxDate)

	row, err := domain.NewPriceRow("MSFT", instrumentID, time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC), 50, 52, 49, 51, 500_000, time.Now())
	require.NoError(t, err)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	_, err = repo.UpsertPrices(ctx, tx, instrumentID, []domain.PriceRow{row})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	state, err = repo.GetInstrumentState(ctx, instrumentID)
	require.NoError(t, err)
	require.Equal(t, 1, state.RowCount)
	require.NotNil(t, state.MaxDate)
	require.Equal(t, "2026-01-06", state.MaxDate.Format("2006-01-02"))
}
