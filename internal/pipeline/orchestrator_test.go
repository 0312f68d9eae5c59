package pipeline_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/ohlcv-ingest/internal/calendar"
	"github.com/aristath/ohlcv-ingest/internal/database"
	"github.com/aristath/ohlcv-ingest/internal/domain"
	"github.com/aristath/ohlcv-ingest/internal/extractor"
	"github.com/aristath/ohlcv-ingest/internal/modes"
	"github.com/aristath/ohlcv-ingest/internal/pipeline"
	"github.com/aristath/ohlcv-ingest/internal/quality"
	"github.com/aristath/ohlcv-ingest/internal/repository"
	"github.com/aristath/ohlcv-ingest/pkg/logger"
)

// stubProvider serves a fixed CSV body for every symbol, mirroring the
// daily-OHLCV-CSV shape the Extractor expects (spec.md §4.2), so the
// orchestrator's fan-out can run end to end without reaching the network.
func stubProvider(t *testing.T, csvBody string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprint(w, csvBody)
	}))
}

const sampleCSV = `date,open,high,low,close,volume
2026-01-05,100,105,99,103,1000000
2026-01-06,103,108,102,107,1100000
`

func alwaysTradingDayCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	return calendar.New(calendar.Config{
		ExchangeCode: "XNYS",
		Location:     time.UTC,
		OpenLocal:    "09:30",
		CloseLocal:   "16:00",
		Holidays:     []calendar.HolidayRule{calendar.FixedDate(time.December, 31)}, // non-empty, never matches our fixed test date
	}, func(string) {})
}

func newTestOrchestrator(t *testing.T, baseURL string) (*pipeline.Orchestrator, *repository.Repository) {
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

	log := logger.New(logger.Config{Level: "error"})
	cal := alwaysTradingDayCalendar(t)
	checker := quality.New(quality.DefaultConfig(), cal)

	newExtractor := func() *extractor.Extractor {
		return extractor.New(extractor.Config{
			BaseURL:    baseURL,
			Timeout:    5 * time.Second,
			MaxRetries: 1,
		}, log)
	}

	instruments := []pipeline.InstrumentSpec{
		{Symbol: "AAPL", Kind: domain.KindStock, ExchangeCode: "XNYS", QuoteCurrency: "USD"},
	}

	orch := pipeline.New(pipeline.Config{
		WorkerPoolSize:        2,
		InstrumentSoftTimeout: 5 * time.Second,
		RunHardDeadline:       10 * time.Second,
		ModePolicy:            modes.DefaultPolicy(),
		QualityErrorThreshold: 1,
	}, cal, repo, checker, instruments, newExtractor, log)

	return orch, repo
}

func TestOrchestratorRunInsertsRowsAndCompletes(t *testing.T) {
	srv := stubProvider(t, sampleCSV)
	defer srv.Close()

	orch, repo := newTestOrchestrator(t, srv.URL)
	ctx := context.Background()

	runID := "run-insert"
	status, err := orch.Run(ctx, pipeline.RunRequest{
		Environment:    "test",
		LogicalDate:    time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC),
		SchedulerRunID: &runID,
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, status)

	job, err := repo.GetLatestJob(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, job.Status)
	require.Equal(t, 2, job.Inserted)
}

func TestOrchestratorRunIsIdempotentOnRerun(t *testing.T) {
	srv := stubProvider(t, sampleCSV)
	defer srv.Close()

	orch, repo := newTestOrchestrator(t, srv.URL)
	ctx := context.Background()

	firstRun := "run-1"
	_, err := orch.Run(ctx, pipeline.RunRequest{
		Environment:    "test",
		LogicalDate:    time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC),
		SchedulerRunID: &firstRun,
	})
	require.NoError(t, err)

	secondRun := "run-2"
	status, err := orch.Run(ctx, pipeline.RunRequest{
		Environment:    "test",
		LogicalDate:    time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC),
		SchedulerRunID: &secondRun,
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, status)

	job, err := repo.GetLatestJob(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 0, job.Inserted)
	require.Equal(t, 2, job.Skipped)
}

func TestOrchestratorRunSkipsOnNonTradingDay(t *testing.T) {
	srv := stubProvider(t, sampleCSV)
	defer srv.Close()

	orch, repo := newTestOrchestrator(t, srv.URL)
	ctx := context.Background()

	runID := "run-weekend"
	status, err := orch.Run(ctx, pipeline.RunRequest{
		Environment:    "test",
		LogicalDate:    time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC), // a Saturday
		SchedulerRunID: &runID,
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobSkipped, status)

	job, err := repo.GetLatestJob(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, domain.JobSkipped, job.Status)
}

func TestOrchestratorRunRecordsErrorOnProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	orch, repo := newTestOrchestrator(t, srv.URL)
	ctx := context.Background()

	runID := "run-failure"
	status, err := orch.Run(ctx, pipeline.RunRequest{
		Environment:    "test",
		LogicalDate:    time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC),
		SchedulerRunID: &runID,
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, status)

	job, err := repo.GetLatestJob(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
	require.NotNil(t, job.ErrorSummary)
}
