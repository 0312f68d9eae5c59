package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/ohlcv-ingest/internal/domain"
)

func row(t *testing.T, date string, o, h, l, c float64, v int64) domain.PriceRow {
	t.Helper()
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		t.Fatal(err)
	}
	r, err := domain.NewPriceRow("TEST", 1, d, o, h, l, c, v, time.Now().AddDate(1, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEvaluate_OHLCMonotonicity_ValidRows(t *testing.T) {
	checker := New(DefaultConfig(), nil)
	rows := []domain.PriceRow{
		row(t, "2026-01-05", 10, 11, 9, 10.5, 1000),
		row(t, "2026-01-06", 10.5, 11.5, 10, 11, 1100),
	}
	verdicts := checker.Evaluate(rows)
	for _, v := range verdicts {
		if v.Rule == "ohlc_monotonicity" {
			assert.True(t, v.Valid)
		}
	}
}

func TestEvaluate_VolumeAnomaly_Flagged(t *testing.T) {
	checker := New(DefaultConfig(), nil)
	var rows []domain.PriceRow
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		rows = append(rows, row(t, base.AddDate(0, 0, i).Format("2006-01-02"), 10, 11, 9, 10, 1000))
	}
	rows = append(rows, row(t, base.AddDate(0, 0, 25).Format("2006-01-02"), 10, 11, 9, 10, 50000))

	verdicts := checker.Evaluate(rows)
	found := false
	for _, v := range verdicts {
		if v.Rule == "volume_anomaly" {
			found = true
		}
	}
	assert.True(t, found, "expected a volume_anomaly verdict")
}

func TestEvaluate_PriceJump_Flagged(t *testing.T) {
	checker := New(DefaultConfig(), nil)
	rows := []domain.PriceRow{
		row(t, "2026-01-05", 10, 11, 9, 10, 1000),
		row(t, "2026-01-06", 30, 31, 29, 30, 1000),
	}
	verdicts := checker.Evaluate(rows)
	found := false
	for _, v := range verdicts {
		if v.Rule == "price_jump" {
			found = true
		}
	}
	assert.True(t, found, "expected a price_jump verdict")
}
