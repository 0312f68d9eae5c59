package modes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolve_InstrumentOverrideWins(t *testing.T) {
	params := Params{
		ExtractionMode: ModeIncremental,
		Instruments:    map[string]Mode{"AAPL": ModeFullBackfill},
	}
	d := Resolve("AAPL", params, SchedulerContext{}, InstrumentState{}, DefaultPolicy(), time.Now())
	assert.Equal(t, ModeFullBackfill, d.Mode)
	assert.Equal(t, "all", d.Bound.Kind)
}

func TestResolve_GlobalOverrideWins(t *testing.T) {
	params := Params{ExtractionMode: ModeFullBackfill}
	d := Resolve("MSFT", params, SchedulerContext{}, InstrumentState{}, DefaultPolicy(), time.Now())
	assert.Equal(t, ModeFullBackfill, d.Mode)
}

func TestResolve_EmptyState_Historical1000(t *testing.T) {
	params := Params{ExtractionMode: modeAbsent}
	d := Resolve("AAPL", params, SchedulerContext{}, InstrumentState{RowCount: 0}, DefaultPolicy(), time.Now())
	assert.Equal(t, ModeHistorical, d.Mode)
	assert.Equal(t, 1000, d.Bound.N)
}

func TestResolve_StaleState_Historical500(t *testing.T) {
	stale := time.Now().Add(-10 * 24 * time.Hour)
	params := Params{ExtractionMode: modeSmart}
	d := Resolve("AAPL", params, SchedulerContext{}, InstrumentState{RowCount: 100, MaxDate: &stale}, DefaultPolicy(), time.Now())
	assert.Equal(t, ModeHistorical, d.Mode)
	assert.Equal(t, 500, d.Bound.N)
}

func TestResolve_LowRowCount_Historical1000(t *testing.T) {
	recent := time.Now().Add(-1 * 24 * time.Hour)
	params := Params{}
	d := Resolve("AAPL", params, SchedulerContext{}, InstrumentState{RowCount: 5, MaxDate: &recent}, DefaultPolicy(), time.Now())
	assert.Equal(t, ModeHistorical, d.Mode)
	assert.Equal(t, 1000, d.Bound.N)
}

func TestResolve_HealthyState_Incremental(t *testing.T) {
	recent := time.Now().Add(-1 * 24 * time.Hour)
	params := Params{}
	d := Resolve("AAPL", params, SchedulerContext{}, InstrumentState{RowCount: 500, MaxDate: &recent}, DefaultPolicy(), time.Now())
	assert.Equal(t, ModeIncremental, d.Mode)
	assert.Equal(t, "latestOnly", d.Bound.Kind)
}

func TestResolve_CatchUpEscalatesIncrementalToHistorical(t *testing.T) {
	recent := time.Now().Add(-1 * 24 * time.Hour)
	params := Params{}
	d := Resolve("AAPL", params, SchedulerContext{IsCatchUpOrBackfill: true}, InstrumentState{RowCount: 500, MaxDate: &recent}, DefaultPolicy(), time.Now())
	assert.Equal(t, ModeHistorical, d.Mode)
	assert.Equal(t, 500, d.Bound.N)
}

func TestResolve_SafetyDefault(t *testing.T) {
	d := Resolve("AAPL", Params{}, SchedulerContext{}, InstrumentState{RowCount: 500, MaxDate: nil}, DefaultPolicy(), time.Now())
	// No MaxDate and row count above threshold falls through every state
	// rule except the safety default.
	assert.Equal(t, ModeIncremental, d.Mode)
}
