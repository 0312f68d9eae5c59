package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest_UnknownKeyIgnoredWithoutError(t *testing.T) {
	a := &Adapter{}
	req, err := a.ParseRequest(Invocation{
		Environment: "prod",
		LogicalDate: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		ParamsBlob:  map[string]any{"unexpected_thing": "whatever"},
	})
	require.NoError(t, err)
	assert.Equal(t, "prod", req.Environment)
}

func TestParseRequest_InvalidExtractionModeFailsFast(t *testing.T) {
	a := &Adapter{}
	_, err := a.ParseRequest(Invocation{
		Environment: "prod",
		LogicalDate: time.Now(),
		ParamsBlob:  map[string]any{keyExtractionMode: "not_a_mode"},
	})
	assert.Error(t, err)
}

func TestParseRequest_InstrumentsOverrideParsed(t *testing.T) {
	a := &Adapter{}
	req, err := a.ParseRequest(Invocation{
		Environment: "prod",
		LogicalDate: time.Now(),
		ParamsBlob: map[string]any{
			keyInstruments: map[string]any{"AAPL": "historical"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "historical", string(req.ModeParams.Instruments["AAPL"]))
}

func TestParseRequest_InstrumentsOverrideRejectsSmart(t *testing.T) {
	a := &Adapter{}
	_, err := a.ParseRequest(Invocation{
		Environment: "prod",
		LogicalDate: time.Now(),
		ParamsBlob: map[string]any{
			keyInstruments: map[string]any{"AAPL": "smart"},
		},
	})
	assert.Error(t, err, "smart is not concrete and cannot be a per-instrument override")
}

func TestParseRequest_TargetDateOverridesLogicalDate(t *testing.T) {
	a := &Adapter{}
	req, err := a.ParseRequest(Invocation{
		Environment: "prod",
		LogicalDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ParamsBlob:  map[string]any{keyTargetDate: "2026-02-14"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2026, req.LogicalDate.Year())
	assert.Equal(t, time.February, req.LogicalDate.Month())
	assert.Equal(t, 14, req.LogicalDate.Day())
}

func TestParseRequest_HistoricalOverrideForcesRun(t *testing.T) {
	a := &Adapter{}
	req, err := a.ParseRequest(Invocation{
		Environment: "prod",
		LogicalDate: time.Now(),
		ParamsBlob:  map[string]any{keyExtractionMode: "historical"},
	})
	require.NoError(t, err)
	assert.True(t, req.ForceRun)
	assert.True(t, req.SchedCtx.IsCatchUpOrBackfill)
}
