// Package modes implements the 4-layer extraction-mode decision procedure
// (spec.md §4.3) as a single pure function, centralized per the
// re-architecture note in spec.md §9 so it is unit-testable in isolation
// from the repository and scheduler.
package modes

import "time"

// Mode is the resolved extraction mode for one instrument.
type Mode string

const (
	ModeIncremental  Mode = "incremental"
	ModeHistorical   Mode = "historical"
	ModeFullBackfill Mode = "full_backfill"
	modeSmart        Mode = "smart" // only ever appears as input, never as a resolved Mode
	modeAbsent       Mode = ""
)

// Bound is the extractor request shape a Mode maps onto.
type Bound struct {
	Kind string // "latestOnly" | "lastN" | "all"
	N    int    // populated when Kind == "lastN"
}

// Decision is the resolved mode plus its extractor bound for one instrument.
type Decision struct {
	Mode  Mode
	Bound Bound
}

// Params is the per-run parameter map recognized from the scheduler's
// invocation (spec.md §6).
type Params struct {
	ExtractionMode Mode            // "" / "smart" means unset at the global layer
	Instruments    map[string]Mode // symbol -> concrete mode override
}

// SchedulerContext carries the scheduling metadata needed by layer 4.
type SchedulerContext struct {
	IsCatchUpOrBackfill bool
}

// InstrumentState is the Repository-observed state used by layer 3.
type InstrumentState struct {
	RowCount int
	MaxDate  *time.Time // nil if no rows exist
}

// Policy holds the configurable thresholds referenced by layer 3 (spec.md
// §9 Open Questions: these are deliberately configuration, not constants).
type Policy struct {
	HistoricalRowsEmpty int // rows to request when the instrument has no data at all
	HistoricalRowsStale int // rows to request when the instrument's data is stale
	StalenessDays       int // days since max_date before data is considered stale
	MinRowCountFull     int // row count below which a full historical refresh is still warranted
}

// DefaultPolicy mirrors the spec's suggested defaults.
func DefaultPolicy() Policy {
	return Policy{
		HistoricalRowsEmpty: 1000,
		HistoricalRowsStale: 500,
		StalenessDays:       7,
		MinRowCountFull:     30,
	}
}

// Resolve computes the extraction decision for one instrument, evaluating
// the four layers in order and stopping at the first match.
func Resolve(symbol string, params Params, sched SchedulerContext, state InstrumentState, policy Policy, now time.Time) Decision {
	// Layer 1: explicit per-instrument override.
	if override, ok := params.Instruments[symbol]; ok && isConcrete(override) {
		return decide(override, policy)
	}

	// Layer 2: global explicit override.
	if isConcrete(params.ExtractionMode) {
		return decide(params.ExtractionMode, policy)
	}

	// Layer 3: state-based inference.
	decision := resolveFromState(state, policy, now)

	// Layer 4: context nudge — escalate incremental to historical(500) on
	// an explicit catch-up/backfill run.
	if sched.IsCatchUpOrBackfill && decision.Mode == ModeIncremental {
		decision = decide(ModeHistorical, Policy{HistoricalRowsStale: policy.HistoricalRowsStale})
	}

	return decision
}

func resolveFromState(state InstrumentState, policy Policy, now time.Time) Decision {
	if state.RowCount == 0 {
		return Decision{Mode: ModeHistorical, Bound: Bound{Kind: "lastN", N: policy.HistoricalRowsEmpty}}
	}
	if state.MaxDate != nil && now.Sub(*state.MaxDate) > time.Duration(policy.StalenessDays)*24*time.Hour {
		return Decision{Mode: ModeHistorical, Bound: Bound{Kind: "lastN", N: policy.HistoricalRowsStale}}
	}
	if state.RowCount < policy.MinRowCountFull {
		return Decision{Mode: ModeHistorical, Bound: Bound{Kind: "lastN", N: policy.HistoricalRowsEmpty}}
	}
	// Layer 5 safety default, reached whenever none of the above match.
	return Decision{Mode: ModeIncremental, Bound: Bound{Kind: "latestOnly"}}
}

func decide(mode Mode, policy Policy) Decision {
	switch mode {
	case ModeIncremental:
		return Decision{Mode: ModeIncremental, Bound: Bound{Kind: "latestOnly"}}
	case ModeHistorical:
		n := policy.HistoricalRowsStale
		if n == 0 {
			n = policy.HistoricalRowsEmpty
		}
		return Decision{Mode: ModeHistorical, Bound: Bound{Kind: "lastN", N: n}}
	case ModeFullBackfill:
		return Decision{Mode: ModeFullBackfill, Bound: Bound{Kind: "all"}}
	default:
		// Layer 5 safety default.
		return Decision{Mode: ModeIncremental, Bound: Bound{Kind: "latestOnly"}}
	}
}

func isConcrete(m Mode) bool {
	return m == ModeIncremental || m == ModeHistorical || m == ModeFullBackfill
}
