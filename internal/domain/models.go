// Package domain defines the core entities of the ingestion pipeline
// (spec.md §3): Exchange, Instrument, PriceRow, Job, JobDetail, and
// QualityVerdict. Entities are concrete structs with explicit constructors
// rather than dynamically validated containers, so that invariants and the
// content hash are computed exactly once, at construction time.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Exchange is an immutable reference datum identifying a market.
type Exchange struct {
	Code        string
	DisplayName string
	Timezone    string
	OpenLocal   string // "HH:MM"
	CloseLocal  string // "HH:MM"
}

// InstrumentKind distinguishes a stock from an index.
type InstrumentKind string

const (
	KindStock InstrumentKind = "stock"
	KindIndex InstrumentKind = "index"
)

// Instrument is the unified identity of a tradable entity.
type Instrument struct {
	ID             int64
	Symbol         string
	Kind           InstrumentKind
	ExchangeCode   string
	QuoteCurrency  string
	Active         bool
	FirstSeenDate  *time.Time
	LastSeenDate   *time.Time
}

// PriceRow is one daily OHLCV observation.
//
// NewPriceRow is the sole constructor: it validates the OHLC invariants
// (spec.md §3) and computes RawHash exactly once, so no PriceRow value can
// exist in an invalid or un-hashed state.
type PriceRow struct {
	InstrumentID int64
	TradingDate  time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	RawHash      string
	LoadedAt     time.Time
}

// NewPriceRow validates and constructs a PriceRow. Symbol is part of the
// hash input only and is not stored on the row, so a renamed symbol
// produces different hashes for otherwise identical rows.
func NewPriceRow(symbol string, instrumentID int64, tradingDate time.Time, open, high, low, close float64, volume int64, now time.Time) (PriceRow, error) {
	if open <= 0 || high <= 0 || low <= 0 || close <= 0 {
		return PriceRow{}, fmt.Errorf("all OHLC prices must be > 0: o=%v h=%v l=%v c=%v", open, high, low, close)
	}
	if volume < 0 {
		return PriceRow{}, fmt.Errorf("volume must be >= 0, got %d", volume)
	}
	lo := min(open, close)
	hi := max(open, close)
	if !(low <= lo && hi <= high) {
		return PriceRow{}, fmt.Errorf("OHLC monotonicity violated: low=%v open=%v close=%v high=%v", low, open, close, high)
	}
	if tradingDate.After(now) {
		return PriceRow{}, fmt.Errorf("trading_date %s is in the future relative to %s", tradingDate, now)
	}

	return PriceRow{
		InstrumentID: instrumentID,
		TradingDate:  tradingDate,
		Open:         open,
		High:         high,
		Low:          low,
		Close:        close,
		Volume:       volume,
		RawHash:      ContentHash(symbol, tradingDate, open, high, low, close, volume),
		LoadedAt:     now,
	}, nil
}

// ContentHash renders the canonical tuple (symbol, date, o, h, l, c, v) at
// fixed precision and returns its SHA-256 hex digest. Fixed precision
// keeps the hash stable across platforms that might otherwise render the
// same float64 differently (spec.md §9).
func ContentHash(symbol string, date time.Time, open, high, low, close float64, volume int64) string {
	canonical := fmt.Sprintf("%s|%s|%.4f|%.4f|%.4f|%.4f|%d",
		symbol, date.Format("2006-01-02"), open, high, low, close, volume)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// JobStatus is the terminal or in-flight state of a Job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPartial   JobStatus = "partial"
	JobSkipped   JobStatus = "skipped"
)

// Job is one pipeline invocation.
type Job struct {
	ID             int64
	Name           string
	Environment    string
	SchedulerRunID *string
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         JobStatus
	Processed      int
	Inserted       int
	Updated        int
	Skipped        int
	Failed         int
	QualityFailed  int
	ErrorSummary   *string
	Metadata       []byte // opaque, msgpack-encoded (see internal/archive)
}

// Operation is the outcome recorded for one (Job, Instrument) pair.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpSkip   Operation = "skip"
	OpError  Operation = "error"
)

// JobDetail is one per (job, instrument) outcome.
type JobDetail struct {
	ID           int64
	JobID        int64
	InstrumentID int64
	Operation    Operation
	Records      int
	ElapsedMs    int64
	ErrorText    *string
}

// Severity of a QualityVerdict.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// QualityVerdict is the evaluation of one rule against one record or
// aggregate window.
type QualityVerdict struct {
	ID           int64
	JobID        int64
	InstrumentID int64
	Rule         string
	Value        *float64
	MinThreshold *float64
	MaxThreshold *float64
	Valid        bool
	Severity     Severity
}
