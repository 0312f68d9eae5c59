// Package extractor fetches daily OHLCV CSV data for a single symbol and
// produces validated in-memory records (spec.md §4.2).
package extractor

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/aristath/ohlcv-ingest/internal/domain"
)

// Sentinel errors classifying extractor failures (spec.md §4.2, §7).
var (
	ErrNetwork = errors.New("extractor: transient network failure exhausted retries")
	ErrParse   = errors.New("extractor: malformed CSV response")
	ErrEmpty   = errors.New("extractor: empty response (not fatal)")
)

// BoundKind selects how much history to request.
type BoundKind string

const (
	BoundLatestOnly BoundKind = "latestOnly"
	BoundLastN      BoundKind = "lastN"
	BoundAll        BoundKind = "all"
)

// Bound is the requested extraction window for one (symbol, run).
type Bound struct {
	Kind BoundKind
	N    int
}

// Record is one validated CSV row prior to persistence.
type Record struct {
	Date    time.Time
	Open    float64
	High    float64
	Low     float64
	Close   float64
	Volume  int64
	RawHash string
}

// Config configures one Extractor instance.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MinDelay    time.Duration // minimum inter-request delay, enforced per instance
	MaxRetries  int
}

// Extractor issues at most one outstanding HTTP request at a time and
// enforces MinDelay between successive requests. Each concurrent worker in
// the orchestrator's fan-out owns its own Extractor instance (spec.md §5),
// so the "one outstanding request" rule is per-instance, not global.
type Extractor struct {
	cfg    Config
	client *retryablehttp.Client
	log    zerolog.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// New constructs an Extractor. Retry/backoff policy is delegated to
// hashicorp/go-retryablehttp: its CheckRetry classifies 5xx/connection
// errors as retryable and 4xx as terminal, matching the transient-vs-
// non-transient split in spec.md §4.2/§7.
func New(cfg Config, log zerolog.Logger) *Extractor {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil // silence the library's own logging; we log at the call sites below
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy

	return &Extractor{
		cfg:    cfg,
		client: rc,
		log:    log.With().Str("component", "extractor").Logger(),
	}
}

// Fetch retrieves and validates OHLCV rows for symbol over bound, ordered
// ascending by date. A response with zero data rows is not an error: Fetch
// returns a nil slice and a nil error, and does not return ErrEmpty.
func (e *Extractor) Fetch(ctx context.Context, symbol string, bound Bound) ([]Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.throttle()

	reqURL, err := e.buildURL(symbol, bound)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: provider returned status %d", ErrParse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	records, rejected, err := parseCSV(string(body), symbol)
	if err != nil {
		return nil, err
	}

	if rejected > 0 {
		e.log.Warn().Str("symbol", symbol).Int("rejected", rejected).Msg("rows rejected during extraction")
	}

	if len(records) == 0 {
		e.log.Info().Str("symbol", symbol).Msg("provider returned zero data rows")
		return nil, nil
	}

	return records, nil
}

// throttle must be called with e.mu held.
func (e *Extractor) throttle() {
	if e.cfg.MinDelay <= 0 {
		return
	}
	elapsed := time.Since(e.lastCall)
	if elapsed < e.cfg.MinDelay {
		time.Sleep(e.cfg.MinDelay - elapsed)
	}
	e.lastCall = time.Now()
}

func (e *Extractor) buildURL(symbol string, bound Bound) (string, error) {
	u, err := url.Parse(e.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("frequency", "d")

	switch bound.Kind {
	case BoundLatestOnly:
		q.Set("start", time.Now().AddDate(0, 0, -7).Format("2006-01-02"))
	case BoundLastN:
		// The provider has no row-count parameter (spec.md §6: "no
		// pagination"); approximate an N-row window via a generous
		// calendar-day lookback. The response may hold more than N rows;
		// the orchestrator keeps the latest N.
		q.Set("start", time.Now().AddDate(0, 0, -int(float64(bound.N)*1.6)-10).Format("2006-01-02"))
	case BoundAll:
		// omit start/end: "entire available history in one response"
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

var expectedHeader = []string{"date", "open", "high", "low", "close", "volume"}

// parseCSV parses the provider's CSV body, validating the header and each
// row per spec.md §4.2. Rejected rows are counted but not returned; a
// missing column fails the whole batch with ErrParse.
func parseCSV(body string, symbol string) (records []Record, rejected int, err error) {
	r := csv.NewReader(strings.NewReader(body))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, 0, nil // empty body: zero rows, not an error
		}
		return nil, 0, fmt.Errorf("%w: read header: %v", ErrParse, err)
	}

	colIdx, err := indexHeader(header)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now()
	for {
		row, readErr := r.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrParse, readErr)
		}

		rec, ok := parseRow(symbol, row, colIdx, now)
		if !ok {
			rejected++
			continue
		}
		records = append(records, rec)
	}

	return records, rejected, nil
}

func indexHeader(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, want := range expectedHeader {
		if _, ok := idx[want]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrParse, want)
		}
	}
	return idx, nil
}

func parseRow(symbol string, row []string, idx map[string]int, now time.Time) (Record, bool) {
	get := func(col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	date, err := time.Parse("2006-01-02", get("date"))
	if err != nil {
		return Record{}, false
	}
	if date.After(now) {
		return Record{}, false
	}

	open, errO := strconv.ParseFloat(get("open"), 64)
	high, errH := strconv.ParseFloat(get("high"), 64)
	low, errL := strconv.ParseFloat(get("low"), 64)
	closeP, errC := strconv.ParseFloat(get("close"), 64)
	volume, errV := strconv.ParseInt(get("volume"), 10, 64)
	if errO != nil || errH != nil || errL != nil || errC != nil || errV != nil {
		return Record{}, false
	}

	if open <= 0 || high <= 0 || low <= 0 || closeP <= 0 || volume < 0 {
		return Record{}, false
	}
	lo := min(open, closeP)
	hi := max(open, closeP)
	if !(low <= lo && hi <= high) {
		return Record{}, false
	}

	return Record{
		Date:    date,
		Open:    open,
		High:    high,
		Low:     low,
		Close:   closeP,
		Volume:  volume,
		RawHash: domain.ContentHash(symbol, date, open, high, low, closeP, volume),
	}, true
}
