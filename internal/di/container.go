// Package di wires the ingestion pipeline's components into a runnable
// Container, mirroring the teacher's own internal/di.Wire entry point:
// initialize storage, then repositories, then the services built on top
// of them, in one ordered pass that either fully succeeds or unwinds
// what it opened.
package di

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/ohlcv-ingest/internal/archive"
	"github.com/aristath/ohlcv-ingest/internal/calendar"
	"github.com/aristath/ohlcv-ingest/internal/config"
	"github.com/aristath/ohlcv-ingest/internal/database"
	"github.com/aristath/ohlcv-ingest/internal/domain"
	"github.com/aristath/ohlcv-ingest/internal/extractor"
	"github.com/aristath/ohlcv-ingest/internal/jobtracker"
	"github.com/aristath/ohlcv-ingest/internal/modes"
	"github.com/aristath/ohlcv-ingest/internal/pipeline"
	"github.com/aristath/ohlcv-ingest/internal/quality"
	"github.com/aristath/ohlcv-ingest/internal/repository"
	"github.com/aristath/ohlcv-ingest/internal/status"
	"github.com/aristath/ohlcv-ingest/internal/trigger"
)

// environments is the fixed set of logical schemas this system supports
// (spec.md §6: "dev_*, test_*, prod_*").
var environments = []struct {
	schema  string
	profile database.Profile
}{
	{"dev", database.ProfileCache},
	{"test", database.ProfileStandard},
	{"prod", database.ProfileLedger},
}

// Container holds every wired component, one set of Repository/
// Orchestrator/Adapter per environment, sharing the Calendar, Quality
// Checker, status Broadcaster, and Archive Uploader across environments
// since those are stateless apart from configuration.
type Container struct {
	DB            *database.DB
	Repos         map[string]*repository.Repository
	Orchestrators map[string]*pipeline.Orchestrator
	Adapters      map[string]*trigger.Adapter
	Janitors      map[string]*jobtracker.Janitor
	Calendar      *calendar.Calendar
	Checker       *quality.Checker
	Status        *status.Broadcaster
	Archiver      *archive.Uploader
	Log           zerolog.Logger
}

// Wire builds a fully-assembled Container from cfg.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.Open(database.Config{Path: filepath.Join(cfg.DataDir, "ohlcv.db")})
	if err != nil {
		return nil, fmt.Errorf("di: open database: %w", err)
	}

	repos := make(map[string]*repository.Repository, len(environments))
	for _, env := range environments {
		if err := db.AttachSchema(database.Environment{
			Schema:  env.schema,
			Path:    filepath.Join(cfg.DataDir, env.schema+".db"),
			Profile: env.profile,
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("di: attach schema %s: %w", env.schema, err)
		}
		if err := db.Migrate(env.schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("di: migrate schema %s: %w", env.schema, err)
		}
		repo, err := repository.New(db.Conn(), env.schema)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("di: repository for %s: %w", env.schema, err)
		}
		if err := seedExchange(ctx, db, env.schema, cfg); err != nil {
			db.Close()
			return nil, fmt.Errorf("di: seed exchange for %s: %w", env.schema, err)
		}
		repos[env.schema] = repo
	}

	cal := calendar.New(calendar.Config{
		ExchangeCode: cfg.ExchangeCode,
		Location:     exchangeLocation(cfg.ExchangeTZ, log),
		OpenLocal:    cfg.MarketOpen,
		CloseLocal:   cfg.MarketClose,
		Holidays:     usHolidayRules(),
	}, func(msg string) { log.Warn().Msg(msg) })

	checker := quality.New(quality.Config{
		VolumeAnomalyFactor: cfg.QualityVolumeAnomalyFactor,
		VolumeWindow:        20,
		PriceJumpThreshold:  cfg.QualityPriceJumpThreshold,
	}, cal)

	broadcaster := status.New(log)

	archiver, err := archive.New(ctx, archive.Config{
		Bucket: cfg.ArchiveBucket,
		Region: cfg.ArchiveRegion,
	}, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("di: archive uploader: %w", err)
	}

	instruments, err := parseInstruments(cfg.Instruments)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("di: parse INSTRUMENTS: %w", err)
	}

	newExtractor := func() *extractor.Extractor {
		return extractor.New(extractor.Config{
			BaseURL:    cfg.ExtractorBaseURL,
			Timeout:    cfg.ExtractorTimeout,
			MinDelay:   cfg.ExtractorRateLimit,
			MaxRetries: cfg.ExtractorMaxRetries,
		}, log)
	}

	policy := modes.Policy{
		HistoricalRowsEmpty: cfg.ModeHistoricalRowsEmpty,
		HistoricalRowsStale: cfg.ModeHistoricalRowsStale,
		StalenessDays:       cfg.ModeStalenessDays,
		MinRowCountFull:     30,
	}

	orchestrators := make(map[string]*pipeline.Orchestrator, len(repos))
	adapters := make(map[string]*trigger.Adapter, len(repos))
	janitors := make(map[string]*jobtracker.Janitor, len(repos))

	for env, repo := range repos {
		orch := pipeline.New(pipeline.Config{
			WorkerPoolSize:        cfg.WorkerPoolSize,
			InstrumentSoftTimeout: cfg.InstrumentSoftTimeout,
			RunHardDeadline:       cfg.RunHardDeadline,
			ModePolicy:            policy,
			QualityErrorThreshold: cfg.QualityErrorThreshold,
		}, cal, repo, checker, instruments, newExtractor, log).
			WithStatus(broadcaster).
			WithArchiver(archiver)

		orchestrators[env] = orch
		adapters[env] = trigger.New(orch, log)
		janitors[env] = jobtracker.NewJanitor(repo, time.Duration(cfg.JanitorHeartbeatFactor)*cfg.RunHardDeadline, log)
	}

	return &Container{
		DB:            db,
		Repos:         repos,
		Orchestrators: orchestrators,
		Adapters:      adapters,
		Janitors:      janitors,
		Calendar:      cal,
		Checker:       checker,
		Status:        broadcaster,
		Archiver:      archiver,
		Log:           log,
	}, nil
}

// Close releases every resource the Container opened.
func (c *Container) Close() error {
	return c.DB.Close()
}

func exchangeLocation(tz string, log zerolog.Logger) *time.Location {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn().Err(err).Str("tz", tz).Msg("unknown exchange timezone, falling back to UTC")
		return time.UTC
	}
	return loc
}

// usHolidayRules is the fixed US-market holiday set used when no
// exchange-specific calendar has been configured. It is a reasonable
// default for the default exchange (XNYS); a deployment targeting a
// different exchange overrides this via its own calendar.Config.
func usHolidayRules() []calendar.HolidayRule {
	return []calendar.HolidayRule{
		calendar.FixedDate(time.January, 1),
		calendar.NthWeekday(time.January, time.Monday, 3),  // MLK Day
		calendar.NthWeekday(time.February, time.Monday, 3), // Presidents' Day
		calendar.EasterBased(-2),                           // Good Friday
		calendar.NthWeekday(time.May, time.Monday, -1),     // Memorial Day
		calendar.FixedDate(time.June, 19),                  // Juneteenth
		calendar.FixedDate(time.July, 4),
		calendar.NthWeekday(time.September, time.Monday, 1), // Labor Day
		calendar.NthWeekday(time.November, time.Thursday, 4), // Thanksgiving
		calendar.FixedDate(time.December, 25),
	}
}

// parseInstruments parses the "SYMBOL:KIND:EXCHANGE:CURRENCY,..." config
// encoding (spec.md §1 "fixed set of financial instruments") into
// pipeline.InstrumentSpec values.
func parseInstruments(raw string) ([]pipeline.InstrumentSpec, error) {
	var specs []pipeline.InstrumentSpec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed instrument entry %q, expected SYMBOL:KIND:EXCHANGE:CURRENCY", entry)
		}
		kind := domain.InstrumentKind(strings.ToLower(parts[1]))
		if kind != domain.KindStock && kind != domain.KindIndex {
			return nil, fmt.Errorf("instrument %q: kind must be 'stock' or 'index', got %q", parts[0], parts[1])
		}
		specs = append(specs, pipeline.InstrumentSpec{
			Symbol:        parts[0],
			Kind:          kind,
			ExchangeCode:  parts[2],
			QuoteCurrency: parts[3],
		})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no instruments configured")
	}
	return specs, nil
}

// seedExchange inserts the configured exchange's reference row, idempotent
// across restarts. Full schema/reference-data bootstrap is an external
// concern (spec.md §1 "schema bootstrap from templates"), but the
// exchange row is a required foreign-key target for ResolveInstrument and
// costs nothing to seed defensively here.
func seedExchange(ctx context.Context, db *database.DB, schema string, cfg *config.Config) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.exchanges (code, display_name, timezone, open_local, close_local)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO NOTHING`, schema)
	_, err := db.Conn().ExecContext(ctx, query, cfg.ExchangeCode, cfg.ExchangeCode, cfg.ExchangeTZ, cfg.MarketOpen, cfg.MarketClose)
	return err
}
