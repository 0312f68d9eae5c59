// Package config provides configuration management for the ingestion
// pipeline.
//
// Configuration is loaded entirely from environment variables (optionally
// backed by a local .env file via godotenv); there is no settings database
// in this system, so — unlike the precedence chains in other Sentinel
// services — there is nothing to layer on top of the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the ingestion pipeline's runtime configuration.
type Config struct {
	// Database connection (§6 external interfaces).
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// DefaultSchema is the fallback environment schema (dev/test/prod) used
	// when the scheduler invocation does not supply one.
	DefaultSchema string

	// ExtractorRateLimit is the minimum inter-request delay, in seconds,
	// enforced by the Extractor between successive HTTP requests.
	ExtractorRateLimit time.Duration

	// ExtractorBaseURL is the CSV provider's base endpoint.
	ExtractorBaseURL string
	ExtractorTimeout time.Duration
	ExtractorMaxRetries int

	LogLevel string

	// Mode Resolver policy knobs (§9 Open Questions — deliberately
	// configurable rather than hard-coded).
	ModeHistoricalRowsEmpty int
	ModeHistoricalRowsStale int
	ModeStalenessDays       int

	// Quality Checker thresholds (§4.5).
	QualityVolumeAnomalyFactor float64
	QualityPriceJumpThreshold  float64
	QualityErrorThreshold      int

	// Concurrency bounds (§5).
	WorkerPoolSize          int
	InstrumentSoftTimeout   time.Duration
	RunHardDeadline         time.Duration
	JanitorHeartbeatFactor  int

	// Optional domain-stack integrations; empty values disable the feature.
	ArchiveBucket   string
	ArchiveRegion   string
	StatusAddr      string
	HealthAddr      string

	// Exchange calendar (§4.1). A single exchange is configured per
	// process; multi-exchange deployments run one process per exchange.
	ExchangeCode string
	ExchangeTZ   string
	MarketOpen   string
	MarketClose  string

	// Instruments is the fixed set of tradable entities this process
	// ingests, encoded as "SYMBOL:KIND:EXCHANGE:CURRENCY" pairs separated
	// by commas (spec.md §1: "a fixed set of financial instruments").
	Instruments string

	// DataDir is the base directory for per-environment SQLite files.
	DataDir string

	// CronSchedule drives the local CronSource trigger simulator (§D.4);
	// empty disables it, leaving only the CLI and direct Invoke paths.
	CronSchedule string

	Port int
}

// Load reads configuration from environment variables, applying the
// defaults documented in spec.md §6 wherever a variable is unset.
func Load() (*Config, error) {
	// godotenv.Load returns an error when no .env file is present; that is
	// expected outside local development and is not fatal.
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvAsInt("DB_PORT", 5432),
		DBName:     getEnv("DB_NAME", "ohlcv.db"),
		DBUser:     getEnv("DB_USER", ""),
		DBPassword: getEnv("DB_PASSWORD", ""),

		DefaultSchema: getEnv("DEFAULT_SCHEMA", "dev"),

		ExtractorRateLimit:  getEnvAsSeconds("EXTRACTOR_RATE_LIMIT", 2.0),
		ExtractorBaseURL:    getEnv("EXTRACTOR_BASE_URL", "https://stooq.com/q/d/l/"),
		ExtractorTimeout:    getEnvAsSeconds("EXTRACTOR_TIMEOUT", 10.0),
		ExtractorMaxRetries: getEnvAsInt("EXTRACTOR_MAX_RETRIES", 4),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		ModeHistoricalRowsEmpty: getEnvAsInt("MODE_HISTORICAL_ROWS_EMPTY", 1000),
		ModeHistoricalRowsStale: getEnvAsInt("MODE_HISTORICAL_ROWS_STALE", 500),
		ModeStalenessDays:       getEnvAsInt("MODE_STALENESS_DAYS", 7),

		QualityVolumeAnomalyFactor: getEnvAsFloat("QUALITY_VOLUME_ANOMALY_FACTOR", 10.0),
		QualityPriceJumpThreshold:  getEnvAsFloat("QUALITY_PRICE_JUMP_THRESHOLD", 0.25),
		QualityErrorThreshold:      getEnvAsInt("QUALITY_ERROR_THRESHOLD", 1),

		WorkerPoolSize:         getEnvAsInt("WORKER_POOL_SIZE", 4),
		InstrumentSoftTimeout:  getEnvAsSeconds("INSTRUMENT_SOFT_TIMEOUT", 300),
		RunHardDeadline:        getEnvAsSeconds("RUN_HARD_DEADLINE", 3600),
		JanitorHeartbeatFactor: getEnvAsInt("JANITOR_HEARTBEAT_FACTOR", 2),

		ArchiveBucket: getEnv("ARCHIVE_BUCKET", ""),
		ArchiveRegion: getEnv("ARCHIVE_REGION", "us-east-1"),
		StatusAddr:    getEnv("STATUS_ADDR", ""),
		HealthAddr:    getEnv("HEALTH_ADDR", ":8090"),

		ExchangeCode: getEnv("EXCHANGE_CODE", "XNYS"),
		ExchangeTZ:   getEnv("EXCHANGE_TZ", "America/New_York"),
		MarketOpen:   getEnv("MARKET_OPEN", "09:30"),
		MarketClose:  getEnv("MARKET_CLOSE", "16:00"),

		Instruments: getEnv("INSTRUMENTS", "AAPL:stock:XNYS:USD,MSFT:stock:XNYS:USD,SPY:index:XNYS:USD"),

		DataDir: getEnv("DATA_DIR", "./data"),

		CronSchedule: getEnv("CRON_SCHEDULE", ""),

		Port: getEnvAsInt("PORT", 8080),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks structural invariants of the loaded configuration.
func (c *Config) Validate() error {
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be >= 1, got %d", c.WorkerPoolSize)
	}
	if c.ExtractorRateLimit < 0 {
		return fmt.Errorf("EXTRACTOR_RATE_LIMIT must be >= 0")
	}
	if c.ModeHistoricalRowsStale > c.ModeHistoricalRowsEmpty {
		return fmt.Errorf("MODE_HISTORICAL_ROWS_STALE (%d) must not exceed MODE_HISTORICAL_ROWS_EMPTY (%d)", c.ModeHistoricalRowsStale, c.ModeHistoricalRowsEmpty)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultSeconds float64) time.Duration {
	seconds := getEnvAsFloat(key, defaultSeconds)
	return time.Duration(seconds * float64(time.Second))
}
