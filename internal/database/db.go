// Package database provides the SQLite connection, schema-attachment, and
// transaction plumbing shared by the ingestion pipeline's Repository.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Profile selects a PRAGMA preset balancing durability against throughput.
// Production schemas run ProfileLedger (fsync every commit); dev/test run
// cheaper profiles since their data is disposable.
type Profile string

const (
	// ProfileLedger gives maximum write safety; used for the production schema.
	ProfileLedger Profile = "ledger"
	// ProfileCache favors throughput over durability; used for dev/test schemas.
	ProfileCache Profile = "cache"
	// ProfileStandard is the balanced default.
	ProfileStandard Profile = "standard"
)

// Config configures the base connection that every environment schema is
// attached to.
type Config struct {
	// Path is the base database file, or a "file:" URI (in-memory, shared
	// cache) for tests. Table-owning data actually lives in the attached
	// per-environment files (see AttachSchema); this connection only hosts
	// them.
	Path string
}

// Environment describes one logical schema to attach: dev/test/prod, each
// backed by its own SQLite file and PRAGMA profile, all reachable through
// one connection via schema-qualified names (e.g. "prod.prices").
type Environment struct {
	Schema  string // dev | test | prod (or any caller-chosen alias)
	Path    string
	Profile Profile
}

// DB wraps the shared connection across all attached environment schemas.
type DB struct {
	conn *sql.DB
}

// Open opens the base connection. Callers attach one or more environment
// schemas with AttachSchema before issuing schema-qualified statements.
func Open(cfg Config) (*DB, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		path = absPath
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite: one writer connection avoids cross-schema ATTACH surprises under pooling
	conn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn}, nil
}

// AttachSchema ATTACHes env.Path under alias env.Schema and applies its
// PRAGMA profile, realizing the "multiple logical schemas coexist in one
// database" requirement (spec.md §6) on top of a pure-Go SQLite driver that
// has no native CREATE SCHEMA.
func (db *DB) AttachSchema(env Environment) error {
	path := env.Path
	if path == "" {
		path = ":memory:"
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve schema path %s: %w", env.Schema, err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return fmt.Errorf("create schema directory %s: %w", env.Schema, err)
		}
		path = absPath
	}

	if _, err := db.conn.Exec(fmt.Sprintf("ATTACH DATABASE ? AS %s", quoteIdent(env.Schema)), path); err != nil {
		return fmt.Errorf("attach schema %s: %w", env.Schema, err)
	}

	for _, pragma := range profilePragmas(env.Schema, env.Profile) {
		if _, err := db.conn.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma for schema %s: %w", env.Schema, err)
		}
	}

	return nil
}

func profilePragmas(schema string, profile Profile) []string {
	q := quoteIdent(schema)
	common := []string{
		fmt.Sprintf("PRAGMA %s.journal_mode = WAL", q),
		fmt.Sprintf("PRAGMA %s.cache_size = -64000", q),
	}
	switch profile {
	case ProfileLedger:
		return append(common,
			fmt.Sprintf("PRAGMA %s.synchronous = FULL", q),
			fmt.Sprintf("PRAGMA %s.auto_vacuum = NONE", q),
		)
	case ProfileCache:
		return append(common,
			fmt.Sprintf("PRAGMA %s.synchronous = OFF", q),
			fmt.Sprintf("PRAGMA %s.auto_vacuum = FULL", q),
		)
	default:
		return append(common,
			fmt.Sprintf("PRAGMA %s.synchronous = NORMAL", q),
			fmt.Sprintf("PRAGMA %s.auto_vacuum = INCREMENTAL", q),
		)
	}
}

// quoteIdent wraps a schema alias in double quotes. Schema aliases are
// always caller-controlled configuration values (dev/test/prod), never
// user input, but statements are built this way rather than by
// concatenating raw identifiers from any external source.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Conn returns the underlying *sql.DB for packages that need direct access
// (migrations, health checks).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the connection and all attached schemas.
func (db *DB) Close() error {
	return db.conn.Close()
}

// WithTransaction runs fn inside a transaction, handling begin, commit,
// rollback, and panic recovery.
func WithTransaction(conn *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("commit transaction: %w", commitErr)
		}
	}()

	err = fn(tx)
	return err
}

// HealthCheck performs a connection ping plus an integrity check against
// every attached schema's main database file.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
