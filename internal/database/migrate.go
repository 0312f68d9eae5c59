package database

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql.tmpl
var schemaTemplate string

// Migrate applies the table/constraint schema (§3) to the given attached
// environment alias. It tolerates "already exists" so that repeated calls
// across process restarts are harmless, matching the idempotent-migration
// pattern used throughout this codebase's other database wrappers.
func (db *DB) Migrate(schema string) error {
	rendered := strings.NewReplacer(
		"{{SCHEMA}}", schema,
		"{{IDX_PREFIX}}", schema,
	).Replace(schemaTemplate)

	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		for _, stmt := range splitStatements(rendered) {
			if _, err := tx.Exec(stmt); err != nil {
				if strings.Contains(err.Error(), "already exists") ||
					strings.Contains(err.Error(), "duplicate column") {
					continue
				}
				return fmt.Errorf("apply schema statement for %s: %w", schema, err)
			}
		}
		return nil
	})
}

// splitStatements splits a .sql template on statement-terminating
// semicolons. The embedded template never uses semicolons inside string
// literals, so a plain split is sufficient.
func splitStatements(sql string) []string {
	var out []string
	for _, raw := range strings.Split(sql, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
