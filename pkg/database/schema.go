package database

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jmoiron/sqlx"
)

//go:embed schema_postgres.sql
var schemaPostgres string

//go:embed schema_sqlite.sql
var schemaSQLite string

// Migrate applies the schema for the connection's driver. Every statement is
// IF NOT EXISTS so it is safe to run on each start.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	var ddl string
	switch db.DriverName() {
	case DriverPostgres:
		ddl = schemaPostgres
	case DriverSQLite:
		ddl = schemaSQLite
	default:
		return fmt.Errorf("migrate: unsupported driver %q", db.DriverName())
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
