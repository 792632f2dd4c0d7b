package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// Dialect selects the SQL flavour of a checkpoint database.
type Dialect string

const (
	SQLServer Dialect = "sqlserver"
	SQLite    Dialect = "sqlite"
	Postgres  Dialect = "pgx"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// DialectFor maps a configured driver name to its Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlserver", "mssql":
		return SQLServer, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported checkpoint driver: %s", driver)
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	switch d {
	case SQLServer:
		return fmt.Sprintf("@p%d", n)
	case Postgres:
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Now is the dialect's current-timestamp expression.
func (d Dialect) Now() string {
	switch d {
	case SQLServer:
		return "GETDATE()"
	case Postgres:
		return "now()"
	}
	return "CURRENT_TIMESTAMP"
}

// ValidateIdentifier rejects table names that cannot be safely inlined.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// TableExists reports whether a table is present in the connected database.
// A schema-qualified name is matched within that schema; an unqualified one
// within the connection's default schema.
func TableExists(ctx context.Context, db *sql.DB, d Dialect, tableName string) (bool, error) {
	schema, name := "", tableName
	if i := strings.LastIndexByte(tableName, '.'); i >= 0 {
		schema, name = tableName[:i], tableName[i+1:]
	}

	var query string
	args := []any{name}
	switch d {
	case SQLServer:
		query = `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_NAME = @p1 AND TABLE_SCHEMA = COALESCE(@p2, SCHEMA_NAME())`
		args = append(args, nullable(schema))
	case Postgres:
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1 AND table_schema = COALESCE($2, current_schema())`
		args = append(args, nullable(schema))
	default:
		// SQLite schemas are attached databases; the table name is enough.
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}

	var count int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", tableName, err)
	}
	return count > 0, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
