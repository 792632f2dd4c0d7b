package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectFor(t *testing.T) {
	tests := []struct {
		driver string
		want   Dialect
	}{
		{"sqlserver", SQLServer},
		{"mssql", SQLServer},
		{"sqlite", SQLite},
		{"postgres", Postgres},
		{"pgx", Postgres},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			got, err := DialectFor(tt.driver)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DialectFor("oracle")
	assert.Error(t, err)
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "@p2", SQLServer.Placeholder(2))
	assert.Equal(t, "$3", Postgres.Placeholder(3))
	assert.Equal(t, "?", SQLite.Placeholder(1))
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("cdc_offsets"))
	assert.NoError(t, ValidateIdentifier("dbo.cdc_offsets"))
	assert.Error(t, ValidateIdentifier("cdc_offsets; DROP TABLE x"))
	assert.Error(t, ValidateIdentifier(""))
}

func TestTableExistsSQLite(t *testing.T) {
	ctx := context.Background()
	conn, dialect, err := Connect(ctx, "sqlite", filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	defer conn.Close()

	ok, err := TableExists(ctx, conn, dialect, "cdc_offsets")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = conn.ExecContext(ctx, `CREATE TABLE cdc_offsets (stream_name TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	ok, err = TableExists(ctx, conn, dialect, "cdc_offsets")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = TableExists(ctx, conn, dialect, "main.cdc_offsets")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNullableSchema(t *testing.T) {
	assert.False(t, nullable("").Valid)
	assert.Equal(t, "dbo", nullable("dbo").String)
}
