package wikibase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-wikibase/internal/db"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

// Default checkpoint table name
const defaultCheckpointTableName = "cdc_offsets"

// CheckpointManager persists the committed cursor of one stream.
type CheckpointManager struct {
	dbConn          *sql.DB
	dialect         db.Dialect
	streamName      string
	checkpointTable string
	logger          hclog.Logger
}

// NewCheckpointManager initializes a new CheckpointManager
func NewCheckpointManager(dbConn *sql.DB, dialect db.Dialect, streamName string, logger hclog.Logger, checkpointTableName ...string) (*CheckpointManager, error) {
	// Use provided checkpoint table name if supplied; otherwise, use default
	cpTable := defaultCheckpointTableName
	if len(checkpointTableName) > 0 && checkpointTableName[0] != "" {
		cpTable = checkpointTableName[0]
	}
	if err := db.ValidateIdentifier(cpTable); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &CheckpointManager{
		dbConn:          dbConn,
		dialect:         dialect,
		streamName:      streamName,
		checkpointTable: cpTable,
		logger:          logger.Named("checkpoint"),
	}, nil
}

// InitializeCheckpointTable creates the checkpoint table if it does not exist
func (c *CheckpointManager) InitializeCheckpointTable(ctx context.Context) error {
	exists, err := db.TableExists(ctx, c.dbConn, c.dialect, c.checkpointTable)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Debug("Checkpoints table exists", "table", c.checkpointTable)
		return nil
	}

	var createQuery string
	switch c.dialect {
	case db.SQLServer:
		createQuery = fmt.Sprintf(`
		CREATE TABLE %s (
			stream_name NVARCHAR(255) PRIMARY KEY,
			last_timestamp NVARCHAR(64) NOT NULL,
			last_sequence BIGINT NOT NULL,
			updated_at DATETIME DEFAULT GETDATE()
		)`, c.checkpointTable)
	case db.Postgres:
		createQuery = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_name TEXT PRIMARY KEY,
			last_timestamp TEXT NOT NULL,
			last_sequence BIGINT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT now()
		)`, c.checkpointTable)
	default:
		createQuery = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_name TEXT PRIMARY KEY,
			last_timestamp TEXT NOT NULL,
			last_sequence INTEGER NOT NULL,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`, c.checkpointTable)
	}

	if _, err := c.dbConn.ExecContext(ctx, createQuery); err != nil {
		return fmt.Errorf("failed to create %s table: %w", c.checkpointTable, err)
	}

	c.logger.Debug("Initialized checkpoints table", "table", c.checkpointTable)
	return nil
}

// LoadCursor retrieves the last committed cursor. A stream without a
// checkpoint gets the zero cursor.
func (c *CheckpointManager) LoadCursor(ctx context.Context) (cdc.Cursor, error) {
	query := fmt.Sprintf("SELECT last_timestamp, last_sequence FROM %s WHERE stream_name = %s",
		c.checkpointTable, c.dialect.Placeholder(1))

	var ts string
	var seq int64
	err := c.dbConn.QueryRowContext(ctx, query, c.streamName).Scan(&ts, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		c.logger.Info("No previous cursor", "stream", c.streamName)
		return cdc.Cursor{}, nil
	}
	if err != nil {
		return cdc.Cursor{}, fmt.Errorf("failed to load cursor for %s: %w", c.streamName, err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return cdc.Cursor{}, fmt.Errorf("corrupt cursor timestamp %q for %s: %w", ts, c.streamName, err)
	}

	cursor := cdc.NewCursor(parsed, seq)
	c.logger.Info("Resuming from last cursor", "stream", c.streamName, "cursor", cursor.String())
	return cursor, nil
}

// SaveCursor upserts the committed cursor.
func (c *CheckpointManager) SaveCursor(ctx context.Context, cursor cdc.Cursor) error {
	p1, p2, p3 := c.dialect.Placeholder(1), c.dialect.Placeholder(2), c.dialect.Placeholder(3)

	var upsertQuery string
	switch c.dialect {
	case db.SQLServer:
		upsertQuery = fmt.Sprintf(`
		MERGE INTO %s AS target
		USING (VALUES (%s, %s, %s, GETDATE())) AS source (stream_name, last_timestamp, last_sequence, updated_at)
		ON target.stream_name = source.stream_name
		WHEN MATCHED THEN
			UPDATE SET last_timestamp = source.last_timestamp, last_sequence = source.last_sequence, updated_at = source.updated_at
		WHEN NOT MATCHED THEN
			INSERT (stream_name, last_timestamp, last_sequence, updated_at)
			VALUES (source.stream_name, source.last_timestamp, source.last_sequence, source.updated_at);`,
			c.checkpointTable, p1, p2, p3)
	default:
		upsertQuery = fmt.Sprintf(`
		INSERT INTO %s (stream_name, last_timestamp, last_sequence, updated_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (stream_name) DO UPDATE SET
			last_timestamp = excluded.last_timestamp,
			last_sequence = excluded.last_sequence,
			updated_at = excluded.updated_at`,
			c.checkpointTable, p1, p2, p3, c.dialect.Now())
	}

	_, err := c.dbConn.ExecContext(ctx, upsertQuery,
		c.streamName,
		cursor.Timestamp.UTC().Format(time.RFC3339Nano),
		cursor.SequenceID,
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", c.streamName, err)
	}

	c.logger.Debug("Saved cursor", "stream", c.streamName, "cursor", cursor.String())
	return nil
}

// ResetCursor overwrites the committed cursor, even backwards. It is the
// operator's escape hatch; the capture loop never calls it.
func (c *CheckpointManager) ResetCursor(ctx context.Context, cursor cdc.Cursor) error {
	previous, err := c.LoadCursor(ctx)
	if err != nil {
		return err
	}
	if err := c.SaveCursor(ctx, cursor); err != nil {
		return err
	}
	c.logger.Warn("Cursor reset by operator", "stream", c.streamName, "from", previous.String(), "to", cursor.String())
	return nil
}
