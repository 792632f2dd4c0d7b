package cdc

import (
	"context"
	"time"
)

// FeedPager fetches one page of the recent changes feed. A non-empty
// continueToken takes precedence over windowStart.
type FeedPager interface {
	FetchPage(ctx context.Context, windowStart time.Time, continueToken string, batchSize int) (*Page, error)
}

// SnapshotFetcher retrieves the normalized statement set of one entity.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, title string) (*EntitySnapshot, error)
}

// Sink durably applies batches downstream.
type Sink interface {
	// Deliver returns nil only once the batch, and its cursor, are durable.
	Deliver(ctx context.Context, batch *Batch) error

	// LastCommittedCursor returns the cursor of the last acknowledged batch,
	// or the zero cursor when nothing was committed yet.
	LastCommittedCursor(ctx context.Context) (Cursor, error)
}

// Publisher is an interface for publishing batches to a queue or topic.
type Publisher interface {
	// Publish sends the batch. The returned channel receives true once
	// every message of the batch was accepted by the broker.
	// The entire batch should succeed or fail atomically.
	Publish(ctx context.Context, batch *Batch) (<-chan bool, error)

	// Close releases any resources used by the publisher
	Close() error
}

// CheckpointStore persists the committed cursor of a stream.
type CheckpointStore interface {
	LoadCursor(ctx context.Context) (Cursor, error)
	SaveCursor(ctx context.Context, c Cursor) error
}
