package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

const defaultAckTimeout = 2 * time.Minute

// PublisherSink turns a Publisher plus a CheckpointStore into a cdc.Sink:
// a batch is durable once the broker accepted it and its cursor is saved.
type PublisherSink struct {
	publisher   cdc.Publisher
	checkpoints cdc.CheckpointStore
	ackTimeout  time.Duration
	logger      hclog.Logger
}

// NewPublisherSink creates a PublisherSink.
func NewPublisherSink(publisher cdc.Publisher, checkpoints cdc.CheckpointStore, logger hclog.Logger) *PublisherSink {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &PublisherSink{
		publisher:   publisher,
		checkpoints: checkpoints,
		ackTimeout:  defaultAckTimeout,
		logger:      logger.Named("sink"),
	}
}

// Deliver publishes the batch, waits for the broker, then saves the cursor.
func (s *PublisherSink) Deliver(ctx context.Context, batch *cdc.Batch) error {
	done, err := s.publisher.Publish(ctx, batch)
	if err != nil {
		return fmt.Errorf("publish batch %s: %w", batch.ID, err)
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()

	select {
	case ok := <-done:
		if !ok {
			return icdc.NewRetryableError(fmt.Errorf("batch %s was not acknowledged", batch.ID))
		}
	case <-timer.C:
		return icdc.NewRetryableError(fmt.Errorf("batch %s: no acknowledgement after %s", batch.ID, s.ackTimeout))
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.checkpoints.SaveCursor(ctx, batch.Cursor); err != nil {
		// Re-publishing is safe: messages carry stable ids.
		return icdc.NewRetryableError(fmt.Errorf("save cursor after batch %s: %w", batch.ID, err))
	}

	s.logger.Debug("Batch delivered", "batch", batch.ID, "changes", batch.Len(), "cursor", batch.Cursor.String())
	return nil
}

// LastCommittedCursor implements cdc.Sink.
func (s *PublisherSink) LastCommittedCursor(ctx context.Context) (cdc.Cursor, error) {
	return s.checkpoints.LoadCursor(ctx)
}

// Close closes the publisher.
func (s *PublisherSink) Close() error {
	return s.publisher.Close()
}

// errClosed is returned by publishers used after Close.
var errClosed = errors.New("publisher is closed")
