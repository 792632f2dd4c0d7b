package sink

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/types"
)

// LogPublisher writes every change event to a logger. It is the default
// when no broker is configured.
type LogPublisher struct {
	source string
	logger hclog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(source string, logger hclog.Logger) *LogPublisher {
	return &LogPublisher{source: source, logger: logger.Named("publisher")}
}

// Publish logs the batch and acknowledges it immediately.
func (p *LogPublisher) Publish(_ context.Context, batch *cdc.Batch) (<-chan bool, error) {
	done := make(chan bool, 1)

	env := types.NewOutputEnvelope(p.source, batch)
	for _, ev := range env.Changes {
		statements, err := json.Marshal(ev.Statements)
		if err != nil {
			p.logger.Error("Failed to marshal statements", "title", ev.Title, "error", err)
			statements = []byte(`[]`)
		}
		p.logger.Info("Change event",
			"stream", env.Stream,
			"title", ev.Title,
			"type", ev.ChangeType,
			"seq", ev.SequenceID,
			"revision", ev.RevisionID,
			"reason", ev.Reason,
			"statements", string(statements))
	}

	done <- true
	return done, nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error {
	return nil
}
