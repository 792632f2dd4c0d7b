package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/types"
)

// msgPublisher is the part of jetstream.JetStream the publisher needs.
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NatsPublisher publishes one JetStream message per change event on
// <subject>.<change_type>. The message id enables JetStream deduplication.
type NatsPublisher struct {
	conn    *nats.Conn
	js      msgPublisher
	subject string
	source  string
	logger  hclog.Logger
}

// NewNatsPublisher connects to NATS and opens a JetStream context.
func NewNatsPublisher(url, subject, source string, logger hclog.Logger) (*NatsPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("dstream-ingester-wikibase"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return newNatsPublisher(conn, js, subject, source, logger), nil
}

func newNatsPublisher(conn *nats.Conn, js msgPublisher, subject, source string, logger hclog.Logger) *NatsPublisher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &NatsPublisher{
		conn:    conn,
		js:      js,
		subject: subject,
		source:  source,
		logger:  logger.Named("nats"),
	}
}

// Publish sends every event and waits for each PubAck.
func (p *NatsPublisher) Publish(ctx context.Context, batch *cdc.Batch) (<-chan bool, error) {
	env := types.NewOutputEnvelope(p.source, batch)

	for _, ev := range env.Changes {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, icdc.NewFatalError(fmt.Errorf("marshal change %s: %w", ev.MessageID(), err))
		}

		msg := nats.NewMsg(p.subject + "." + string(ev.ChangeType))
		msg.Data = data
		msg.Header.Set("Stream", env.Stream)
		msg.Header.Set("Batch-Id", env.BatchID)
		msg.Header.Set("Cursor-Sequence", strconv.FormatInt(env.Cursor.SequenceID, 10))

		ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(ev.MessageID()))
		if err != nil {
			return nil, classifyNatsError(fmt.Errorf("publish %s: %w", ev.MessageID(), err))
		}
		if ack != nil && ack.Duplicate {
			p.logger.Trace("Duplicate change dropped by JetStream", "id", ev.MessageID())
		}
	}

	p.logger.Debug("Published batch", "subject", p.subject, "batch", batch.ID, "messages", len(env.Changes))

	done := make(chan bool, 1)
	done <- true
	return done, nil
}

// Close drains the connection.
func (p *NatsPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

func classifyNatsError(err error) error {
	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, jetstream.ErrNoStreamResponse):
		return icdc.NewRetryableError(err)
	case errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrMaxPayload):
		return icdc.NewFatalError(err)
	}
	return err
}
