package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/hashicorp/go-hclog"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/types"
)

// sbSender is the part of *azservicebus.Sender the publisher needs.
type sbSender interface {
	NewMessageBatch(ctx context.Context, options *azservicebus.MessageBatchOptions) (*azservicebus.MessageBatch, error)
	SendMessageBatch(ctx context.Context, batch *azservicebus.MessageBatch, options *azservicebus.SendMessageBatchOptions) error
	Close(ctx context.Context) error
}

// ServiceBusPublisher sends one message per change event to a queue or
// topic. Message ids are stable so duplicate detection drops redeliveries.
type ServiceBusPublisher struct {
	client *azservicebus.Client
	sender sbSender
	queue  string
	source string
	logger hclog.Logger

	mu     sync.Mutex
	closed bool
}

// NewServiceBusPublisher connects to Service Bus.
func NewServiceBusPublisher(connectionString, queue, source string, logger hclog.Logger) (*ServiceBusPublisher, error) {
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(queue, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("failed to create sender for %s: %w", queue, err)
	}

	return &ServiceBusPublisher{
		client: client,
		sender: sender,
		queue:  queue,
		source: source,
		logger: logger.Named("servicebus"),
	}, nil
}

// Publish sends the batch, splitting it over several message batches when
// it does not fit in one.
func (p *ServiceBusPublisher) Publish(ctx context.Context, batch *cdc.Batch) (<-chan bool, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, icdc.NewFatalError(errClosed)
	}

	env := types.NewOutputEnvelope(p.source, batch)

	mb, err := p.sender.NewMessageBatch(ctx, nil)
	if err != nil {
		return nil, classifyServiceBusError(fmt.Errorf("new message batch: %w", err))
	}

	sent := 0
	for _, ev := range env.Changes {
		msg, err := newServiceBusMessage(env, ev)
		if err != nil {
			return nil, icdc.NewFatalError(err)
		}

		err = mb.AddMessage(msg, nil)
		if errors.Is(err, azservicebus.ErrMessageTooLarge) {
			if mb.NumMessages() == 0 {
				return nil, icdc.NewFatalError(fmt.Errorf("change %s does not fit in a message: %w", ev.MessageID(), err))
			}
			if err := p.sender.SendMessageBatch(ctx, mb, nil); err != nil {
				return nil, classifyServiceBusError(fmt.Errorf("send message batch: %w", err))
			}
			sent += int(mb.NumMessages())

			if mb, err = p.sender.NewMessageBatch(ctx, nil); err != nil {
				return nil, classifyServiceBusError(fmt.Errorf("new message batch: %w", err))
			}
			err = mb.AddMessage(msg, nil)
		}
		if err != nil {
			return nil, icdc.NewFatalError(fmt.Errorf("add message %s: %w", ev.MessageID(), err))
		}
	}

	if mb.NumMessages() > 0 {
		if err := p.sender.SendMessageBatch(ctx, mb, nil); err != nil {
			return nil, classifyServiceBusError(fmt.Errorf("send message batch: %w", err))
		}
		sent += int(mb.NumMessages())
	}

	p.logger.Debug("Published batch", "queue", p.queue, "batch", batch.ID, "messages", sent)

	done := make(chan bool, 1)
	done <- true
	return done, nil
}

// Close closes the sender and the client.
func (p *ServiceBusPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	ctx := context.Background()
	err := p.sender.Close(ctx)
	if p.client != nil {
		err = errors.Join(err, p.client.Close(ctx))
	}
	return err
}

func newServiceBusMessage(env *types.OutputEnvelope, ev types.ChangeEvent) (*azservicebus.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal change %s: %w", ev.MessageID(), err)
	}

	id := ev.MessageID()
	contentType := "application/json"
	subject := string(ev.ChangeType)
	return &azservicebus.Message{
		Body:        body,
		MessageID:   &id,
		ContentType: &contentType,
		Subject:     &subject,
		ApplicationProperties: map[string]any{
			"stream":          env.Stream,
			"batch_id":        env.BatchID,
			"source":          env.Source,
			"cursor_sequence": env.Cursor.SequenceID,
		},
	}, nil
}

// classifyServiceBusError marks connection and timeout failures retryable.
func classifyServiceBusError(err error) error {
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeConnectionLost, azservicebus.CodeTimeout:
			return icdc.NewRetryableError(err)
		default:
			return icdc.NewFatalError(err)
		}
	}
	// Unknown transport failures are left to the generic classifier.
	return err
}
