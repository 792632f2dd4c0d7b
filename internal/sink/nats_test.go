package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/types"
)

type fakeJetStream struct {
	msgs []*nats.Msg
	ids  []string
	err  error
}

func (f *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	f.ids = append(f.ids, fmt.Sprint(len(opts)))
	return &jetstream.PubAck{Stream: "WIKIBASE", Sequence: uint64(len(f.msgs))}, nil
}

func TestNatsPublisherOneMessagePerChange(t *testing.T) {
	js := &fakeJetStream{}
	p := newNatsPublisher(nil, js, "wikibase.changes", "https://www.wikidata.org", nil)

	done, err := p.Publish(context.Background(), sampleBatch())
	require.NoError(t, err)
	assert.True(t, <-done)

	require.Len(t, js.msgs, 2)
	assert.Equal(t, "wikibase.changes.update", js.msgs[0].Subject)
	assert.Equal(t, "wikibase.changes.delete", js.msgs[1].Subject)
	assert.Equal(t, "b-1", js.msgs[0].Header.Get("Batch-Id"))
	assert.Equal(t, "7", js.msgs[0].Header.Get("Cursor-Sequence"))
	assert.Equal(t, []string{"1", "1"}, js.ids, "every publish carries a message id")

	var ev types.ChangeEvent
	require.NoError(t, json.Unmarshal(js.msgs[0].Data, &ev))
	assert.Equal(t, "Q1", ev.Title)
	assert.Equal(t, []string{`<http://www.wikidata.org/entity/Q1> <http://schema.org/name> "universe" .`}, ev.Statements)
}

func TestNatsPublisherClassifiesErrors(t *testing.T) {
	p := newNatsPublisher(nil, &fakeJetStream{err: nats.ErrTimeout}, "s", "", nil)
	_, err := p.Publish(context.Background(), sampleBatch())
	assert.True(t, icdc.IsRetryable(err))

	p = newNatsPublisher(nil, &fakeJetStream{err: nats.ErrMaxPayload}, "s", "", nil)
	_, err = p.Publish(context.Background(), sampleBatch())
	assert.True(t, icdc.IsFatal(err))

	assert.NoError(t, p.Close())
}
