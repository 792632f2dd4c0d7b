package types

import (
	"strconv"
	"time"

	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

// ChangeType represents what a sink must do with an entity
type ChangeType string

const (
	// Update replaces the entity's statements with the carried snapshot
	Update ChangeType = "update"
	// Delete removes the entity
	Delete ChangeType = "delete"
	// Skip reports a change whose snapshot could not be fetched
	Skip ChangeType = "skip"
)

// ChangeEvent represents one entity change in a published batch
type ChangeEvent struct {
	Title      string     `json:"title"`
	EntityID   string     `json:"entity_id,omitempty"`
	ChangeType ChangeType `json:"change_type"`
	RevisionID int64      `json:"revision_id"`
	SequenceID int64      `json:"sequence_id"`
	Timestamp  string     `json:"timestamp"`
	Reason     string     `json:"reason,omitempty"`
	Statements []string   `json:"statements,omitempty"`
}

// MessageID is stable across redeliveries of the same change so brokers
// can drop duplicates.
func (e ChangeEvent) MessageID() string {
	return e.Title + "@" + strconv.FormatInt(e.SequenceID, 10)
}

// EnvelopeCursor is the cursor committed once the envelope is acknowledged
type EnvelopeCursor struct {
	Timestamp  string `json:"timestamp"`
	SequenceID int64  `json:"sequence_id"`
}

// OutputEnvelope represents the JSON envelope format for published batches
// This includes the change data plus metadata about the stream
type OutputEnvelope struct {
	BatchID  string                 `json:"batch_id"`
	Stream   string                 `json:"stream"`
	Source   string                 `json:"source,omitempty"`
	Cursor   EnvelopeCursor         `json:"cursor"`
	Changes  []ChangeEvent          `json:"changes"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewOutputEnvelope converts a batch into its published form
func NewOutputEnvelope(source string, b *cdc.Batch) *OutputEnvelope {
	env := &OutputEnvelope{
		BatchID: b.ID,
		Stream:  b.Stream,
		Source:  source,
		Cursor: EnvelopeCursor{
			Timestamp:  formatTime(b.Cursor.Timestamp),
			SequenceID: b.Cursor.SequenceID,
		},
		Changes: make([]ChangeEvent, 0, b.Len()),
	}

	for _, item := range b.Items {
		ev := newEvent(item.Change)
		ev.EntityID = item.Snapshot.EntityID
		ev.ChangeType = Update
		if item.Snapshot.Deleted {
			ev.ChangeType = Delete
		}
		ev.Statements = make([]string, len(item.Snapshot.Statements))
		for i, st := range item.Snapshot.Statements {
			ev.Statements[i] = st.NTriples()
		}
		env.Changes = append(env.Changes, ev)
	}

	for _, skip := range b.Skipped {
		ev := newEvent(skip.Change)
		ev.ChangeType = Skip
		if skip.Tombstone {
			ev.ChangeType = Delete
		}
		ev.Reason = skip.Reason
		env.Changes = append(env.Changes, ev)
	}

	return env
}

func newEvent(c cdc.Change) ChangeEvent {
	return ChangeEvent{
		Title:      c.Title,
		RevisionID: c.RevisionID,
		SequenceID: c.SequenceID,
		Timestamp:  formatTime(c.Timestamp),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
