package cdc

import (
	"fmt"
	"time"
)

// Cursor is the resumable position in the change feed. Cursors are totally
// ordered by (Timestamp, SequenceID).
type Cursor struct {
	Timestamp  time.Time `json:"timestamp"`
	SequenceID int64     `json:"sequence_id"`
}

// NewCursor returns a cursor at the given position.
func NewCursor(ts time.Time, seq int64) Cursor {
	return Cursor{Timestamp: ts.UTC(), SequenceID: seq}
}

// CursorAt returns the position of a change.
func CursorAt(c Change) Cursor {
	return NewCursor(c.Timestamp, c.SequenceID)
}

// Compare returns -1, 0 or +1 depending on whether c sorts before, equal to
// or after o.
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.Timestamp.Before(o.Timestamp):
		return -1
	case c.Timestamp.After(o.Timestamp):
		return 1
	case c.SequenceID < o.SequenceID:
		return -1
	case c.SequenceID > o.SequenceID:
		return 1
	}
	return 0
}

// Advance moves the cursor to the change's position when that position is
// not behind the cursor. Out-of-order changes leave the cursor unchanged.
func (c Cursor) Advance(ch Change) Cursor {
	next := CursorAt(ch)
	if next.Compare(c) >= 0 {
		return next
	}
	return c
}

// AdvanceAll folds Advance over changes.
func (c Cursor) AdvanceAll(changes []Change) Cursor {
	for _, ch := range changes {
		c = c.Advance(ch)
	}
	return c
}

// Commit returns the cursor to persist once changes were delivered. It
// folds Advance over them, then raises SequenceID to the highest sequence
// delivered. A late-committed change carries an older timestamp than the
// cursor and would otherwise stay uncovered and be delivered again.
func (c Cursor) Commit(changes []Change) Cursor {
	next := c.AdvanceAll(changes)
	for _, ch := range changes {
		if ch.SequenceID > next.SequenceID {
			next.SequenceID = ch.SequenceID
		}
	}
	return next
}

// WindowStart is the lower time bound for the next feed query. Callers
// widen it backwards by a safety margin because the feed's time resolution
// is coarser than its sequence resolution.
func (c Cursor) WindowStart() time.Time {
	return c.Timestamp
}

// Covers reports whether a change was already passed by the cursor.
// Sequence ids are strictly increasing across the feed, so the comparison
// does not need the timestamp.
func (c Cursor) Covers(ch Change) bool {
	return ch.SequenceID <= c.SequenceID
}

// IsZero reports whether the cursor was never set.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.SequenceID == 0
}

func (c Cursor) String() string {
	return fmt.Sprintf("%s|%d", c.Timestamp.UTC().Format(time.RFC3339), c.SequenceID)
}
