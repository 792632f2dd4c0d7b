package cdc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func titles(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Title
	}
	return out
}

func TestDedupeKeepsLatestSequence(t *testing.T) {
	in := []Change{
		change("Q1", 5, 0),
		change("Q1", 9, time.Second),
	}
	out := Dedupe(in)
	assert.Len(t, out, 1)
	assert.Equal(t, int64(9), out[0].SequenceID)
}

func TestDedupeFirstSeenOrder(t *testing.T) {
	in := []Change{
		change("Q2", 1, 0),
		change("Q1", 2, 0),
		change("Q3", 3, 0),
		change("Q1", 4, 0),
		change("Q2", 5, 0),
		change("Q4", 6, 0),
	}
	out := Dedupe(in)
	assert.Equal(t, []string{"Q2", "Q1", "Q3", "Q4"}, titles(out))
	assert.Equal(t, []int64{5, 4, 3, 6}, []int64{out[0].SequenceID, out[1].SequenceID, out[2].SequenceID, out[3].SequenceID})
}

func TestDedupeOutOfOrderInput(t *testing.T) {
	// the later entry has the lower sequence id: the earlier one wins
	in := []Change{
		change("Q7", 20, 0),
		change("Q7", 12, 0),
	}
	out := Dedupe(in)
	assert.Equal(t, int64(20), out[0].SequenceID)
}

func TestDedupeToleratesRevertedRevision(t *testing.T) {
	a := change("Q5", 1, 0)
	a.RevisionID = 100
	b := change("Q5", 2, time.Second)
	b.RevisionID = 90 // revert to an older revision
	out := Dedupe([]Change{a, b})
	assert.Equal(t, int64(90), out[0].RevisionID)
}

func TestDedupeEmpty(t *testing.T) {
	assert.Nil(t, Dedupe(nil))
}
