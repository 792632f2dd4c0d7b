package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("wikidata")
	require.NoError(t, reg.Register(c))

	c.PageFetched(100)
	c.PageFetched(100)
	c.Changes(OutcomeDelivered, 3)
	c.Changes(OutcomeSkipped, 1)
	c.Retry("recentchanges")
	c.Cursor(time.Unix(1700000000, 0), 42)
	c.State("Paging", []string{"Idle", "Paging"})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.pages))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.changes.WithLabelValues(OutcomeDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("recentchanges")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.cursorSequence))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.state.WithLabelValues("Paging")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.state.WithLabelValues("Idle")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.PageFetched(1)
		c.Changes(OutcomeDelivered, 1)
		c.Retry("x")
		c.Batch("committed")
		c.Cursor(time.Now(), 1)
		c.State("Idle", nil)
		c.CycleDuration(time.Second)
	})
}
