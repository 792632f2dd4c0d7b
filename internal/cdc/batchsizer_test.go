package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchSizerInitialHeuristic(t *testing.T) {
	assert.Equal(t, int32(200), NewBatchSizer(PremiumSKULimit, 500).GetBatchSize())
	assert.Equal(t, int32(100), NewBatchSizer(StandardSKULimit, 500).GetBatchSize())
	assert.Equal(t, int32(50), NewBatchSizer(64*1024, 500).GetBatchSize())
	assert.Equal(t, int32(40), NewBatchSizer(PremiumSKULimit, 40).GetBatchSize())
}

func TestBatchSizerObserve(t *testing.T) {
	bs := NewBatchSizer(100_000, 1000, WithBufferFactor(0.2), WithMinBatchSize(5))

	// 80_000 usable bytes / 1_000 per snapshot
	bs.Observe(10_000, 10)
	assert.Equal(t, int32(80), bs.GetBatchSize())

	m := bs.GetMetrics()
	assert.Equal(t, int32(10), m.LastSampleSize)
	assert.Equal(t, int32(1000), m.AvgSnapshotSize)
	assert.False(t, m.LastSampleTime.IsZero())
}

func TestBatchSizerClamps(t *testing.T) {
	bs := NewBatchSizer(100_000, 50, WithMinBatchSize(5))

	bs.Observe(10, 10)
	assert.Equal(t, int32(50), bs.GetBatchSize(), "tiny snapshots hit the max")

	big := NewBatchSizer(100_000, 50, WithMinBatchSize(5))
	big.Observe(10_000_000, 1)
	assert.Equal(t, int32(5), big.GetBatchSize(), "huge snapshots hit the min")
}

func TestBatchSizerIgnoresEmptySamples(t *testing.T) {
	bs := NewBatchSizer(StandardSKULimit, 500)
	bs.Observe(0, 0)
	assert.Equal(t, int32(100), bs.GetBatchSize())
	assert.True(t, bs.GetMetrics().LastSampleTime.IsZero())
}
