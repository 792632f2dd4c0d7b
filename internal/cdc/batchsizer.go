package cdc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultMinBatchSize = 10
	defaultBufferFactor = 0.2 // 20% safety margin

	// Service Bus SKU limits
	StandardSKULimit = 256 * 1024  // 256KB
	PremiumSKULimit  = 1024 * 1024 // 1MB
)

// BatchSizer calculates and maintains the feed batch size so that one
// batch of snapshots fits the sink's message budget.
type BatchSizer struct {
	batchSize      atomic.Int32
	maxMessageSize int
	minBatchSize   int
	maxBatchSize   int
	bufferFactor   float64
	logger         hclog.Logger

	mu         sync.Mutex
	totalBytes int64
	totalItems int64

	// For monitoring/metrics
	lastSampleTime atomic.Int64
	lastSampleSize atomic.Int32
	lastAvgSize    atomic.Int32
}

// BatchSizerMetrics is a point-in-time view of the sizer.
type BatchSizerMetrics struct {
	BatchSize       int32
	LastSampleTime  time.Time
	LastSampleSize  int32
	AvgSnapshotSize int32
}

// BatchSizerOption customizes a BatchSizer
type BatchSizerOption func(*BatchSizer)

// WithMinBatchSize sets the lower clamp
func WithMinBatchSize(n int) BatchSizerOption {
	return func(bs *BatchSizer) {
		if n > 0 {
			bs.minBatchSize = n
		}
	}
}

// WithBufferFactor sets the share of the message budget kept free
func WithBufferFactor(f float64) BatchSizerOption {
	return func(bs *BatchSizer) {
		if f >= 0 && f < 1 {
			bs.bufferFactor = f
		}
	}
}

// WithSizerLogger sets the logger
func WithSizerLogger(l hclog.Logger) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.logger = l
	}
}

// NewBatchSizer creates a new BatchSizer. maxBatchSize is the hard upper
// bound sent to the feed; the initial size is a heuristic on the message
// budget until the first snapshots are observed.
func NewBatchSizer(maxMessageSize, maxBatchSize int, opts ...BatchSizerOption) *BatchSizer {
	if maxMessageSize <= 0 {
		maxMessageSize = StandardSKULimit
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 500
	}

	bs := &BatchSizer{
		maxMessageSize: maxMessageSize,
		minBatchSize:   defaultMinBatchSize,
		maxBatchSize:   maxBatchSize,
		bufferFactor:   defaultBufferFactor,
		logger:         hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(bs)
	}
	if bs.minBatchSize > bs.maxBatchSize {
		bs.minBatchSize = bs.maxBatchSize
	}

	var initial int
	switch {
	case maxMessageSize >= PremiumSKULimit:
		initial = 200
	case maxMessageSize >= StandardSKULimit:
		initial = 100
	default:
		initial = 50
	}
	bs.batchSize.Store(int32(bs.clamp(initial)))

	return bs
}

// GetBatchSize returns the current calculated batch size
func (bs *BatchSizer) GetBatchSize() int32 {
	size := bs.batchSize.Load()
	// Never return 0 as batch size
	if size <= 0 {
		return int32(bs.minBatchSize)
	}
	return size
}

// Observe feeds the serialized size of n delivered snapshots back into
// the sizer and recomputes the batch size from the running average.
func (bs *BatchSizer) Observe(bytes, n int) {
	if n <= 0 || bytes < 0 {
		return
	}

	bs.mu.Lock()
	bs.totalBytes += int64(bytes)
	bs.totalItems += int64(n)
	avg := bs.totalBytes / bs.totalItems
	bs.mu.Unlock()

	if avg <= 0 {
		avg = 1
	}

	budget := float64(bs.maxMessageSize) * (1 - bs.bufferFactor)
	size := bs.clamp(int(budget / float64(avg)))

	previous := bs.batchSize.Swap(int32(size))
	bs.lastSampleTime.Store(time.Now().Unix())
	bs.lastSampleSize.Store(int32(n))
	bs.lastAvgSize.Store(int32(avg))

	if previous != int32(size) {
		bs.logger.Debug("Updated batch size", "batchSize", size, "avgSnapshotBytes", avg)
	}
}

// GetMetrics returns the sizer's current state
func (bs *BatchSizer) GetMetrics() BatchSizerMetrics {
	m := BatchSizerMetrics{
		BatchSize:       bs.GetBatchSize(),
		LastSampleSize:  bs.lastSampleSize.Load(),
		AvgSnapshotSize: bs.lastAvgSize.Load(),
	}
	if ts := bs.lastSampleTime.Load(); ts > 0 {
		m.LastSampleTime = time.Unix(ts, 0)
	}
	return m
}

func (bs *BatchSizer) clamp(n int) int {
	if n < bs.minBatchSize {
		return bs.minBatchSize
	}
	if n > bs.maxBatchSize {
		return bs.maxBatchSize
	}
	return n
}
