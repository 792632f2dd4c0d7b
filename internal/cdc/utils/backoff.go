package utils

import (
	"context"
	"time"

	"github.com/juju/clock"
)

// BackoffManager grows the idle poll interval while the feed stays quiet
type BackoffManager struct {
	currentInterval time.Duration
	maxInterval     time.Duration
	initialInterval time.Duration
	clock           clock.Clock
}

// NewBackoffManager initializes a new BackoffManager with the given intervals.
// A maxInterval below initialInterval disables growth.
func NewBackoffManager(initialInterval, maxInterval time.Duration) *BackoffManager {
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	return &BackoffManager{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
		initialInterval: initialInterval,
		clock:           clock.WallClock,
	}
}

// WithClock replaces the clock used by Wait
func (b *BackoffManager) WithClock(c clock.Clock) *BackoffManager {
	b.clock = c
	return b
}

// GetInterval returns the current interval
func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// IncreaseInterval doubles the current interval up to maxInterval
func (b *BackoffManager) IncreaseInterval() time.Duration {
	newInterval := b.currentInterval * 2
	if newInterval > b.maxInterval {
		newInterval = b.maxInterval
	}
	b.currentInterval = newInterval
	return newInterval
}

// ResetInterval resets the interval back to the initial value
func (b *BackoffManager) ResetInterval() {
	b.currentInterval = b.initialInterval
}

// Wait sleeps for the current interval. It returns early with ctx.Err()
// when ctx is done.
func (b *BackoffManager) Wait(ctx context.Context) error {
	if b.currentInterval <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.After(b.currentInterval):
		return nil
	}
}
