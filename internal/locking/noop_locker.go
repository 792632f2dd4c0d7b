package locking

import (
	"context"
	"sync"
)

// NoopLocker grants every lock. It is meant for single-instance deployments
// and tests; it only guards against double acquisition inside one process.
type NoopLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewNoopLocker() *NoopLocker {
	return &NoopLocker{held: make(map[string]bool)}
}

func (n *NoopLocker) AcquireLock(_ context.Context, lockName string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.held[lockName] {
		return "", nil
	}
	n.held[lockName] = true
	return "noop:" + lockName, nil
}

func (n *NoopLocker) ReleaseLock(_ context.Context, lockName string, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.held, lockName)
	return nil
}

func (n *NoopLocker) RenewLock(context.Context, string) error { return nil }

func (n *NoopLocker) StartLockRenewal(context.Context, string) {}

func (n *NoopLocker) GetLockedStreams(_ context.Context, lockNames []string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	locked := []string{}
	for _, name := range lockNames {
		if n.held[name] {
			locked = append(locked, name)
		}
	}
	return locked, nil
}
