package locking

import (
	"context"
)

// DistributedLocker defines an interface for a distributed locking mechanism.
type DistributedLocker interface {
	// AcquireLock tries to acquire a lock for the given lockName and returns a lease ID if successful.
	// An empty lease ID with a nil error means another process holds a valid lock.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID for the given lockName.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the current lease.
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal starts a background process to renew the lock periodically.
	StartLockRenewal(ctx context.Context, lockName string)

	// GetLockedStreams returns the subset of lockNames currently held by a valid lease.
	GetLockedStreams(ctx context.Context, lockNames []string) ([]string, error)
}
