package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/hashicorp/go-hclog"
)

const (
	// DefaultLockTTL is the lease duration requested from blob storage.
	DefaultLockTTL = 60 * time.Second

	// staleLockAge is how long a lease may go without renewal before it is
	// considered abandoned and broken.
	staleLockAge = 2 * time.Minute
)

type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	lockName      string
	logger        hclog.Logger

	azblobClient    *azblob.Client
	blockblobClient *blockblob.Client
	blobLeaseClient *lease.BlobClient
}

// NewBlobLocker makes sure the container and the lock blob exist and returns
// a locker bound to lockName. An empty lockName gives a locker that can only
// inspect lock state.
func NewBlobLocker(connectionString, containerName, lockName string, logger hclog.Logger) (*BlobLocker, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(context.TODO(), containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	bl := &BlobLocker{
		containerName: containerName,
		lockTTL:       DefaultLockTTL,
		lockName:      lockName,
		logger:        logger.Named("lock"),
		azblobClient:  azblobClient,
	}
	if lockName == "" {
		return bl, nil
	}

	bl.blockblobClient, err = blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}

	bl.blobLeaseClient, err = lease.NewBlobClient(bl.blockblobClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return bl, nil
}

// ensureBlob creates the empty lock blob if it does not exist yet.
func (bl *BlobLocker) ensureBlob(ctx context.Context) error {
	_, err := bl.blockblobClient.UploadBuffer(ctx, []byte{}, nil)
	if err != nil &&
		!bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.LeaseIDMissing, bloberror.LeaseAlreadyPresent) {
		return fmt.Errorf("failed to ensure blob exists: %w", err)
	}
	return nil
}

// AcquireLock tries to acquire a lease on the lock blob. It returns an empty
// lease ID if another process holds a lease that is still being renewed.
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	if bl.blobLeaseClient == nil {
		return "", fmt.Errorf("locker has no lock blob")
	}
	if err := bl.ensureBlob(ctx); err != nil {
		return "", err
	}

	bl.logger.Debug("Attempting to acquire lock", "lock", bl.lockName)

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err == nil {
		bl.logger.Info("Lock acquired", "lock", bl.lockName, "lease", *resp.LeaseID)
		return *resp.LeaseID, nil
	}
	if !bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}

	props, err := bl.blockblobClient.GetProperties(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get blob properties for %s: %w", bl.lockName, err)
	}

	lockAge := time.Since(*props.LastModified)
	if lockAge <= staleLockAge {
		bl.logger.Warn("Stream is already locked", "lock", bl.lockName, "age", lockAge.Round(time.Second))
		return "", nil
	}

	bl.logger.Warn("Breaking stale lock", "lock", bl.lockName, "last_modified", props.LastModified.Format(time.RFC3339))
	if _, err := bl.blobLeaseClient.BreakLease(ctx, &lease.BlobBreakOptions{BreakPeriod: ptr(int32(0))}); err != nil {
		return "", fmt.Errorf("failed to break lease for %s: %w", bl.lockName, err)
	}

	resp, err = bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease after breaking for %s: %w", bl.lockName, err)
	}
	bl.logger.Info("Lock acquired after breaking stale lease", "lock", bl.lockName, "lease", *resp.LeaseID)
	return *resp.LeaseID, nil
}

// RenewLock renews the lease and touches the blob so its age stays fresh.
func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, err)
	}

	leaseID := bl.blobLeaseClient.LeaseID()
	metadata := map[string]*string{"renewed": ptr(time.Now().UTC().Format(time.RFC3339))}
	_, err := bl.blockblobClient.SetMetadata(ctx, metadata, &blob.SetMetadataOptions{
		AccessConditions: &blob.AccessConditions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: leaseID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to touch lock blob %s: %w", lockName, err)
	}

	bl.logger.Trace("Lock renewed", "lock", lockName)
	return nil
}

// ReleaseLock releases the lease held by this locker.
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", lockName, err)
	}
	bl.logger.Info("Lock released", "lock", lockName)
	return nil
}

// StartLockRenewal renews the lease every third of its TTL until ctx is done.
func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string) {
	bl.logger.Debug("Starting lock renewal", "lock", lockName)
	go func() {
		ticker := time.NewTicker(bl.lockTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx, lockName); err != nil {
					bl.logger.Error("Failed to renew lock", "lock", lockName, "error", err)
				}
			case <-ctx.Done():
				bl.logger.Debug("Stopping lock renewal", "lock", lockName)
				return
			}
		}
	}()
}

// GetLockedStreams checks which of the given lock blobs hold a fresh lease.
func (bl *BlobLocker) GetLockedStreams(ctx context.Context, lockNames []string) ([]string, error) {
	locked := []string{}
	containerClient := bl.azblobClient.ServiceClient().NewContainerClient(bl.containerName)

	for _, lockName := range lockNames {
		resp, err := containerClient.NewBlobClient(lockName).GetProperties(ctx, nil)
		if err != nil {
			if bloberror.HasCode(err, bloberror.BlobNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to get properties for blob %s: %w", lockName, err)
		}

		if resp.LeaseStatus == nil || resp.LeaseState == nil {
			continue
		}
		if *resp.LeaseStatus != lease.StatusTypeLocked || *resp.LeaseState != lease.StateTypeLeased {
			continue
		}

		lockAge := time.Since(*resp.LastModified)
		if lockAge > staleLockAge {
			bl.logger.Debug("Lock is stale and will be broken on acquire", "lock", lockName, "age", lockAge.Round(time.Second))
			continue
		}
		locked = append(locked, lockName)
	}

	return locked, nil
}

func ptr[T any](v T) *T { return &v }
