package locking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
)

func TestGetLockName(t *testing.T) {
	f := NewLockerFactory(TypeNone, "", "", "https://www.wikidata.org/w/api.php", nil)
	assert.Equal(t, "www.wikidata.org/wikidata.lock", f.GetLockName("wikidata"))

	f = NewLockerFactory(TypeNone, "", "", "", nil)
	assert.Equal(t, "wikidata.lock", f.GetLockName("wikidata"))
}

func TestAcquireStreamLockIsExclusive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewLockerFactory("", "", "", "https://www.wikidata.org/w/api.php", nil)

	release, err := f.AcquireStreamLock(ctx, "wikidata")
	require.NoError(t, err)

	_, err = f.AcquireStreamLock(ctx, "wikidata")
	require.ErrorIs(t, err, icdc.ErrStreamLocked)
	assert.True(t, icdc.IsFatal(err))

	locked, err := f.GetLockedStreams(ctx, []string{"wikidata", "other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"www.wikidata.org/wikidata.lock"}, locked)

	release()

	locked, err = f.GetLockedStreams(ctx, []string{"wikidata"})
	require.NoError(t, err)
	assert.Empty(t, locked)

	release, err = f.AcquireStreamLock(ctx, "wikidata")
	require.NoError(t, err)
	release()
}

func TestUnsupportedLockType(t *testing.T) {
	f := NewLockerFactory("zookeeper", "", "", "", nil)
	_, err := f.CreateLocker("x.lock")
	assert.Error(t, err)

	_, err = f.AcquireStreamLock(context.Background(), "x")
	assert.Error(t, err)
}
