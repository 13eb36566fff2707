package s3

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDDBCommitStore_EmptyTable(t *testing.T) {
	store := NewDDBCommitStore(newMockDDBClient(), "cdclake-commits", "s3://b/t")

	seq, name, err := store.Current(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Empty(t, name)
}

func TestDDBCommitStore_SwapAdvancesPointer(t *testing.T) {
	ctx := context.Background()
	store := NewDDBCommitStore(newMockDDBClient(), "cdclake-commits", "s3://b/t")

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, store.Swap(ctx, i-1, i, fmt.Sprintf("manifest/MANIFEST-%06d-x.bin", i)))
	}

	seq, name, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, "manifest/MANIFEST-000003-x.bin", name)
}

func TestDDBCommitStore_StaleParentConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewDDBCommitStore(newMockDDBClient(), "cdclake-commits", "s3://b/t")

	require.NoError(t, store.Swap(ctx, 0, 1, "m1"))
	err := store.Swap(ctx, 0, 1, "m1-other")
	assert.ErrorIs(t, err, blobstore.ErrConflict)
}

func TestDDBCommitStore_ConcurrentSwapsOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewDDBCommitStore(newMockDDBClient(), "cdclake-commits", "s3://b/t")
	require.NoError(t, store.Swap(ctx, 0, 1, "m1"))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Swap(ctx, 1, 2, fmt.Sprintf("m2-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			assert.ErrorIs(t, err, blobstore.ErrConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestDDBCommitStore_IsolatedNamespaces(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	a := NewDDBCommitStore(ddb, "cdclake-commits", "s3://bucket-a/path")
	b := NewDDBCommitStore(ddb, "cdclake-commits", "s3://bucket-b/path")

	require.NoError(t, a.Swap(ctx, 0, 1, "A"))
	require.NoError(t, b.Swap(ctx, 0, 1, "B"))

	_, name, err := a.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", name)
	_, name, err = b.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", name)
}
