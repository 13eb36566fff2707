package snapshot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/manifest"
	"github.com/hupe1980/cdclake/internal/retry"
	"github.com/hupe1980/cdclake/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = model.Schema{
	Columns:    []model.Column{{Name: "id", Kind: model.KindInt}},
	PrimaryKey: []int{0},
}

func fileInfo(id model.FileID) manifest.FileInfo {
	return manifest.FileInfo{ID: id, Name: "data/" + string(rune('a'+id)), Rows: 10}
}

func addFiles(ids ...model.FileID) Derive {
	return func(_ context.Context, parent *manifest.Manifest, seq uint64) (Change, error) {
		var c Change
		for _, id := range ids {
			c.Files = append(c.Files, fileInfo(id))
		}
		c.FlushLSN = model.LSN(seq * 10)
		return c, nil
	}
}

func newManager(t *testing.T, store blobstore.BlobStore, commits blobstore.CommitStore, retain int) *Manager {
	t.Helper()
	p := retry.DefaultPolicy()
	p.InitialBackoff, p.MaxBackoff, p.Jitter = 0, 0, 0
	m := NewManager(store, commits, Options{Retain: retain, Retry: p})
	_, err := m.Load(context.Background(), testSchema)
	require.NoError(t, err)
	return m
}

func TestManager_CommitSequence(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	commits := blobstore.NewPointerCommitStore(store)
	m := newManager(t, store, commits, 2)

	assert.Equal(t, uint64(0), m.Current().Seq())

	s1, err := m.Commit(ctx, addFiles(1))
	require.NoError(t, err)
	s2, err := m.Commit(ctx, addFiles(2))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1.Seq())
	assert.Equal(t, uint64(2), s2.Seq())
	assert.Equal(t, Superseded, s1.State())
	assert.Equal(t, Current, s2.State())
	assert.Len(t, s2.Manifest.Files, 2)
	assert.Equal(t, model.FileID(3), s2.Manifest.NextFileID)
	assert.Equal(t, model.LSN(20), s2.Manifest.FlushLSN)

	// A fresh manager sees the published state.
	m2 := newManager(t, store, commits, 2)
	assert.Equal(t, uint64(2), m2.Current().Seq())
	assert.Equal(t, s2.Manifest.CommitID, m2.Current().Manifest.CommitID)
}

func TestManager_SchemaMismatch(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	commits := blobstore.NewPointerCommitStore(store)
	m := newManager(t, store, commits, 1)
	_, err := m.Commit(ctx, addFiles(1))
	require.NoError(t, err)

	other := model.Schema{Columns: []model.Column{{Name: "k", Kind: model.KindString}}, PrimaryKey: []int{0}}
	_, err = NewManager(store, commits, Options{}).Load(ctx, other)
	require.ErrorIs(t, err, model.ErrSchemaMismatch)
}

func TestManager_ConflictRebases(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	commits := blobstore.NewPointerCommitStore(store)
	a := newManager(t, store, commits, 4)
	b := newManager(t, store, commits, 4)

	_, err := b.Commit(ctx, addFiles(5))
	require.NoError(t, err)

	var parents []uint64
	snap, err := a.Commit(ctx, func(ctx context.Context, parent *manifest.Manifest, seq uint64) (Change, error) {
		parents = append(parents, parent.Seq)
		return Change{Files: []manifest.FileInfo{fileInfo(1)}, Scratch: []string{"dv/scratch-" + string(rune('0'+seq))}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, parents)
	assert.Equal(t, uint64(2), snap.Seq())
	assert.Len(t, snap.Manifest.Files, 2, "the winner's file is kept")

	pending, err := a.Store().Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "the losing manifest is discarded")
}

func TestManager_ConflictOnRemovedFile(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := newManager(t, store, blobstore.NewPointerCommitStore(store), 1)
	_, err := m.Commit(ctx, func(context.Context, *manifest.Manifest, uint64) (Change, error) {
		return Change{Removed: []model.FileID{9}}, nil
	})
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, ErrUnknownFile)
}

// flakySwap applies the swap but reports a transport error once.
type flakySwap struct {
	blobstore.CommitStore
	failed atomic.Bool
}

func (f *flakySwap) Swap(ctx context.Context, parent, seq uint64, name string) error {
	if err := f.CommitStore.Swap(ctx, parent, seq, name); err != nil {
		return err
	}
	if f.failed.CompareAndSwap(false, true) {
		return errors.New("timeout after send")
	}
	return nil
}

func TestManager_AmbiguousPublish(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	commits := &flakySwap{CommitStore: blobstore.NewPointerCommitStore(store)}
	m := newManager(t, store, commits, 1)

	snap, err := m.Commit(ctx, addFiles(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Seq())
	seq, _, err := commits.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestManager_ReclaimHonorsPinsAndRetention(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := newManager(t, store, blobstore.NewPointerCommitStore(store), 1)

	// Each commit replaces the previous file, making it exclusive to its snapshot.
	var prev model.FileID
	for id := model.FileID(1); id <= 3; id++ {
		require.NoError(t, store.Put(ctx, fileInfo(id).Name, []byte("x")))
		removed := prev
		_, err := m.Commit(ctx, func(context.Context, *manifest.Manifest, uint64) (Change, error) {
			c := Change{Files: []manifest.FileInfo{fileInfo(id)}}
			if removed != 0 {
				c.Removed = []model.FileID{removed}
			}
			return c, nil
		})
		require.NoError(t, err)
		if id == 1 {
			pinned := m.Acquire()
			defer m.Release(pinned)
		}
		prev = id
	}

	history := m.History()
	require.Len(t, history, 3) // empty table, seq 1 (pinned), seq 2

	stats, err := m.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Snapshots)
	assert.Equal(t, 1, stats.Objects, "only seq 2's file is exclusive")

	_, err = blobstore.Get(ctx, store, fileInfo(2).Name)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
	_, err = blobstore.Get(ctx, store, fileInfo(1).Name)
	require.NoError(t, err, "pinned snapshot keeps its file")
	assert.Equal(t, Removed, history[2].State())
	assert.Equal(t, Superseded, history[1].State())
	assert.False(t, history[2].TryIncRef())
}

func TestApply_ReplacesVectors(t *testing.T) {
	parent := manifest.New(testSchema)
	parent.Seq = 1
	parent.Files = []manifest.FileInfo{fileInfo(1), fileInfo(2)}
	parent.Vectors = []manifest.VectorInfo{{File: 1, Name: "dv/1-1", Cardinality: 1}, {File: 2, Name: "dv/2-1", Cardinality: 2}}

	next, err := apply(parent, 2, Change{
		Removed: []model.FileID{2},
		Files:   []manifest.FileInfo{fileInfo(3)},
		Vectors: []manifest.VectorInfo{{File: 1, Name: "dv/1-2", Cardinality: 3}, {File: 3, Name: "dv/3-2", Cardinality: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Parent)
	require.Len(t, next.Files, 2)
	assert.Equal(t, model.FileID(3), next.Files[1].ID)
	require.Len(t, next.Vectors, 2)
	assert.Equal(t, "dv/1-2", next.Vectors[0].Name)
	assert.Equal(t, "dv/3-2", next.Vectors[1].Name)
	assert.Len(t, parent.Vectors, 2, "parent is unchanged")
	assert.Equal(t, "dv/1-1", parent.Vectors[0].Name)
}
