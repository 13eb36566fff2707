package engine_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/engine"
	"github.com/hupe1980/cdclake/model"
)

var errCrashed = errors.New("injected crash")

// crashStore lets the first n writes through and fails every write after
// that, as if the process died at that point. With landed set, the write
// that crosses the limit reaches the inner store before the error is
// returned.
type crashStore struct {
	blobstore.BlobStore
	landed bool

	mu     sync.Mutex
	n      int
	writes []string
}

// admit counts a write and reports whether it reaches the inner store
// and whether the caller sees an error.
func (s *crashStore) admit(name string) (write bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes = append(s.writes, name)
	switch {
	case len(s.writes) <= s.n:
		return true, nil
	case len(s.writes) == s.n+1 && s.landed:
		return true, errCrashed
	default:
		return false, errCrashed
	}
}

func (s *crashStore) Put(ctx context.Context, name string, data []byte) error {
	write, err := s.admit(name)
	if write {
		if perr := s.BlobStore.Put(ctx, name, data); perr != nil {
			return perr
		}
	}
	return err
}

func (s *crashStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	write, err := s.admit(name)
	if !write {
		return nil, err
	}
	w, cerr := s.BlobStore.Create(ctx, name)
	if cerr != nil {
		return nil, cerr
	}
	return &crashBlob{WritableBlob: w, err: err}, nil
}

// crashBlob reports err from Close after the inner blob was committed.
type crashBlob struct {
	blobstore.WritableBlob
	err error
}

func (b *crashBlob) Close() error {
	if err := b.WritableBlob.Close(); err != nil {
		return err
	}
	return b.err
}

func ids(t *testing.T, tbl *engine.Table) []int64 {
	t.Helper()
	r, err := tbl.Read(engine.Latest)
	require.NoError(t, err)
	defer r.Close()

	var out []int64
	for _, vals := range r.Rows() {
		out = append(out, vals[0].I64)
	}
	slices.Sort(out)
	return out
}

// TestCrashDuringCommitRecoversWholeSnapshot kills the storage after each
// write of a flush (data file, deletion vector, manifest, commit pointer)
// and checks that a restart sees either the previous snapshot or the new
// one, never a mix.
func TestCrashDuringCommitRecoversWholeSnapshot(t *testing.T) {
	pre := []int64{1, 2, 3}
	post := []int64{1, 3, 4}

	for _, landed := range []bool{false, true} {
		for n := 0; n <= 8; n++ {
			t.Run(fmt.Sprintf("landed=%v/after=%d", landed, n), func(t *testing.T) {
				ctx := context.Background()
				dir := t.TempDir()
				mem := blobstore.NewMemoryStore()
				opts := []engine.Option{
					engine.WithoutWAL(),
					engine.WithMergeRatio(0),
					engine.WithSnapshotInterval(10 * time.Millisecond),
					engine.WithForcedSnapshotInterval(0),
					engine.WithRetryPolicy(fastRetry()),
				}

				// 1. Committed baseline.
				tbl, err := engine.Open(dir, testSchema, append(opts, engine.WithBlobStore(mem))...)
				require.NoError(t, err)
				require.NoError(t, tbl.Apply(ctx,
					model.Insert(1, row(1, "a")),
					model.Insert(2, row(2, "b")),
					model.Insert(3, row(3, "c")),
					model.Commit(4),
				))
				require.NoError(t, tbl.Flush(ctx))
				require.NoError(t, tbl.Close())

				// 2. A flush that writes a new file, a vector, a manifest and
				// the pointer, with storage dying after n writes.
				store := &crashStore{BlobStore: mem, n: n, landed: landed}
				tbl, err = engine.Open(dir, testSchema, append(opts, engine.WithBlobStore(store))...)
				require.NoError(t, err)
				require.NoError(t, tbl.Apply(ctx,
					model.Delete(5, key(t, 2)),
					model.Insert(6, row(4, "d")),
					model.Commit(7),
				))
				fctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
				_ = tbl.Flush(fctx)
				cancel()
				require.NoError(t, tbl.Close())

				// 3. Restart on healthy storage.
				tbl = openTable(t, dir, append(opts, engine.WithBlobStore(mem))...)
				got := ids(t, tbl)
				if !slices.Equal(got, pre) && !slices.Equal(got, post) {
					t.Fatalf("recovered %v after writes %v, want %v or %v", got, store.writes, pre, post)
				}

				switch {
				case n == 0:
					assert.Equal(t, pre, got, "nothing of the new snapshot reached storage")
				case n >= len(store.writes):
					assert.Equal(t, post, got, "every write succeeded")
				}
			})
		}
	}
}
