package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/cdclake/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreContract(t *testing.T, s BlobStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Open(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Put(ctx, "manifest/MANIFEST-000001.bin", []byte("m1")))

	w, err := s.Create(ctx, "data/00000000000000000001.cdf")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := Get(ctx, s, "data/00000000000000000001.cdf")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	b, err := s.Open(ctx, "data/00000000000000000001.cdf")
	require.NoError(t, err)
	p := make([]byte, 5)
	n, err := b.ReadAt(ctx, p, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(p))
	_, err = b.ReadAt(ctx, p, 100)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, b.Close())

	aborted, err := s.Create(ctx, "data/aborted.cdf")
	require.NoError(t, err)
	_, _ = aborted.Write([]byte("partial"))
	require.NoError(t, aborted.Abort())
	_, err = s.Open(ctx, "data/aborted.cdf")
	assert.True(t, errors.Is(err, ErrNotFound))

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"data/00000000000000000001.cdf", "manifest/MANIFEST-000001.bin"}, names)

	names, err = s.List(ctx, "manifest/")
	require.NoError(t, err)
	assert.Equal(t, []string{"manifest/MANIFEST-000001.bin"}, names)

	require.NoError(t, s.Delete(ctx, "manifest/MANIFEST-000001.bin"))
	require.NoError(t, s.Delete(ctx, "manifest/MANIFEST-000001.bin"))
	names, err = s.List(ctx, "manifest/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_Contract(t *testing.T) {
	testStoreContract(t, NewLocalStore(t.TempDir(), nil))
}

func TestMemoryStore_Contract(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestLocalStore_CreateNotVisibleUntilClose(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewLocalStore(root, nil)

	w, err := s.Create(ctx, "data/x.cdf")
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)

	_, err = s.Open(ctx, "data/x.cdf")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, w.Close())
	_, err = os.Stat(filepath.Join(root, "data", "x.cdf"))
	assert.NoError(t, err)
}

func TestLocalStore_FailedRenameLeavesNoBlob(t *testing.T) {
	ctx := context.Background()
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("x.cdf", fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	s := NewLocalStore(t.TempDir(), ffs)

	w, err := s.Create(ctx, "data/x.cdf")
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	assert.ErrorIs(t, w.Close(), fs.ErrInjected)

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPointerCommitStore(t *testing.T) {
	ctx := context.Background()
	c := NewPointerCommitStore(NewMemoryStore())

	seq, name, err := c.Current(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Empty(t, name)

	require.NoError(t, c.Swap(ctx, 0, 1, "manifest/MANIFEST-000001-a.bin"))
	assert.ErrorIs(t, c.Swap(ctx, 0, 1, "manifest/MANIFEST-000001-b.bin"), ErrConflict)
	require.NoError(t, c.Swap(ctx, 1, 2, "manifest/MANIFEST-000002-c.bin"))

	seq, name, err = c.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, "manifest/MANIFEST-000002-c.bin", name)
}

func TestParsePointer_Malformed(t *testing.T) {
	_, _, err := ParsePointer([]byte("garbage"))
	assert.Error(t, err)
	_, _, err = ParsePointer([]byte("x name"))
	assert.Error(t, err)
}
