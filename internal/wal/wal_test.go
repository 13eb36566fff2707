package wal

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hupe1980/cdclake/internal/fs"
	"github.com/hupe1980/cdclake/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvents() []model.Event {
	k1, _ := model.EncodeKey(model.Int(1))
	return []model.Event{
		{Op: model.OpInsert, Key: k1, Row: model.Row{model.Int(1), model.String("a"), model.Null()}, LSN: 10},
		{Op: model.OpUpdate, Key: k1, Row: model.Row{model.Int(1), model.String("b"), model.Bytes([]byte{0, 1})}, LSN: 11},
		model.Commit(12),
		model.Delete(13, k1).InXact(7),
		{Op: model.OpStreamAbort, LSN: 14, Xact: 7},
	}
}

func collect(t *testing.T, w *WAL) []model.Event {
	t.Helper()
	var got []model.Event
	require.NoError(t, w.Replay(func(ev model.Event) error {
		got = append(got, ev)
		return nil
	}))
	return got
}

func TestWAL_AppendReplay(t *testing.T) {
	dir := t.TempDir()

	// 1. Write events
	w, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	events := testEvents()
	require.NoError(t, w.Append(events[:2]...))
	require.NoError(t, w.Append(events[2:]...))
	assert.Equal(t, model.LSN(14), w.DurableLSN())
	require.NoError(t, w.Close())

	// 2. Reopen and replay
	w2, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	got := collect(t, w2)
	require.Len(t, got, len(events))
	for i := range events {
		assert.Equal(t, events[i].Op, got[i].Op)
		assert.Equal(t, events[i].LSN, got[i].LSN)
		assert.Equal(t, events[i].Xact, got[i].Xact)
		assert.Equal(t, events[i].Key, got[i].Key)
		assert.True(t, events[i].Row.Equal(got[i].Row), "event %d row", i)
	}
	assert.Equal(t, model.LSN(14), w2.LastLSN())
	assert.Len(t, w2.Files(), 2)
}

func TestWAL_TornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(testEvents()...))
	require.NoError(t, w.Close())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	path := filepath.Join(dir, files[0].Name())
	st, err := os.Stat(path)
	require.NoError(t, err)
	// Cut the last record in half.
	require.NoError(t, os.Truncate(path, st.Size()-3))

	w2, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	got := collect(t, w2)
	require.Len(t, got, 4)
	assert.Equal(t, model.LSN(13), got[3].LSN)

	// New appends land after the trimmed tail and survive another reopen.
	require.NoError(t, w2.Append(model.Commit(20)))
	require.NoError(t, w2.Close())

	w3, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer w3.Close()
	got = collect(t, w3)
	require.Len(t, got, 5)
	assert.Equal(t, model.LSN(20), got[4].LSN)
}

func TestWAL_CorruptSealedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(testEvents()...))
	require.NoError(t, w.Close())

	// A second session leaves a newer file so the first is no longer the tail.
	w2, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w2.Append(model.Commit(30)))
	require.NoError(t, w2.Close())

	path := filepath.Join(dir, fileName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[walHeaderSize+10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(nil, dir, DefaultOptions())
	require.ErrorIs(t, err, ErrInvalidCRC)
}

func TestWAL_RotateAndTruncate(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, Options{Durability: DurabilitySync, FileSize: 64})
	require.NoError(t, err)
	defer w.Close()

	for lsn := model.LSN(1); lsn <= 10; lsn++ {
		require.NoError(t, w.Append(model.Commit(lsn)))
	}
	files := w.Files()
	require.Greater(t, len(files), 2)
	for i := 1; i < len(files); i++ {
		assert.Greater(t, files[i].Seq, files[i-1].Seq)
	}

	n, err := w.Truncate(5)
	require.NoError(t, err)
	assert.Positive(t, n)

	got := collect(t, w)
	require.NotEmpty(t, got)
	// Only whole files go; anything above the cut point is kept.
	assert.LessOrEqual(t, got[0].LSN, model.LSN(6))
	assert.Equal(t, model.LSN(10), got[len(got)-1].LSN)

	// Truncating past the last event rotates the active file away.
	_, err = w.Truncate(10)
	require.NoError(t, err)
	assert.Empty(t, collect(t, w))
	require.NoError(t, w.Append(model.Commit(11)))
	got = collect(t, w)
	require.Len(t, got, 1)
	assert.Equal(t, model.LSN(11), got[0].LSN)
}

func TestWAL_SyncFailureIsSticky(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	w, err := Open(ffs, dir, DefaultOptions())
	require.NoError(t, err)

	ffs.AddRule(fileSuffix, fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	require.Error(t, w.Append(model.Commit(1)))
	require.Error(t, w.Append(model.Commit(2)))
	assert.Equal(t, model.LSN(0), w.DurableLSN())

	ffs.ClearRules()
	_ = w.Close()
}

func TestWAL_Async(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, Options{Durability: DurabilityAsync})
	require.NoError(t, err)
	require.NoError(t, w.Append(model.Commit(5)))
	assert.Equal(t, model.LSN(0), w.DurableLSN())
	require.NoError(t, w.Sync())
	assert.Equal(t, model.LSN(5), w.DurableLSN())
	require.NoError(t, w.Close())
}

func TestWAL_GroupCommit(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, w.Append(model.Commit(model.LSN(g*100+i+1))))
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	w2, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()
	assert.Len(t, collect(t, w2), 200)
	assert.Equal(t, model.LSN(725), w2.LastLSN())
}

func TestWAL_CloseTwice(t *testing.T) {
	w, err := Open(nil, t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Close(), os.ErrClosed)
	require.ErrorIs(t, w.Append(model.Commit(1)), os.ErrClosed)
}
