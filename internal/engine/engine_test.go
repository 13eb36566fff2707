package engine_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/engine"
	"github.com/hupe1980/cdclake/internal/flush"
	"github.com/hupe1980/cdclake/internal/retry"
	"github.com/hupe1980/cdclake/model"
)

var testSchema = model.Schema{
	Columns: []model.Column{
		{Name: "id", Kind: model.KindInt},
		{Name: "name", Kind: model.KindString, Nullable: true},
	},
	PrimaryKey: []int{0},
}

func row(id int64, name string) model.Row {
	return model.Row{model.Int(id), model.String(name)}
}

func key(t *testing.T, id int64) model.Key {
	t.Helper()
	k, err := testSchema.KeyOf(row(id, ""))
	require.NoError(t, err)
	return k
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 0, BackoffFactor: 1}
}

func openTable(t *testing.T, dir string, opts ...engine.Option) *engine.Table {
	t.Helper()
	base := []engine.Option{
		engine.WithSnapshotInterval(10 * time.Millisecond),
		engine.WithForcedSnapshotInterval(0),
		engine.WithRetryPolicy(fastRetry()),
	}
	tbl, err := engine.Open(dir, testSchema, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func name(t *testing.T, tbl *engine.Table, asOf model.LSN, id int64) (string, bool) {
	t.Helper()
	r, err := tbl.Read(asOf)
	require.NoError(t, err)
	defer r.Close()
	got, ok := r.Get(key(t, id))
	if !ok {
		return "", false
	}
	return got[1].S, true
}

func count(t *testing.T, tbl *engine.Table, asOf model.LSN) int {
	t.Helper()
	r, err := tbl.Read(asOf)
	require.NoError(t, err)
	defer r.Close()
	return r.Count()
}

func TestApplyAndRead(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir())

	require.NoError(t, tbl.Apply(ctx,
		model.Insert(1, row(1, "a")),
		model.Insert(2, row(2, "b")),
		model.Commit(3),
	))

	assert.Equal(t, 2, count(t, tbl, engine.Latest))
	got, ok := name(t, tbl, engine.Latest, 2)
	require.True(t, ok)
	assert.Equal(t, "b", got)

	r, err := tbl.Read(engine.Latest)
	require.NoError(t, err)
	assert.Equal(t, model.LSN(3), r.LSN())
	r.Close()
	r.Close()
}

func TestUncommittedChangesAreInvisible(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir())

	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "a")), model.Commit(2)))
	require.NoError(t, tbl.Apply(ctx, model.Insert(3, row(2, "b"))))

	assert.Equal(t, 1, count(t, tbl, engine.Latest))
	_, ok := name(t, tbl, engine.Latest, 2)
	assert.False(t, ok)

	require.NoError(t, tbl.Apply(ctx, model.Commit(4)))
	assert.Equal(t, 2, count(t, tbl, engine.Latest))
}

func TestSingleLiveRowPerKey(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir(), engine.WithMergeRatio(0))

	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "v1")), model.Commit(2)))
	require.NoError(t, tbl.Flush(ctx))
	require.NoError(t, tbl.Apply(ctx, model.Update(3, row(1, "v2")), model.Commit(4)))
	require.NoError(t, tbl.Apply(ctx, model.Update(5, row(1, "v3")), model.Commit(6)))

	for _, flushFirst := range []bool{false, true} {
		if flushFirst {
			require.NoError(t, tbl.Flush(ctx))
		}
		assert.Equal(t, 1, count(t, tbl, engine.Latest))
		got, ok := name(t, tbl, engine.Latest, 1)
		require.True(t, ok)
		assert.Equal(t, "v3", got)
	}
}

func TestAsOfReads(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir(), engine.WithMergeRatio(0))

	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "old")), model.Commit(2)))
	require.NoError(t, tbl.Flush(ctx))
	require.NoError(t, tbl.Apply(ctx, model.Update(3, row(1, "new")), model.Commit(4)))
	require.NoError(t, tbl.Apply(ctx, model.Delete(5, key(t, 1)), model.Insert(6, row(2, "x")), model.Commit(7)))

	check := func() {
		got, ok := name(t, tbl, 2, 1)
		require.True(t, ok)
		assert.Equal(t, "old", got)

		got, ok = name(t, tbl, 4, 1)
		require.True(t, ok)
		assert.Equal(t, "new", got)

		_, ok = name(t, tbl, 7, 1)
		assert.False(t, ok)
		assert.Equal(t, 1, count(t, tbl, 7))
		assert.Equal(t, 0, count(t, tbl, 0))
	}
	check()

	// Flushing drops the row invalidated in the buffer at 5 from its file,
	// so older positions can no longer be answered.
	require.NoError(t, tbl.Flush(ctx))
	_, err := tbl.Read(4)
	assert.ErrorIs(t, err, engine.ErrStaleRead)
	st, err := tbl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LSN(5), st.ReadFloor)
	assert.Equal(t, 1, count(t, tbl, 7))
	_, ok := name(t, tbl, 5, 1)
	assert.False(t, ok)
}

func TestDeleteWritesVectorOnly(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir(), engine.WithMergeRatio(0))

	require.NoError(t, tbl.Apply(ctx,
		model.Insert(1, row(1, "a")),
		model.Insert(2, row(2, "b")),
		model.Insert(3, row(3, "c")),
		model.Commit(4),
	))
	require.NoError(t, tbl.Flush(ctx))
	before := tbl.Snapshots().Current().Manifest
	require.Len(t, before.Files, 1)
	require.Empty(t, before.Vectors)

	require.NoError(t, tbl.Apply(ctx, model.Delete(5, key(t, 2)), model.Commit(6)))
	require.NoError(t, tbl.Flush(ctx))

	after := tbl.Snapshots().Current().Manifest
	require.Len(t, after.Files, 1)
	assert.Equal(t, before.Files[0], after.Files[0], "data file must not be rewritten")
	require.Len(t, after.Vectors, 1)
	assert.Equal(t, uint64(1), after.Vectors[0].Cardinality)
	assert.Equal(t, uint64(1), after.Deleted())
	assert.Equal(t, model.LSN(6), after.FlushLSN)

	assert.Equal(t, 2, count(t, tbl, engine.Latest))
	_, ok := name(t, tbl, engine.Latest, 2)
	assert.False(t, ok)
	got, ok := name(t, tbl, 4, 2)
	require.True(t, ok)
	assert.Equal(t, "b", got)
}

func TestScenarioDeleteBeforeAndAfterFlush(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir(), engine.WithMergeRatio(0))

	require.NoError(t, tbl.Apply(ctx,
		model.Insert(1, row(1, "a")),
		model.Insert(2, row(2, "b")),
		model.Delete(3, key(t, 1)),
		model.Commit(4),
	))
	// Key 1 is gone before any snapshot is published.
	_, ok := name(t, tbl, engine.Latest, 1)
	assert.False(t, ok)
	assert.Equal(t, 1, count(t, tbl, engine.Latest))

	require.NoError(t, tbl.Flush(ctx))
	flushed := tbl.Snapshots().Current().Manifest
	require.Len(t, flushed.Files, 1)
	assert.Equal(t, uint32(1), flushed.Files[0].Rows, "the deleted row is never written")
	assert.Empty(t, flushed.Vectors)

	require.NoError(t, tbl.Apply(ctx, model.Delete(5, key(t, 2)), model.Commit(6)))
	require.NoError(t, tbl.Compact(ctx))

	m := tbl.Snapshots().Current().Manifest
	require.Len(t, m.Files, 1)
	assert.Equal(t, flushed.Files[0], m.Files[0])
	require.Len(t, m.Vectors, 1)
	assert.Equal(t, m.Files[0].ID, m.Vectors[0].File)
	assert.Equal(t, uint64(1), m.Vectors[0].Cardinality)
	assert.Equal(t, 0, count(t, tbl, engine.Latest))
}

func TestScenarioUpdateBeforeSeal(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir())

	require.NoError(t, tbl.Apply(ctx,
		model.Insert(5, row(1, "v5")),
		model.Update(6, row(1, "v6")),
		model.Commit(7),
	))
	require.NoError(t, tbl.Flush(ctx))

	assert.Equal(t, 1, count(t, tbl, engine.Latest))
	got, ok := name(t, tbl, engine.Latest, 1)
	require.True(t, ok)
	assert.Equal(t, "v6", got)

	m := tbl.Snapshots().Current().Manifest
	require.Len(t, m.Files, 1)
	assert.Equal(t, uint32(1), m.Files[0].Rows, "the superseded row is never materialized")
	assert.Empty(t, m.Vectors)
}

func TestStatusReportsPendingDeletionsPerFile(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir(), engine.WithVectorThreshold(1000), engine.WithMergeRatio(0))

	require.NoError(t, tbl.Apply(ctx,
		model.Insert(1, row(1, "a")),
		model.Insert(2, row(2, "b")),
		model.Commit(3),
	))
	require.NoError(t, tbl.Flush(ctx))
	file := tbl.Snapshots().Current().Manifest.Files[0].ID

	require.NoError(t, tbl.Apply(ctx, model.Delete(4, key(t, 1)), model.Commit(5)))
	st, err := tbl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, map[model.FileID]int{file: 1}, st.PendingByFile)
	assert.Equal(t, model.LSN(4), st.OldestPending)

	require.NoError(t, tbl.Flush(ctx))
	st, err = tbl.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Empty(t, st.PendingByFile)
	assert.Zero(t, st.OldestPending)
}

func TestRecoveryReplaysLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tbl, err := engine.Open(dir, testSchema, engine.WithForcedSnapshotInterval(0))
	require.NoError(t, err)
	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "a")), model.Commit(2)))
	require.NoError(t, tbl.Flush(ctx))
	require.NoError(t, tbl.Apply(ctx,
		model.Update(3, row(1, "b")),
		model.Insert(4, row(2, "c")),
		model.Commit(5),
		model.Insert(6, row(3, "uncommitted")),
	))
	require.NoError(t, tbl.Close())

	tbl = openTable(t, dir)
	assert.Equal(t, model.LSN(2), tbl.Checkpoint())
	assert.Equal(t, model.LSN(6), tbl.ResumeLSN())
	assert.Nil(t, tbl.Gap())
	assert.Equal(t, 2, count(t, tbl, engine.Latest))
	got, ok := name(t, tbl, engine.Latest, 1)
	require.True(t, ok)
	assert.Equal(t, "b", got)

	require.NoError(t, tbl.Apply(ctx, model.Commit(7)))
	assert.Equal(t, 3, count(t, tbl, engine.Latest))
}

func TestRedeliveryAfterRestartIsDiscarded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	events := []model.Event{
		model.Insert(1, row(1, "a")),
		model.Insert(2, row(2, "b")),
		model.Commit(3),
	}

	tbl, err := engine.Open(dir, testSchema)
	require.NoError(t, err)
	require.NoError(t, tbl.Apply(ctx, events...))
	require.NoError(t, tbl.Close())

	tbl = openTable(t, dir)
	require.NoError(t, tbl.Apply(ctx, events...))
	require.NoError(t, tbl.Apply(ctx, model.Update(4, row(1, "z")), model.Commit(5)))

	st, err := tbl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Discarded)
	assert.Equal(t, 2, count(t, tbl, engine.Latest))
	got, _ := name(t, tbl, engine.Latest, 1)
	assert.Equal(t, "z", got)
}

func TestOutOfOrderEventRejected(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir())

	require.NoError(t, tbl.Apply(ctx, model.Insert(5, row(1, "a"))))
	err := tbl.Apply(ctx, model.Insert(3, row(2, "b")))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
	assert.ErrorIs(t, err, engine.ErrOutOfOrder)

	err = tbl.Apply(ctx, model.Insert(6, model.Row{model.String("bad"), model.Null()}))
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
}

func TestStreamedTransactions(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir())

	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "main")), model.Commit(2)))
	require.NoError(t, tbl.Apply(ctx,
		model.Insert(3, row(2, "s1")).InXact(7),
		model.Insert(4, row(3, "s2")).InXact(7),
		model.Event{Op: model.OpStreamFlush, LSN: 4, Xact: 7},
	))
	assert.Equal(t, 1, count(t, tbl, engine.Latest))

	require.NoError(t, tbl.Apply(ctx, model.Insert(5, row(4, "main2")), model.Commit(6)))
	assert.Equal(t, 2, count(t, tbl, engine.Latest))

	require.NoError(t, tbl.Apply(ctx, model.Commit(8).InXact(7)))
	assert.Equal(t, 4, count(t, tbl, engine.Latest))
	_, ok := name(t, tbl, 6, 2)
	assert.False(t, ok, "streamed rows become visible at their commit")
	_, ok = name(t, tbl, 8, 2)
	assert.True(t, ok)

	require.NoError(t, tbl.Apply(ctx,
		model.Insert(9, row(5, "aborted")).InXact(9),
		model.Event{Op: model.OpStreamAbort, LSN: 10, Xact: 9},
		model.Commit(11),
	))
	assert.Equal(t, 4, count(t, tbl, engine.Latest))

	st, err := tbl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.OpenStreams)
}

func TestOpenStreamSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tbl, err := engine.Open(dir, testSchema)
	require.NoError(t, err)
	require.NoError(t, tbl.Apply(ctx,
		model.Insert(1, row(1, "s")).InXact(3),
		model.Insert(2, row(2, "main")),
		model.Commit(3),
	))
	require.NoError(t, tbl.Flush(ctx))
	require.NoError(t, tbl.Close())

	tbl = openTable(t, dir)
	st, err := tbl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.OpenStreams)

	// The source resends the stream from its start.
	require.NoError(t, tbl.Apply(ctx,
		model.Insert(1, row(1, "s")).InXact(3),
		model.Commit(4).InXact(3),
	))
	assert.Equal(t, 2, count(t, tbl, engine.Latest))
}

func TestForceSnapshot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tbl := openTable(t, t.TempDir())

	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "a")), model.Commit(2)))
	require.NoError(t, tbl.Apply(ctx, model.Insert(3, row(2, "b")), model.Commit(4)))

	var (
		wg   sync.WaitGroup
		errs = make([]error, 3)
	)
	for i, lsn := range []model.LSN{2, 4, 6} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = tbl.ForceSnapshot(ctx, lsn)
		}()
	}
	require.Eventually(t, func() bool {
		st, err := tbl.Status(ctx)
		return err == nil && st.Checkpoint >= 4
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, tbl.Apply(ctx, model.Insert(5, row(3, "c")), model.Commit(6)))
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, model.LSN(6), tbl.Checkpoint())
	assert.Equal(t, model.LSN(6), tbl.Snapshots().Current().Manifest.FlushLSN)
}

func TestForceSnapshotContextCanceled(t *testing.T) {
	tbl := openTable(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tbl.ForceSnapshot(ctx, 100)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPeriodicSnapshot(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir(), engine.WithForcedSnapshotInterval(30*time.Millisecond))

	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "a")), model.Commit(2)))
	require.Eventually(t, func() bool { return tbl.Checkpoint() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestSizeThresholdSeals(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir(), engine.WithSealThreshold(2, 0))

	require.NoError(t, tbl.Apply(ctx,
		model.Insert(1, row(1, "a")),
		model.Insert(2, row(2, "b")),
		model.Commit(3),
	))
	require.Eventually(t, func() bool { return tbl.Checkpoint() == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, tbl.Snapshots().Current().Manifest.Files, 1)
}

// flakyStore fails the first n data-file writes.
type flakyStore struct {
	blobstore.BlobStore
	failures atomic.Int32
}

func (s *flakyStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if strings.HasPrefix(name, flush.Dir) && s.failures.Add(-1) >= 0 {
		return nil, errors.New("injected write failure")
	}
	return s.BlobStore.Create(ctx, name)
}

func TestFlushRetriesAfterFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := &flakyStore{BlobStore: blobstore.NewMemoryStore()}
	store.failures.Store(2)
	tbl := openTable(t, t.TempDir(), engine.WithBlobStore(store))

	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "a")), model.Commit(2)))
	require.NoError(t, tbl.Flush(ctx))
	assert.Equal(t, model.LSN(2), tbl.Checkpoint())

	st, err := tbl.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "injected write failure")
	assert.Equal(t, 1, st.Files)
}

// stuckStore never completes a data-file write.
type stuckStore struct {
	blobstore.BlobStore
}

func (s *stuckStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if strings.HasPrefix(name, flush.Dir) {
		return nil, errors.New("store unavailable")
	}
	return s.BlobStore.Create(ctx, name)
}

func TestBackpressure(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir(),
		engine.WithBlobStore(&stuckStore{BlobStore: blobstore.NewMemoryStore()}),
		engine.WithSealThreshold(1, 0),
		engine.WithMaxSealedSegments(1),
	)

	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "a")), model.Commit(2)))
	require.NoError(t, tbl.Apply(ctx, model.Insert(3, row(2, "b")), model.Commit(4)))

	require.Eventually(t, func() bool {
		st, err := tbl.Status(ctx)
		return err == nil && st.Throttled
	}, 5*time.Second, 5*time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := tbl.Apply(short, model.Insert(5, row(3, "c")))
	assert.ErrorIs(t, err, engine.ErrBackpressure)

	// Reads keep working while intake is paused.
	assert.Equal(t, 2, count(t, tbl, engine.Latest))
}

// corruptingStore damages every data file it writes.
type corruptingStore struct {
	blobstore.BlobStore
}

type corruptingBlob struct {
	blobstore.WritableBlob
}

func (b corruptingBlob) Write(p []byte) (int, error) {
	q := append([]byte(nil), p...)
	if len(q) > 0 {
		q[len(q)-1] ^= 0xff
	}
	return b.WritableBlob.Write(q)
}

func (s *corruptingStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	wb, err := s.BlobStore.Create(ctx, name)
	if err != nil || !strings.HasPrefix(name, flush.Dir) {
		return wb, err
	}
	return corruptingBlob{wb}, nil
}

func TestCorruptFlushQuarantinesSegment(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tbl := openTable(t, t.TempDir(), engine.WithBlobStore(&corruptingStore{BlobStore: blobstore.NewMemoryStore()}))

	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "a")), model.Commit(2)))
	err := tbl.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrCorrupt)

	var oe *engine.ObjectError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "segment", oe.Kind)

	st, err := tbl.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Quarantined, 1)
	assert.Equal(t, model.LSN(0), st.Checkpoint)

	// The quarantined rows are still served from memory.
	got, ok := name(t, tbl, engine.Latest, 1)
	require.True(t, ok)
	assert.Equal(t, "a", got)
}

func TestCompactMergesFiles(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tbl := openTable(t, t.TempDir(), engine.WithMergeRatio(0.5))

	var events []model.Event
	for i := int64(1); i <= 10; i++ {
		events = append(events, model.Insert(model.LSN(i), row(i, "v")))
	}
	events = append(events, model.Commit(11))
	require.NoError(t, tbl.Apply(ctx, events...))
	require.NoError(t, tbl.Flush(ctx))
	original := tbl.Snapshots().Current().Manifest.Files[0]

	events = events[:0]
	for i := int64(1); i <= 6; i++ {
		events = append(events, model.Delete(model.LSN(11+i), key(t, i)))
	}
	events = append(events, model.Commit(18))
	require.NoError(t, tbl.Apply(ctx, events...))
	require.NoError(t, tbl.Flush(ctx))
	require.NoError(t, tbl.Compact(ctx))

	m := tbl.Snapshots().Current().Manifest
	require.Len(t, m.Files, 1)
	assert.NotEqual(t, original.ID, m.Files[0].ID)
	assert.Equal(t, uint32(4), m.Files[0].Rows)
	assert.Empty(t, m.Vectors)
	assert.Equal(t, model.LSN(17), m.ReadFloor)

	assert.Equal(t, 4, count(t, tbl, engine.Latest))
	got, ok := name(t, tbl, engine.Latest, 8)
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, err := tbl.Read(11)
	assert.ErrorIs(t, err, engine.ErrStaleRead)

	// Later changes land on the merged rows.
	require.NoError(t, tbl.Apply(ctx, model.Delete(19, key(t, 8)), model.Commit(20)))
	require.NoError(t, tbl.Flush(ctx))
	assert.Equal(t, 3, count(t, tbl, engine.Latest))
}

func TestRecoveryGapWithoutWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tbl, err := engine.Open(dir, testSchema, engine.WithoutWAL())
	require.NoError(t, err)
	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "a")), model.Commit(2)))
	require.NoError(t, tbl.Close())

	_, err = engine.Open(dir, testSchema, engine.WithoutWAL(), engine.WithStrictRecovery())
	require.ErrorIs(t, err, engine.ErrRecoveryGap)

	tbl = openTable(t, dir, engine.WithoutWAL())
	gap := tbl.Gap()
	require.NotNil(t, gap)
	assert.Equal(t, model.LSN(1), gap.From)
	assert.Equal(t, model.LSN(2), gap.To)

	st, err := tbl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, gap, st.Gap)
	assert.Equal(t, 0, count(t, tbl, engine.Latest))
}

func TestCloseAndDrop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tbl, err := engine.Open(dir, testSchema)
	require.NoError(t, err)
	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "a")), model.Commit(2)))
	require.NoError(t, tbl.Flush(ctx))
	require.NoError(t, tbl.Close())
	assert.ErrorIs(t, tbl.Close(), engine.ErrClosed)
	assert.ErrorIs(t, tbl.Apply(ctx, model.Commit(3)), engine.ErrClosed)

	tbl, err = engine.Open(dir, testSchema)
	require.NoError(t, err)
	require.NoError(t, tbl.Drop(ctx))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, tbl.Apply(ctx, model.Commit(3)), engine.ErrTableDropped)
	_, err = tbl.Read(engine.Latest)
	assert.ErrorIs(t, err, engine.ErrTableDropped)
}

func TestOpenLocksDirectory(t *testing.T) {
	dir := t.TempDir()
	openTable(t, dir)
	_, err := engine.Open(dir, testSchema)
	assert.Error(t, err)
}

func TestVacuumKeepsPinnedSnapshots(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, t.TempDir(), engine.WithRetainedManifests(1), engine.WithMergeRatio(0))

	require.NoError(t, tbl.Apply(ctx, model.Insert(1, row(1, "a")), model.Commit(2)))
	require.NoError(t, tbl.Flush(ctx))
	r, err := tbl.Read(engine.Latest)
	require.NoError(t, err)
	pinned := r.Seq()

	require.NoError(t, tbl.Apply(ctx, model.Insert(3, row(2, "b")), model.Commit(4)))
	require.NoError(t, tbl.Flush(ctx))
	_, err = tbl.Vacuum(ctx)
	require.NoError(t, err)

	inHistory := func() bool {
		for _, s := range tbl.Snapshots().History() {
			if s.Seq() == pinned {
				return true
			}
		}
		return false
	}
	assert.True(t, inHistory(), "a pinned snapshot must survive vacuum")
	assert.Equal(t, 1, r.Count())

	r.Close()
	_, err = tbl.Vacuum(ctx)
	require.NoError(t, err)
	assert.False(t, inHistory())
	assert.Equal(t, 2, count(t, tbl, engine.Latest))
}
