package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/buffer"
	"github.com/hupe1980/cdclake/internal/compact"
	"github.com/hupe1980/cdclake/internal/flush"
	"github.com/hupe1980/cdclake/internal/fs"
	"github.com/hupe1980/cdclake/internal/metastore"
	"github.com/hupe1980/cdclake/internal/recovery"
	"github.com/hupe1980/cdclake/internal/resource"
	"github.com/hupe1980/cdclake/internal/snapshot"
	"github.com/hupe1980/cdclake/internal/wal"
	"github.com/hupe1980/cdclake/model"
)

// Latest reads at the newest committed LSN.
const Latest model.LSN = math.MaxUint64

const (
	// StoreDir is the directory of the default local storage root.
	StoreDir = "table"
	// WALDir is the directory of the write-ahead log.
	WALDir = "wal"
)

// Table is one table fed by a change stream.
//
// A single writer goroutine applies events, seals segments and publishes
// read views. Flushes, snapshot commits and data-file merges run on their
// own workers and report back to the writer.
type Table struct {
	cfg    config
	dir    string
	schema model.Schema

	lock      *fs.DirLock
	meta      *metastore.Store
	blobs     blobstore.BlobStore
	wal       *wal.WAL
	snaps     *snapshot.Manager
	flusher   *flush.Flusher
	compactor *compact.Compactor
	rc        *resource.Controller

	view       atomic.Pointer[View]
	checkpoint atomic.Uint64
	gap        *recovery.Gap

	ctx    context.Context
	cancel context.CancelFunc

	eventCh    chan *batch
	reqCh      chan request
	flushCh    chan *buffer.Segment
	flushDone  chan flushOutcome
	commitCh   chan *commitJob
	commitDone chan commitOutcome
	mergeCh    chan mergeJob
	mergeDone  chan mergeOutcome
	closeCh    chan struct{}
	writerDone chan struct{}

	wg       sync.WaitGroup
	closed   atomic.Bool
	dropped  atomic.Bool
	shutdown sync.Once

	w *writer
}

type batch struct {
	events []model.Event
	reply  chan applyResult
}

type applyResult struct {
	offset int64
	err    error
}

// Open opens or creates the table rooted at dir.
//
// dir holds the write-ahead log, the metadata database and the lock file.
// Data files, deletion vectors and manifests go to the storage root, which
// defaults to a local store under dir.
func Open(dir string, schema model.Schema, opts ...Option) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create table dir: %w", err)
	}
	lock, err := fs.LockDir(dir)
	if err != nil {
		return nil, err
	}

	t := &Table{
		cfg:        cfg,
		dir:        dir,
		schema:     schema,
		lock:       lock,
		eventCh:    make(chan *batch),
		reqCh:      make(chan request),
		flushCh:    make(chan *buffer.Segment, 1),
		flushDone:  make(chan flushOutcome, 1),
		commitCh:   make(chan *commitJob, 1),
		commitDone: make(chan commitOutcome, 1),
		mergeCh:    make(chan mergeJob, 1),
		mergeDone:  make(chan mergeOutcome, 1),
		closeCh:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	cfg.logger = cfg.logger.With("table", filepath.Base(dir))
	t.cfg.logger = cfg.logger

	if err := t.open(); err != nil {
		_ = t.release()
		return nil, err
	}

	t.wg.Add(3)
	go t.runFlushWorker()
	go t.runCommitWorker()
	go t.runMergeWorker()
	go t.run()
	return t, nil
}

func (t *Table) open() error {
	start := time.Now()
	cfg := t.cfg

	meta, err := metastore.Open(t.dir)
	if err != nil {
		return err
	}
	t.meta = meta

	t.rc = cfg.rc
	if t.rc == nil {
		t.rc = resource.NewController(resource.Config{
			BufferSoftLimitBytes: cfg.bufferCap,
			MaxSealedSegments:    int64(cfg.maxSealed),
		})
	}

	t.blobs = cfg.blobs
	if t.blobs == nil {
		t.blobs = blobstore.NewLocalStore(filepath.Join(t.dir, StoreDir), cfg.fsys)
	}
	commits := cfg.commits
	switch {
	case commits != nil:
	case cfg.metaCommits:
		commits = meta.CommitStore()
	default:
		commits = blobstore.NewPointerCommitStore(t.blobs)
	}

	if cfg.walEnabled {
		w, err := wal.Open(cfg.fsys, filepath.Join(t.dir, WALDir), cfg.wal)
		if err != nil {
			return fmt.Errorf("open wal: %w", err)
		}
		t.wal = w
	}

	t.snaps = snapshot.NewManager(t.blobs, commits, snapshot.Options{
		Retain: cfg.retain,
		Retry:  cfg.retry,
		Logger: cfg.logger,
	})
	t.flusher = flush.New(t.blobs, t.schema, flush.Options{
		Codec:      cfg.codec,
		Retry:      cfg.retry,
		Resources:  t.rc,
		Logger:     cfg.logger,
		SkipVerify: cfg.skipVerify,
	})
	t.compactor = compact.New(t.blobs, compact.Options{
		Schema:    t.schema,
		Codec:     cfg.codec,
		Retry:     cfg.retry,
		Resources: t.rc,
		Logger:    cfg.logger,
	})

	progress, err := meta.Progress()
	if err != nil {
		return err
	}
	st, err := recovery.Load(t.ctx, recovery.Options{
		Schema:      t.schema,
		Blobs:       t.blobs,
		Snapshots:   t.snaps,
		WAL:         t.wal,
		LastApplied: progress.LastApplied,
		Logger:      cfg.logger,
	})
	if err != nil {
		return fmt.Errorf("recover table: %w", err)
	}

	for _, c := range st.Corrupt {
		q := metastore.Quarantine{Name: c.Name, Reason: c.Err.Error(), At: time.Now()}
		if err := meta.AddQuarantine(q); err != nil {
			return err
		}
		cfg.logger.Warn("committed object quarantined", "name", c.Name, "error", c.Err)
	}
	if st.Gap != nil {
		if cfg.strictRecovery {
			return &GapError{From: st.Gap.From, To: st.Gap.To}
		}
		t.gap = st.Gap
		cfg.logger.Warn("recovery gap: accepted changes were lost",
			"from", st.Gap.From, "to", st.Gap.To, "checkpoint", st.Checkpoint())
	}

	t.w = newWriter(t, st)
	if err := t.w.replay(st.Replay); err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	if len(st.Corrupt) > 0 {
		c := st.Corrupt[0]
		t.w.setErr(&ObjectError{Kind: "file", Name: c.Name, Err: fmt.Errorf("%w: %w", ErrCorrupt, c.Err)})
	}
	t.w.publish()

	cfg.logger.Info("table recovered",
		"seq", st.Snapshot.Seq(),
		"checkpoint", st.Checkpoint(),
		"files", len(st.Files),
		"keys", st.Index.Len(),
		"replayed", len(st.Replay),
		"removed", len(st.Removed),
		"duration", time.Since(start))
	return nil
}

// Schema returns the table schema.
func (t *Table) Schema() model.Schema { return t.schema }

// Dir returns the table directory.
func (t *Table) Dir() string { return t.dir }

// Gap returns the recovery gap detected at Open, or nil.
func (t *Table) Gap() *recovery.Gap { return t.gap }

// Checkpoint returns the flush LSN of the newest snapshot.
func (t *Table) Checkpoint() model.LSN { return t.checkpoint.Load() }

// ResumeLSN returns the position after which the source must resume. It
// covers the checkpoint and every event the log holds durably.
func (t *Table) ResumeLSN() model.LSN {
	lsn := t.checkpoint.Load()
	if t.wal != nil {
		lsn = max(lsn, t.wal.DurableLSN())
	}
	return lsn
}

// Snapshots returns the snapshot manager.
func (t *Table) Snapshots() *snapshot.Manager { return t.snaps }

// Store returns the storage root.
func (t *Table) Store() blobstore.BlobStore { return t.blobs }

func (t *Table) usable() error {
	switch {
	case t.dropped.Load():
		return ErrTableDropped
	case t.closed.Load():
		return ErrClosed
	}
	return nil
}

// Apply hands events to the writer. Events are applied in order. Apply
// returns ErrBackpressure when ctx expires before the writer accepts the
// batch. With a synchronous log it returns once the events are durable.
func (t *Table) Apply(ctx context.Context, events ...model.Event) error {
	if err := t.usable(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	norm := make([]model.Event, len(events))
	for i, ev := range events {
		n, err := ev.Normalize(t.schema)
		if err != nil {
			return err
		}
		norm[i] = n
	}

	b := &batch{events: norm, reply: make(chan applyResult, 1)}
	select {
	case t.eventCh <- b:
	case <-ctx.Done():
		t.cfg.metrics.OnApply(len(events), time.Since(start), ErrBackpressure)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrBackpressure, ctx.Err())
		}
		return ctx.Err()
	case <-t.closeCh:
		return t.usable()
	}

	res := <-b.reply
	if res.err == nil && t.wal != nil && t.cfg.wal.Durability == wal.DurabilitySync {
		res.err = t.wal.WaitFor(res.offset)
	}
	t.cfg.metrics.OnApply(len(events), time.Since(start), res.err)
	return res.err
}

// Read returns a reader at asOf. Positions above the newest commit read
// at the newest commit; positions below the read floor fail with
// ErrStaleRead.
func (t *Table) Read(asOf model.LSN) (*Reader, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	for {
		v := t.view.Load()
		if asOf < v.readFloor {
			return nil, fmt.Errorf("%w: lsn %d, floor %d", ErrStaleRead, asOf, v.readFloor)
		}
		if !v.snap.TryIncRef() {
			// Superseded and reclaimed between the load and the pin.
			continue
		}
		return &Reader{view: v, asOf: min(asOf, v.frontier)}, nil
	}
}

// Flush seals the buffered rows and waits until a snapshot covers every
// change committed so far.
func (t *Table) Flush(ctx context.Context) error {
	return t.wait(ctx, request{kind: reqFlush})
}

// ForceSnapshot waits until the persisted checkpoint reaches lsn, flushing
// and committing as needed.
func (t *Table) ForceSnapshot(ctx context.Context, lsn model.LSN) error {
	return t.wait(ctx, request{kind: reqForceSnapshot, lsn: lsn})
}

// Compact merges data files above the deleted-ratio threshold, folds every
// pending deletion into vectors and waits for the resulting snapshot.
func (t *Table) Compact(ctx context.Context) error {
	return t.wait(ctx, request{kind: reqCompact})
}

// Vacuum deletes snapshots beyond the retention window and the objects
// only they reference.
func (t *Table) Vacuum(ctx context.Context) (snapshot.ReclaimStats, error) {
	if err := t.usable(); err != nil {
		return snapshot.ReclaimStats{}, err
	}
	return t.snaps.Reclaim(ctx)
}

// Status reports the table's ingestion and storage state.
func (t *Table) Status(ctx context.Context) (Status, error) {
	resp, err := t.send(ctx, request{kind: reqStatus})
	if err != nil {
		return Status{}, err
	}
	return resp.status, nil
}

func (t *Table) send(ctx context.Context, r request) (response, error) {
	if err := t.usable(); err != nil {
		return response{}, err
	}
	r.reply = make(chan response, 1)
	select {
	case t.reqCh <- r:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-t.closeCh:
		return response{}, t.usable()
	}
	resp := <-r.reply
	return resp, resp.err
}

func (t *Table) wait(ctx context.Context, r request) error {
	resp, err := t.send(ctx, r)
	if err != nil {
		return err
	}
	select {
	case err := <-resp.waiter.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops ingestion, lets in-flight flushes and commits finish and
// releases the table. Buffered changes are recovered from the log.
func (t *Table) Close() error {
	if err := t.usable(); err != nil {
		return err
	}
	if !t.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	t.stop()
	return t.release()
}

// Drop stops ingestion, aborts in-flight work and removes every object of
// the table, including its directory.
func (t *Table) Drop(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	if !t.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	t.dropped.Store(true)
	t.cancel()
	t.stop()

	names, err := t.blobs.List(ctx, "")
	if err != nil {
		return fmt.Errorf("drop: list objects: %w", err)
	}
	for _, name := range names {
		if err := t.blobs.Delete(ctx, name); err != nil {
			return fmt.Errorf("drop: delete %s: %w", name, err)
		}
	}
	if err := t.release(); err != nil {
		t.cfg.logger.Warn("drop: release failed", "error", err)
	}
	if err := t.cfg.fsys.RemoveAll(t.dir); err != nil {
		return fmt.Errorf("drop: remove %s: %w", t.dir, err)
	}
	t.cfg.logger.Info("table dropped", "objects", len(names))
	return nil
}

// stop ends the writer and the workers.
func (t *Table) stop() {
	close(t.closeCh)
	<-t.writerDone
	t.cancel()
	t.wg.Wait()
}

// release closes the log, the metadata database and the lock.
func (t *Table) release() error {
	var errs []error
	t.shutdown.Do(func() {
		if t.w != nil && t.w.snap != nil {
			t.w.snap.DecRef()
		}
		if t.wal != nil {
			if err := t.wal.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if t.meta != nil {
			errs = append(errs, t.meta.Close())
		}
		if t.lock != nil {
			errs = append(errs, t.lock.Unlock())
		}
		t.cancel()
	})
	return errors.Join(errs...)
}
