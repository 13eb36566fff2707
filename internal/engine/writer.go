package engine

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/hupe1980/cdclake/internal/buffer"
	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/deletion"
	"github.com/hupe1980/cdclake/internal/dv"
	"github.com/hupe1980/cdclake/internal/flush"
	"github.com/hupe1980/cdclake/internal/index"
	"github.com/hupe1980/cdclake/internal/metastore"
	"github.com/hupe1980/cdclake/internal/recovery"
	"github.com/hupe1980/cdclake/internal/snapshot"
	"github.com/hupe1980/cdclake/internal/wal"
	"github.com/hupe1980/cdclake/model"
)

type requestKind int

const (
	reqFlush requestKind = iota
	reqForceSnapshot
	reqCompact
	reqStatus
)

type request struct {
	kind  requestKind
	lsn   model.LSN
	reply chan response
}

type response struct {
	waiter *waiter
	status Status
	err    error
}

// stream buffers the changes of one streamed transaction until its commit.
type stream struct {
	events   []model.Event
	firstLSN model.LSN
	lastLSN  model.LSN
}

// writer is the state owned by the writer goroutine. Nothing here is
// touched by another goroutine; readers go through published views.
type writer struct {
	t *Table

	idx     *index.Index
	log     *deletion.Log
	tracker *deletion.Tracker

	active  *buffer.Segment
	sealed  []*buffer.Segment // sealed, flushed and quarantined, in seal order
	segs    map[model.SegmentID]*buffer.Segment
	flushed map[model.SegmentID]flush.Result
	nextSeg model.SegmentID

	snap     *snapshot.Snapshot // pinned while it backs the published view
	files    map[model.FileID]*datafile.File
	vectors  map[model.FileID]*dv.Vector
	nextFile model.FileID

	frontier    model.LSN // highest committed LSN
	lastMain    model.LSN // highest LSN of an applied main-transaction event
	lastApplied model.LSN
	dedupFloor  model.LSN
	checkpoint  model.LSN
	readFloor   model.LSN
	dirty       int // main-transaction changes since the last commit
	streams     map[uint32]*stream
	discarded   uint64

	sealWanted bool
	throttled  bool
	closing    bool

	flushQueue   []*buffer.Segment
	flushBusy    bool
	flushRetryAt time.Time
	commitBusy   bool
	commitRetry  time.Time
	mergeBusy    bool
	pendingMerge *pendingMerge
	mergeGen     uint64 // last merge started
	mergeDone    uint64 // last merge committed, or abandoned

	waiters      *waiters
	quarantined  []string
	lastErr      error
	lastErrAt    time.Time
	lastSnapshot time.Time
	needPublish  bool
}

func newWriter(t *Table, st *recovery.State) *writer {
	w := &writer{
		t:            t,
		idx:          st.Index,
		log:          deletion.NewLog(),
		segs:         make(map[model.SegmentID]*buffer.Segment),
		flushed:      make(map[model.SegmentID]flush.Result),
		nextSeg:      1,
		snap:         st.Snapshot,
		files:        st.Files,
		vectors:      st.Vectors,
		nextFile:     st.Snapshot.Manifest.NextFileID,
		streams:      make(map[uint32]*stream),
		waiters:      newWaiters(),
		lastSnapshot: time.Now(),
	}
	ckpt := st.Checkpoint()
	w.frontier, w.lastMain, w.lastApplied = ckpt, ckpt, ckpt
	w.dedupFloor, w.checkpoint = ckpt, ckpt
	w.readFloor = st.Snapshot.Manifest.ReadFloor
	t.checkpoint.Store(ckpt)
	w.snap.TryIncRef()
	w.tracker = &deletion.Tracker{Index: w.idx, Log: w.log, Segment: func(id model.SegmentID) *buffer.Segment {
		return w.segs[id]
	}}
	w.newActive()
	if qs, err := t.meta.Quarantined(); err == nil {
		for _, q := range qs {
			w.quarantined = append(w.quarantined, q.Name)
		}
	}
	return w
}

func (w *writer) newActive() {
	w.active = buffer.New(w.nextSeg, len(w.t.schema.Columns))
	w.segs[w.nextSeg] = w.active
	w.nextSeg++
}

// replay re-applies recovered log events without logging them again.
func (w *writer) replay(events []model.Event) error {
	for _, ev := range events {
		if err := w.apply(ev); err != nil {
			return err
		}
	}
	// Events up to here are in the log; a source resending them is
	// deduplicated against this floor.
	w.dedupFloor = max(w.dedupFloor, w.lastMain)
	return nil
}

// run is the writer loop.
func (t *Table) run() {
	defer close(t.writerDone)
	w := t.w
	ticker := time.NewTicker(t.cfg.snapshotInterval)
	defer ticker.Stop()
	closeCh := t.closeCh

	for {
		if w.closing && (!w.busy() || t.ctx.Err() != nil) {
			w.finish()
			return
		}
		var events chan *batch
		if !w.throttled && !w.closing {
			events = t.eventCh
		}

		select {
		case b := <-events:
			b.reply <- w.handleBatch(b.events)
		case r := <-t.reqCh:
			r.reply <- w.handleRequest(r)
		case o := <-t.flushDone:
			w.onFlushDone(o)
		case o := <-t.commitDone:
			w.onCommitDone(o)
		case o := <-t.mergeDone:
			w.onMergeDone(o)
		case <-ticker.C:
			w.onTick()
		case <-closeCh:
			closeCh = nil
			w.closing = true
		}
		if w.needPublish {
			w.publish()
		}
		w.drive()
	}
}

func (w *writer) busy() bool { return w.flushBusy || w.commitBusy || w.mergeBusy }

func (w *writer) finish() {
	err := ErrClosed
	if w.t.ctx.Err() != nil {
		err = ErrTableDropped
	}
	w.waiters.fail(func(*waiter) bool { return true }, err)
	if w.t.ctx.Err() != nil {
		return
	}
	if w.t.wal != nil {
		if err := w.t.wal.Sync(); err != nil {
			w.t.cfg.logger.Warn("wal sync on close failed", "error", err)
		}
	}
	w.saveProgress()
}

func (w *writer) handleBatch(events []model.Event) applyResult {
	last := w.lastMain
	for _, ev := range events {
		if ev.Streamed() || ev.LSN <= w.dedupFloor {
			continue
		}
		if ev.LSN < last {
			return applyResult{err: fmt.Errorf("%w: %w: lsn %d after %d", model.ErrInvalidEvent, ErrOutOfOrder, ev.LSN, last)}
		}
		last = ev.LSN
	}

	var res applyResult
	if w.t.wal != nil {
		off, err := w.t.wal.AppendAsync(events...)
		if err != nil {
			w.setErr(err)
			return applyResult{err: fmt.Errorf("append wal: %w", err)}
		}
		res.offset = off
	}
	for _, ev := range events {
		if err := w.apply(ev); err != nil {
			res.err = err
			break
		}
	}
	return res
}

// apply routes one event. Main-transaction changes go straight to the
// buffer; streamed ones wait for their transaction's commit.
func (w *writer) apply(ev model.Event) error {
	w.lastApplied = max(w.lastApplied, ev.LSN)
	if ev.Streamed() {
		return w.applyStreamed(ev)
	}
	if ev.LSN <= w.dedupFloor {
		w.discarded++
		w.t.cfg.logger.Debug("duplicate event discarded", "op", ev.Op, "lsn", ev.LSN)
		return nil
	}
	w.lastMain = max(w.lastMain, ev.LSN)
	switch ev.Op {
	case model.OpInsert, model.OpUpdate:
		w.dirty++
		return w.upsert(ev.Key, ev.Row, ev.LSN)
	case model.OpDelete:
		w.dirty++
		w.delete(ev.Key, ev.LSN)
	case model.OpCommit:
		w.commitBoundary(ev.LSN)
	case model.OpStreamFlush:
		w.t.cfg.logger.Debug("stream flush outside a streamed transaction", "lsn", ev.LSN)
	}
	return nil
}

func (w *writer) applyStreamed(ev model.Event) error {
	st := w.streams[ev.Xact]
	if st == nil {
		if ev.Op == model.OpStreamAbort || ev.Op == model.OpCommit {
			// Nothing buffered: an empty transaction, or one replayed
			// from the log and committed before the restart.
			if ev.Op == model.OpCommit && ev.LSN > w.dedupFloor {
				w.commitBoundary(ev.LSN)
			}
			return nil
		}
		st = &stream{firstLSN: ev.LSN}
		w.streams[ev.Xact] = st
	}
	switch ev.Op {
	case model.OpInsert, model.OpUpdate, model.OpDelete:
		if len(st.events) > 0 && ev.LSN <= st.lastLSN {
			w.discarded++
			return nil
		}
		st.events = append(st.events, ev)
		st.lastLSN = ev.LSN
	case model.OpStreamFlush:
		w.t.cfg.logger.Debug("stream flushed", "xact", ev.Xact, "lsn", ev.LSN, "changes", len(st.events))
	case model.OpStreamAbort:
		delete(w.streams, ev.Xact)
		w.t.cfg.logger.Debug("stream aborted", "xact", ev.Xact, "lsn", ev.LSN, "changes", len(st.events))
	case model.OpCommit:
		delete(w.streams, ev.Xact)
		if ev.LSN <= w.dedupFloor {
			w.discarded += uint64(len(st.events))
			return nil
		}
		// Every change of the transaction becomes visible at its commit.
		for _, op := range st.events {
			if op.Op == model.OpDelete {
				w.delete(op.Key, ev.LSN)
				continue
			}
			if err := w.upsert(op.Key, op.Row, ev.LSN); err != nil {
				return err
			}
		}
		w.commitBoundary(ev.LSN)
	}
	return nil
}

func (w *writer) upsert(key model.Key, row model.Row, lsn model.LSN) error {
	w.tracker.Record(key, lsn)
	off, size, err := w.active.Append(key, row, lsn)
	if err != nil {
		return err
	}
	w.idx.Upsert(key, model.InBuffer(w.active.ID(), off))
	if w.t.rc.ReserveBuffer(size) {
		w.sealWanted = true
	}
	return nil
}

func (w *writer) delete(key model.Key, lsn model.LSN) {
	if _, outcome := w.tracker.Record(key, lsn); outcome == deletion.Missing {
		w.t.cfg.logger.Debug("delete of missing key ignored", "key", key, "lsn", lsn)
	}
}

func (w *writer) commitBoundary(lsn model.LSN) {
	w.frontier = max(w.frontier, lsn)
	w.dirty = 0
	w.needPublish = true
	if w.active.Len() >= w.t.cfg.sealRows || w.active.Bytes() >= w.t.cfg.sealBytes {
		w.sealWanted = true
	}
	if w.sealWanted {
		w.trySeal()
	}
}

// trySeal seals the active segment at a commit boundary. Without a free
// sealed slot the writer stops taking events until a flush completes.
func (w *writer) trySeal() {
	if w.dirty > 0 {
		return
	}
	if w.active.Len() == 0 {
		w.sealWanted, w.throttled = false, false
		return
	}
	if !w.t.rc.TryAcquireSealed() {
		if !w.throttled {
			w.t.cfg.metrics.OnBackpressure()
			w.t.cfg.logger.Warn("flush is falling behind, intake paused",
				"sealed", w.t.rc.SealedInUse(), "buffered_bytes", w.t.rc.BufferUsage())
		}
		w.throttled = true
		return
	}
	seg := w.active
	seg.Seal(w.nextFile)
	w.nextFile++
	w.sealed = append(w.sealed, seg)
	w.flushQueue = append(w.flushQueue, seg)
	w.newActive()
	w.sealWanted, w.throttled = false, false
	w.needPublish = true

	w.t.cfg.metrics.OnSeal(int(seg.Len()), seg.Bytes())
	w.t.cfg.logger.Info("segment sealed", "segment", seg.ID(), "file", seg.File(),
		"rows", seg.Len(), "invalidated", seg.Invalidated(), "bytes", seg.Bytes())
	w.dispatchFlush()
}

// publish stores a new read view.
func (w *writer) publish() {
	w.needPublish = false
	v := newView(w.snap, w.files, w.vectors)
	v.segments = append(slices.Clone(w.sealed), w.active)
	v.log = w.log.Clone()
	if w.dirty == 0 {
		v.index = w.idx.Clone()
	}
	v.frontier = w.frontier
	v.readFloor = w.readFloor
	w.t.view.Store(v)
}

func (w *writer) handleRequest(r request) response {
	if w.closing {
		return response{err: ErrClosed}
	}
	switch r.kind {
	case reqStatus:
		return response{status: w.status()}
	case reqFlush:
		w.sealWanted = true
		w.trySeal()
		return response{waiter: w.waiters.add(w.frontier, 0)}
	case reqForceSnapshot:
		return response{waiter: w.waiters.add(r.lsn, 0)}
	case reqCompact:
		w.startMerge()
		gen := w.mergeDone
		if w.mergeBusy || w.pendingMerge != nil {
			gen = w.mergeGen
		}
		wt := w.waiters.add(w.frontier, gen)
		w.maybeCommit(true)
		return response{waiter: wt}
	}
	return response{err: fmt.Errorf("engine: unknown request %d", r.kind)}
}

func (w *writer) onTick() {
	if w.t.wal != nil && w.t.cfg.wal.Durability == wal.DurabilityAsync {
		if err := w.t.wal.Sync(); err != nil {
			w.setErr(err)
		}
	}
	if f := w.t.cfg.forcedInterval; f > 0 && time.Since(w.lastSnapshot) >= f &&
		(w.active.Len() > 0 || w.log.Len() > 0) {
		w.t.cfg.logger.Info("forcing snapshot", "since", time.Since(w.lastSnapshot))
		w.sealWanted = true
		w.trySeal()
		w.maybeCommit(true)
	}
	w.dispatchFlush()
	w.startMerge()
	w.maybeCommit(false)
}

// drive releases satisfied waiters and pushes buffered state towards a
// snapshot while anyone waits for one.
func (w *writer) drive() {
	w.waiters.release(w.satisfied)
	wt, ok := w.waiters.lowest()
	if !ok || w.closing || wt.lsn > w.frontier {
		return
	}
	if wt.lsn > w.checkpoint {
		if w.active.Len() > 0 {
			w.sealWanted = true
			w.trySeal()
		}
		if w.stuck() {
			err := &ObjectError{Kind: "segment", Name: w.quarantined[len(w.quarantined)-1], Err: ErrCorrupt}
			w.waiters.fail(func(wt *waiter) bool { return wt.lsn <= w.frontier && wt.lsn > w.checkpoint }, err)
			return
		}
	}
	w.maybeCommit(true)
}

func (w *writer) satisfied(wt *waiter) bool {
	if wt.merge > w.mergeDone {
		return false
	}
	return wt.lsn <= w.checkpoint || (wt.lsn <= w.frontier && w.idle())
}

// idle reports whether nothing is held only in memory.
func (w *writer) idle() bool {
	return w.active.Len() == 0 && len(w.sealed) == 0 && w.log.Len() == 0 && w.dirty == 0
}

// stuck reports whether the checkpoint can no longer advance because a
// quarantined segment holds it back.
func (w *writer) stuck() bool {
	if w.flushBusy || w.commitBusy || len(w.flushQueue) > 0 || w.active.Len() > 0 {
		return false
	}
	quarantined := false
	for _, seg := range w.sealed {
		switch seg.State() {
		case buffer.Quarantined:
			quarantined = true
		case buffer.Flushed:
			return false
		}
	}
	return quarantined
}

// lowestInMemory returns the lowest LSN held only in memory, skipping the
// segments and entries a pending commit absorbs.
func (w *writer) lowestInMemory(absorbed map[model.SegmentID]bool, entries map[model.Location]bool) (model.LSN, bool) {
	lowest, found := model.LSN(math.MaxUint64), false
	consider := func(lsn model.LSN) {
		if lsn < lowest {
			lowest, found = lsn, true
		}
	}
	for _, seg := range append(slices.Clone(w.sealed), w.active) {
		if absorbed[seg.ID()] || seg.Len() == 0 {
			continue
		}
		lo, _ := seg.LSNRange()
		consider(lo)
	}
	for e := range w.log.All() {
		if !entries[e.Target] {
			consider(e.LSN)
		}
	}
	return lowest, found
}

// streamFloor returns the lowest first LSN of an open streamed
// transaction, or 0.
func (w *writer) streamFloor() model.LSN {
	var lowest model.LSN
	for _, st := range w.streams {
		if lowest == 0 || st.firstLSN < lowest {
			lowest = st.firstLSN
		}
	}
	return lowest
}

func (w *writer) setErr(err error) {
	w.lastErr, w.lastErrAt = err, time.Now()
	if merr := w.t.meta.SetLastError(err.Error()); merr != nil {
		w.t.cfg.logger.Warn("record last error failed", "error", merr)
	}
}

func (w *writer) quarantine(seg *buffer.Segment, err error) {
	seg.SetState(buffer.Quarantined)
	name := flush.FileName(seg.File())
	w.quarantined = append(w.quarantined, name)
	if merr := w.t.meta.AddQuarantine(metastore.Quarantine{Name: name, Reason: err.Error(), At: time.Now()}); merr != nil {
		w.t.cfg.logger.Warn("record quarantine failed", "error", merr)
	}
	w.setErr(&ObjectError{Kind: "segment", Name: name, Err: fmt.Errorf("%w: %w", ErrCorrupt, err)})
	w.t.cfg.logger.Warn("segment quarantined", "segment", seg.ID(), "file", name,
		"rows", seg.Len(), "error", err)
}

// removeSegments drops committed segments from the writer.
func (w *writer) removeSegments(ids map[model.SegmentID]bool) {
	w.sealed = slices.DeleteFunc(w.sealed, func(seg *buffer.Segment) bool {
		if !ids[seg.ID()] {
			return false
		}
		seg.SetState(buffer.Committed)
		delete(w.segs, seg.ID())
		delete(w.flushed, seg.ID())
		w.t.rc.ReleaseBuffer(seg.Bytes())
		return true
	})
}

func (w *writer) status() Status {
	s := Status{
		Seq:          w.snap.Seq(),
		Checkpoint:   w.checkpoint,
		Frontier:     w.frontier,
		LastApplied:  w.lastApplied,
		ReadFloor:    w.readFloor,
		Keys:         w.idx.Len(),
		ActiveRows:   int(w.active.Len()),
		OpenStreams:  len(w.streams),
		Pending:      w.log.Len(),
		Files:        len(w.snap.Manifest.Files),
		Rows:         w.snap.Manifest.Rows(),
		Deleted:      w.snap.Manifest.Deleted(),
		Discarded:    w.discarded,
		Throttled:    w.throttled,
		Merging:      w.mergeBusy || w.pendingMerge != nil,
		Waiters:      w.waiters.len(),
		LastSnapshot: w.lastSnapshot,
		Quarantined:  slices.Clone(w.quarantined),
		Gap:          w.t.gap,
	}
	if lsn, ok := w.log.MinLSN(); ok {
		s.OldestPending = lsn
	}
	for _, f := range w.snap.Manifest.Files {
		if n := w.log.CountFor(model.LocationOnDisk, uint64(f.ID)); n > 0 {
			if s.PendingByFile == nil {
				s.PendingByFile = make(map[model.FileID]int)
			}
			s.PendingByFile[f.ID] = n
		}
	}
	s.BufferedRows = s.ActiveRows
	s.BufferedBytes = w.t.rc.BufferUsage()
	for _, seg := range w.sealed {
		s.BufferedRows += int(seg.Len())
		switch seg.State() {
		case buffer.Sealed:
			s.SealedSegments++
		case buffer.Flushed:
			s.FlushedSegments++
		}
	}
	if w.lastErr != nil {
		s.LastError, s.LastErrorAt = w.lastErr.Error(), w.lastErrAt
	}
	if w.t.wal != nil {
		s.WALFiles = len(w.t.wal.Files())
		s.WALBytes = w.t.wal.Size()
	}
	return s
}

// committedState returns copies of the file and vector maps with a
// commit's changes applied.
func (w *writer) committedState(added map[model.FileID]*datafile.File, removed []model.FileID,
	vectors map[model.FileID]*dv.Vector) (map[model.FileID]*datafile.File, map[model.FileID]*dv.Vector) {
	files := maps.Clone(w.files)
	vecs := maps.Clone(w.vectors)
	maps.Copy(files, added)
	for _, id := range removed {
		delete(files, id)
		delete(vecs, id)
	}
	maps.Copy(vecs, vectors)
	return files, vecs
}
