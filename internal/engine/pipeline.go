package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hupe1980/cdclake/internal/buffer"
	"github.com/hupe1980/cdclake/internal/compact"
	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/deletion"
	"github.com/hupe1980/cdclake/internal/dv"
	"github.com/hupe1980/cdclake/internal/flush"
	"github.com/hupe1980/cdclake/internal/manifest"
	"github.com/hupe1980/cdclake/internal/metastore"
	"github.com/hupe1980/cdclake/internal/snapshot"
	"github.com/hupe1980/cdclake/model"
)

type flushOutcome struct {
	seg *buffer.Segment
	res flush.Result
	err error
}

// commitJob is everything one snapshot commit absorbs. It is built by the
// writer and read-only afterwards.
type commitJob struct {
	segments []*buffer.Segment
	results  []flush.Result
	entries  []deletion.Entry
	merge    *pendingMerge

	baseSeq uint64
	base    map[model.FileID]*dv.Vector

	frontier  model.LSN
	flushLSN  model.LSN
	readFloor model.LSN
	nextFile  model.FileID
	started   time.Time
}

type commitOutcome struct {
	job     *commitJob
	snap    *snapshot.Snapshot
	vectors []compact.VectorResult
	err     error
}

type mergeJob struct {
	inputs []compact.Input
	out    model.FileID
	gen    uint64
}

type mergeOutcome struct {
	job mergeJob
	res compact.MergeResult
	err error
}

// pendingMerge is a written merge waiting for the next commit.
type pendingMerge struct {
	res   compact.MergeResult
	seen  map[model.FileID]*dv.Vector // source vectors the merge applied
	files map[model.FileID]*datafile.File
	gen   uint64
}

func (t *Table) runFlushWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case seg := <-t.flushCh:
			res, err := t.flusher.Flush(t.ctx, seg)
			t.flushDone <- flushOutcome{seg: seg, res: res, err: err}
		}
	}
}

func (t *Table) runCommitWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case job := <-t.commitCh:
			t.commitDone <- t.commit(t.ctx, job)
		}
	}
}

func (t *Table) runMergeWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case job := <-t.mergeCh:
			res, err := t.compactor.Merge(t.ctx, job.inputs, job.out)
			t.mergeDone <- mergeOutcome{job: job, res: res, err: err}
		}
	}
}

func (w *writer) dispatchFlush() {
	if w.flushBusy || w.closing || len(w.flushQueue) == 0 || time.Now().Before(w.flushRetryAt) {
		return
	}
	seg := w.flushQueue[0]
	w.flushQueue = w.flushQueue[1:]
	w.flushBusy = true
	w.t.cfg.metrics.OnQueueDepth("flush", len(w.flushQueue))
	w.t.flushCh <- seg
}

func (w *writer) onFlushDone(o flushOutcome) {
	w.flushBusy = false
	seg := o.seg
	switch {
	case o.err == nil:
		seg.SetState(buffer.Flushed)
		w.flushed[seg.ID()] = o.res
		w.t.rc.ReleaseSealed()
		w.flushRetryAt = time.Time{}
		w.t.cfg.metrics.OnFlush(o.res.Duration, int(o.res.File.Rows), o.res.File.Size, nil)
		w.t.cfg.logger.Info("segment flushed", "segment", seg.ID(), "file", o.res.File.Name,
			"rows", o.res.File.Rows, "bytes", o.res.File.Size, "attempts", o.res.Attempts,
			"duration", o.res.Duration)
	case errors.Is(o.err, flush.ErrCorrupted):
		w.t.rc.ReleaseSealed()
		w.t.cfg.metrics.OnFlush(0, 0, 0, o.err)
		w.quarantine(seg, o.err)
	case w.t.ctx.Err() != nil:
		return
	default:
		w.t.cfg.metrics.OnFlush(0, 0, 0, o.err)
		w.t.cfg.logger.Error("flush failed, will retry", "segment", seg.ID(), "error", o.err)
		w.setErr(o.err)
		w.flushQueue = slices.Insert(w.flushQueue, 0, seg)
		w.flushRetryAt = time.Now().Add(w.t.cfg.snapshotInterval)
	}
	if w.throttled || w.sealWanted {
		w.trySeal()
	}
	w.dispatchFlush()
}

// maybeCommit starts a snapshot commit when there is something to absorb.
// Without force, pending deletions against committed files wait for the
// vector threshold.
func (w *writer) maybeCommit(force bool) {
	if w.commitBusy || w.closing || time.Now().Before(w.commitRetry) {
		return
	}
	job := w.buildJob(force)
	if job == nil {
		return
	}
	w.commitBusy = true
	w.t.commitCh <- job
}

func (w *writer) buildJob(force bool) *commitJob {
	job := &commitJob{
		baseSeq:   w.snap.Seq(),
		base:      w.vectors,
		frontier:  w.frontier,
		readFloor: w.readFloor,
		nextFile:  w.nextFile,
		started:   time.Now(),
	}
	absorbed := make(map[model.SegmentID]bool)
	for _, seg := range w.sealed {
		if seg.State() != buffer.Flushed {
			continue
		}
		res := w.flushed[seg.ID()]
		job.segments = append(job.segments, seg)
		job.results = append(job.results, res)
		job.readFloor = max(job.readFloor, res.DroppedLSN)
		absorbed[seg.ID()] = true
	}

	onDisk := 0
	for e := range w.log.All() {
		if e.Target.Kind == model.LocationOnDisk {
			onDisk++
		}
	}
	takeDisk := onDisk > 0 && (force || onDisk >= w.t.cfg.vectorThreshold)
	taken := make(map[model.Location]bool)
	for e := range w.log.All() {
		switch e.Target.Kind {
		case model.LocationOnDisk:
			if !takeDisk {
				continue
			}
		case model.LocationInBuffer:
			if !absorbed[e.Target.Segment] {
				continue
			}
		}
		job.entries = append(job.entries, e)
		taken[e.Target] = true
	}

	if pm := w.pendingMerge; pm != nil {
		job.merge = pm
		job.readFloor = max(job.readFloor, pm.res.DroppedLSN)
	}
	if len(job.segments) == 0 && job.merge == nil && !takeDisk {
		return nil
	}

	job.flushLSN = w.frontier
	if low, ok := w.lowestInMemory(absorbed, taken); ok && low <= w.frontier {
		job.flushLSN = 0
		if low > 0 {
			job.flushLSN = low - 1
		}
	}
	job.flushLSN = max(job.flushLSN, w.checkpoint)
	return job
}

// commit runs on the commit worker.
func (t *Table) commit(ctx context.Context, job *commitJob) commitOutcome {
	if _, err := t.snaps.Reclaim(ctx); err != nil && ctx.Err() == nil {
		t.cfg.logger.Warn("reclaim failed", "error", err)
	}
	var vectors []compact.VectorResult
	snap, err := t.snaps.Commit(ctx, func(ctx context.Context, parent *manifest.Manifest, seq uint64) (snapshot.Change, error) {
		base, err := t.baseVectors(ctx, parent, job)
		if err != nil {
			return snapshot.Change{}, err
		}
		res, err := t.compactor.Vectors(ctx, seq, base, job.translate(base))
		if err != nil {
			return snapshot.Change{}, err
		}
		vectors = res
		return job.change(res), nil
	})
	return commitOutcome{job: job, snap: snap, vectors: vectors, err: err}
}

// baseVectors returns the vectors of parent, reusing the writer's copy
// when parent is the snapshot the job was built on.
func (t *Table) baseVectors(ctx context.Context, parent *manifest.Manifest, job *commitJob) (map[model.FileID]*dv.Vector, error) {
	if parent.Seq == job.baseSeq {
		return job.base, nil
	}
	t.cfg.logger.Warn("rebasing commit onto a foreign snapshot", "expected", job.baseSeq, "parent", parent.Seq)
	out := make(map[model.FileID]*dv.Vector, len(parent.Vectors))
	for _, vi := range parent.Vectors {
		v, err := t.compactor.LoadVector(ctx, vi.Name)
		if err != nil {
			return nil, err
		}
		out[vi.File] = v
	}
	return out, nil
}

// locate maps an entry target to its committed location.
func (j *commitJob) locate(loc model.Location) (model.Location, bool) {
	if loc.Kind == model.LocationInBuffer {
		i := slices.IndexFunc(j.segments, func(s *buffer.Segment) bool { return s.ID() == loc.Segment })
		if i < 0 {
			return loc, false
		}
		pos, ok := j.results[i].Position(loc.Offset)
		if !ok {
			return loc, false
		}
		loc = model.OnDisk(j.results[i].File.ID, pos)
	}
	if j.merge != nil && slices.Contains(j.merge.res.Sources, loc.File) {
		return j.merge.res.Translate(loc)
	}
	return loc, true
}

// translate returns the job's entries against committed locations. With
// a merge, deletions folded into a source vector after the merge read it
// are carried over to the merged file.
func (j *commitJob) translate(base map[model.FileID]*dv.Vector) []deletion.Entry {
	out := make([]deletion.Entry, 0, len(j.entries))
	for _, e := range j.entries {
		if loc, ok := j.locate(e.Target); ok {
			out = append(out, deletion.Entry{Target: loc, Key: e.Key, LSN: e.LSN})
		}
	}
	if m := j.merge; m != nil && !m.res.Empty() {
		for _, src := range m.res.Sources {
			seen := m.seen[src]
			for pos, lsn := range base[src].All() {
				if seen.Deleted(pos) {
					continue
				}
				if loc, ok := m.res.Translate(model.OnDisk(src, pos)); ok {
					out = append(out, deletion.Entry{Target: loc, Key: m.res.Data.Key(loc.Offset), LSN: lsn})
				}
			}
		}
	}
	return out
}

func (j *commitJob) change(vectors []compact.VectorResult) snapshot.Change {
	c := snapshot.Change{FlushLSN: j.flushLSN, ReadFloor: j.readFloor, NextFileID: j.nextFile}
	for _, r := range j.results {
		if !r.Empty() {
			c.Files = append(c.Files, r.File)
		}
	}
	if m := j.merge; m != nil {
		if !m.res.Empty() {
			c.Files = append(c.Files, m.res.File)
		}
		c.Removed = m.res.Sources
	}
	for _, v := range vectors {
		c.Vectors = append(c.Vectors, v.Info)
		c.Scratch = append(c.Scratch, v.Info.Name)
	}
	return c
}

func (w *writer) onCommitDone(o commitOutcome) {
	w.commitBusy = false
	job := o.job
	if o.err != nil {
		if w.t.ctx.Err() != nil {
			return
		}
		w.t.cfg.metrics.OnCommit(time.Since(job.started), 0, 0, 0, o.err)
		w.t.cfg.logger.Error("snapshot commit failed", "frontier", job.frontier, "error", o.err)
		w.setErr(o.err)
		w.commitRetry = time.Now().Add(w.t.cfg.snapshotInterval)
		if job.merge != nil && errors.Is(o.err, snapshot.ErrConflict) {
			w.pendingMerge = nil
			w.mergeDone = max(w.mergeDone, job.merge.gen)
		}
		w.waiters.fail(func(wt *waiter) bool { return wt.lsn <= job.frontier && wt.lsn > w.checkpoint }, o.err)
		return
	}

	// Rows of the committed segments now live in their files.
	for i, seg := range job.segments {
		res := job.results[i]
		for off := uint32(0); off < seg.Len(); off++ {
			if pos, ok := res.Position(off); ok {
				w.idx.Move(seg.Key(off), model.InBuffer(seg.ID(), off), model.OnDisk(res.File.ID, pos))
			}
		}
	}
	for _, e := range job.entries {
		if cur, ok := w.log.Get(e.Target); ok && cur.LSN == e.LSN {
			w.log.Remove(e.Target)
		}
	}
	for i, seg := range job.segments {
		res := job.results[i]
		for _, e := range slices.Collect(w.log.ForContainer(model.LocationInBuffer, uint64(seg.ID()))) {
			if pos, ok := res.Position(e.Target.Offset); ok {
				w.log.Remap(e.Target, model.OnDisk(res.File.ID, pos))
			}
		}
	}

	added := make(map[model.FileID]*datafile.File, len(job.results)+1)
	for _, r := range job.results {
		if r.Data != nil {
			added[r.File.ID] = r.Data
		}
	}
	var removed []model.FileID
	if m := job.merge; m != nil {
		for _, src := range m.res.Sources {
			f := m.files[src]
			for p, np := range m.res.Positions[src] {
				if np == flush.NoPosition {
					continue
				}
				from, to := model.OnDisk(src, uint32(p)), model.OnDisk(m.res.File.ID, np)
				w.idx.Move(f.Key(uint32(p)), from, to)
				w.log.Remap(from, to)
			}
		}
		if m.res.Data != nil {
			added[m.res.File.ID] = m.res.Data
		}
		removed = m.res.Sources
		w.pendingMerge = nil
		w.mergeDone = max(w.mergeDone, m.gen)
	}
	vecs := make(map[model.FileID]*dv.Vector, len(o.vectors))
	for _, v := range o.vectors {
		vecs[v.Info.File] = v.Vector
	}
	w.files, w.vectors = w.committedState(added, removed, vecs)

	ids := make(map[model.SegmentID]bool, len(job.segments))
	for _, seg := range job.segments {
		ids[seg.ID()] = true
	}
	w.removeSegments(ids)

	prev := w.snap
	o.snap.TryIncRef()
	w.snap = o.snap
	w.checkpoint = o.snap.Manifest.FlushLSN
	w.t.checkpoint.Store(w.checkpoint)
	w.readFloor = max(w.readFloor, o.snap.Manifest.ReadFloor)
	w.lastSnapshot = time.Now()
	w.commitRetry = time.Time{}
	w.publish()
	prev.DecRef()

	truncated := 0
	if w.t.wal != nil {
		upTo := w.checkpoint
		if sf := w.streamFloor(); sf > 0 && sf-1 < upTo {
			upTo = sf - 1
		}
		n, err := w.t.wal.Truncate(upTo)
		if err != nil {
			w.t.cfg.logger.Warn("wal truncate failed", "up_to", upTo, "error", err)
		}
		truncated = n
	}
	w.saveProgress()

	d := time.Since(job.started)
	w.t.cfg.metrics.OnCommit(d, o.snap.Seq(), len(added), len(o.vectors), nil)
	w.t.cfg.logger.Info("snapshot committed",
		"seq", o.snap.Seq(),
		"checkpoint", w.checkpoint,
		"files", len(added),
		"removed", len(removed),
		"vectors", len(o.vectors),
		"deletes", len(job.entries),
		"wal_files_removed", truncated,
		"duration", d)
}

func (w *writer) saveProgress() {
	p := metastore.Progress{LastApplied: w.lastApplied, StreamFloor: w.streamFloor()}
	if err := w.t.meta.SetProgress(p); err != nil {
		w.t.cfg.logger.Warn("record progress failed", "error", err)
	}
}

// startMerge hands the files whose deleted share crossed the threshold to
// the merge worker. At most one merge is in flight or pending.
func (w *writer) startMerge() {
	if w.mergeBusy || w.pendingMerge != nil || w.closing || w.t.cfg.mergeRatio <= 0 {
		return
	}
	inputs := make([]compact.Input, 0, len(w.files))
	for id, f := range w.files {
		info, ok := w.snap.Manifest.File(id)
		if !ok {
			continue
		}
		inputs = append(inputs, compact.Input{Info: info, File: f, Vector: w.vectors[id]})
	}
	candidates := compact.Candidates(inputs, w.t.cfg.mergeRatio)
	if len(candidates) == 0 {
		return
	}
	w.mergeGen++
	job := mergeJob{inputs: candidates, out: w.nextFile, gen: w.mergeGen}
	w.nextFile++
	w.mergeBusy = true
	w.t.cfg.metrics.OnQueueDepth("merge", len(candidates))
	w.t.mergeCh <- job
}

func (w *writer) onMergeDone(o mergeOutcome) {
	w.mergeBusy = false
	if o.err != nil {
		if w.t.ctx.Err() != nil {
			return
		}
		w.t.cfg.metrics.OnCompaction(0, len(o.job.inputs), 0, o.err)
		w.t.cfg.logger.Error("data file merge failed", "files", len(o.job.inputs), "error", o.err)
		w.setErr(o.err)
		w.mergeDone = max(w.mergeDone, o.job.gen)
		return
	}
	pm := &pendingMerge{
		res:   o.res,
		seen:  make(map[model.FileID]*dv.Vector, len(o.job.inputs)),
		files: make(map[model.FileID]*datafile.File, len(o.job.inputs)),
		gen:   o.job.gen,
	}
	for _, in := range o.job.inputs {
		pm.seen[in.Info.ID] = in.Vector
		pm.files[in.Info.ID] = in.File
	}
	w.pendingMerge = pm
	w.t.cfg.metrics.OnCompaction(o.res.Duration, len(o.job.inputs), int(o.res.File.Rows), nil)
	w.maybeCommit(true)
}
