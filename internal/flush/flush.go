// Package flush turns sealed write-buffer segments into immutable data files.
//
// A segment's file name is fixed when it is sealed, so a retried flush
// overwrites the same object with the same bytes.
package flush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/buffer"
	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/manifest"
	"github.com/hupe1980/cdclake/internal/resource"
	"github.com/hupe1980/cdclake/internal/retry"
	"github.com/hupe1980/cdclake/model"
)

// Dir is the prefix of every data file.
const Dir = "data/"

// NoPosition marks a segment offset that was not written to the file.
const NoPosition = math.MaxUint32

var (
	// ErrCorrupted is returned when the written file does not read back
	// identically. It is not retried.
	ErrCorrupted = errors.New("flush: read-back verification failed")
	// ErrNotSealed is returned when the segment is still accepting writes.
	ErrNotSealed = errors.New("flush: segment is not sealed")
)

// FileName returns the object name of data file id.
func FileName(id model.FileID) string {
	return fmt.Sprintf("%s%020d.cdf", Dir, id)
}

// Result describes a flushed segment.
type Result struct {
	Segment model.SegmentID
	// File is the manifest entry for the written file. File.Rows is zero
	// when every row was invalidated and nothing was written.
	File manifest.FileInfo
	// Positions maps a segment offset to its file position, or NoPosition.
	Positions []uint32
	// DroppedLSN is the highest delete LSN among rows left out of the file.
	DroppedLSN model.LSN
	// Data is the decoded file, nil when Empty.
	Data     *datafile.File
	Attempts int
	Duration time.Duration
}

// Empty reports whether no file was written.
func (r Result) Empty() bool { return r.File.Rows == 0 }

// Position translates a segment offset.
func (r Result) Position(off uint32) (uint32, bool) {
	if int(off) >= len(r.Positions) || r.Positions[off] == NoPosition {
		return 0, false
	}
	return r.Positions[off], true
}

// Options configures a Flusher.
type Options struct {
	Codec     datafile.Codec
	Retry     retry.Policy
	Resources *resource.Controller
	Logger    *slog.Logger
	// SkipVerify disables the read-back check.
	SkipVerify bool
}

// Flusher writes segments to a blob store.
type Flusher struct {
	store  blobstore.BlobStore
	schema model.Schema
	opts   Options
}

// New returns a Flusher writing files for schema into store.
func New(store blobstore.BlobStore, schema model.Schema, opts Options) *Flusher {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Flusher{store: store, schema: schema, opts: opts}
}

// Flush materializes the rows of seg that were not invalidated in place and
// writes them to the file named by the segment's file id.
func (f *Flusher) Flush(ctx context.Context, seg *buffer.Segment) (Result, error) {
	start := time.Now()
	if st := seg.State(); st == buffer.Active {
		return Result{}, ErrNotSealed
	}

	res := Result{
		Segment:    seg.ID(),
		Positions:  make([]uint32, seg.Len()),
		DroppedLSN: seg.MaxDroppedLSN(),
	}
	for i := range res.Positions {
		res.Positions[i] = NoPosition
	}

	w := datafile.NewWriter(f.schema, f.opts.Codec)
	for _, off := range seg.Survivors() {
		res.Positions[off] = w.Add(seg.Key(off), seg.Row(off), seg.InsertLSN(off))
	}
	if w.Rows() == 0 {
		res.File = manifest.FileInfo{ID: seg.File(), Name: FileName(seg.File())}
		res.Duration = time.Since(start)
		return res, nil
	}

	var buf bytes.Buffer
	info, err := w.WriteTo(&buf)
	if err != nil {
		return Result{}, fmt.Errorf("encode segment %d: %w", seg.ID(), err)
	}
	name := FileName(seg.File())
	data := buf.Bytes()
	decoded, err := datafile.Parse(data, f.schema)
	if err != nil {
		return Result{}, fmt.Errorf("%w: segment %d: %v", ErrCorrupted, seg.ID(), err)
	}

	err = retry.Do(ctx, f.opts.Retry, Retryable, func(attempt int, err error) {
		f.opts.Logger.Warn("flush write failed, retrying",
			"segment", seg.ID(), "file", name, "attempt", attempt, "error", err)
	}, func(ctx context.Context) error {
		res.Attempts++
		if err := f.write(ctx, name, data); err != nil {
			return err
		}
		if f.opts.SkipVerify {
			return nil
		}
		return f.verify(ctx, name, info)
	})
	if err != nil {
		return Result{}, fmt.Errorf("flush segment %d to %s: %w", seg.ID(), name, err)
	}

	res.File = manifest.FileInfo{
		ID:       seg.File(),
		Name:     name,
		Rows:     info.Rows,
		Size:     info.Size,
		Checksum: info.Checksum,
		MinLSN:   info.MinLSN,
		MaxLSN:   info.MaxLSN,
	}
	res.Data = decoded
	res.Duration = time.Since(start)
	f.opts.Logger.Debug("segment flushed", "segment", seg.ID(), "file", name,
		"rows", info.Rows, "bytes", info.Size, "duration", res.Duration)
	return res, nil
}

func (f *Flusher) write(ctx context.Context, name string, data []byte) error {
	wb, err := f.store.Create(ctx, name)
	if err != nil {
		return err
	}
	out := resource.NewRateLimitedWriter(ctx, wb, f.opts.Resources)
	if _, err := io.Copy(out, bytes.NewReader(data)); err != nil {
		_ = wb.Abort()
		return err
	}
	if err := wb.Sync(); err != nil {
		_ = wb.Abort()
		return err
	}
	return wb.Close()
}

func (f *Flusher) verify(ctx context.Context, name string, want datafile.Info) error {
	got, err := datafile.Open(ctx, f.store, name, f.schema)
	if err != nil {
		if errors.Is(err, datafile.ErrCorrupted) || errors.Is(err, datafile.ErrSchemaMismatch) {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return err
	}
	if got.Checksum() != want.Checksum || got.Rows() != want.Rows || got.Size() != want.Size {
		return fmt.Errorf("%w: checksum %x, want %x", ErrCorrupted, got.Checksum(), want.Checksum)
	}
	return nil
}

// Retryable reports whether a storage error may succeed on another attempt.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCorrupted), errors.Is(err, datafile.ErrCorrupted), errors.Is(err, datafile.ErrSchemaMismatch):
		return false
	default:
		return true
	}
}
