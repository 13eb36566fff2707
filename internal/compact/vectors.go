package compact

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/deletion"
	"github.com/hupe1980/cdclake/internal/dv"
	"github.com/hupe1980/cdclake/internal/flush"
	"github.com/hupe1980/cdclake/internal/manifest"
	"github.com/hupe1980/cdclake/internal/resource"
	"github.com/hupe1980/cdclake/internal/retry"
	"github.com/hupe1980/cdclake/model"
)

// VectorDir is the prefix of every deletion vector object.
const VectorDir = "dv/"

// VectorName returns the object name of file's deletion vector written by
// the snapshot with sequence seq.
func VectorName(file model.FileID, seq uint64) string {
	return fmt.Sprintf("%s%020d-%06d.dv", VectorDir, file, seq)
}

// Options configures a Compactor.
type Options struct {
	Schema    model.Schema
	Codec     datafile.Codec
	Retry     retry.Policy
	Resources *resource.Controller
	Logger    *slog.Logger
}

// Compactor writes deletion vectors and merged data files.
type Compactor struct {
	store blobstore.BlobStore
	opts  Options
}

// New returns a Compactor writing into store.
func New(store blobstore.BlobStore, opts Options) *Compactor {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Compactor{store: store, opts: opts}
}

// VectorResult is the new deletion vector of one file.
type VectorResult struct {
	Info     manifest.VectorInfo
	Vector   *dv.Vector
	Absorbed int // entries folded into this vector
}

// Vectors merges entries into the current vector of each targeted file and
// writes the results. Entries must target OnDisk locations. base holds the
// vectors of the parent snapshot; it is not modified.
func (c *Compactor) Vectors(ctx context.Context, seq uint64, base map[model.FileID]*dv.Vector, entries []deletion.Entry) ([]VectorResult, error) {
	byFile := make(map[model.FileID]*dv.Vector)
	counts := make(map[model.FileID]int)
	for _, e := range entries {
		if e.Target.Kind != model.LocationOnDisk {
			return nil, fmt.Errorf("compact: entry for %s is not on disk", e.Target)
		}
		v, ok := byFile[e.Target.File]
		if !ok {
			v = base[e.Target.File].Clone()
			byFile[e.Target.File] = v
		}
		v.Add(e.Target.Offset, e.LSN)
		counts[e.Target.File]++
	}

	files := make([]model.FileID, 0, len(byFile))
	for id := range byFile {
		files = append(files, id)
	}
	slices.Sort(files)

	out := make([]VectorResult, 0, len(files))
	for _, id := range files {
		v := byFile[id]
		data, err := v.Encode()
		if err != nil {
			return nil, err
		}
		name := VectorName(id, seq)
		if err := c.put(ctx, name, data); err != nil {
			return nil, fmt.Errorf("write vector %s: %w", name, err)
		}
		out = append(out, VectorResult{
			Info: manifest.VectorInfo{
				File:        id,
				Name:        name,
				Cardinality: v.Cardinality(),
				MaxLSN:      v.MaxLSN(),
			},
			Vector:   v,
			Absorbed: counts[id],
		})
	}
	return out, nil
}

func (c *Compactor) put(ctx context.Context, name string, data []byte) error {
	return retry.Do(ctx, c.opts.Retry, flush.Retryable, func(attempt int, err error) {
		c.opts.Logger.Warn("compaction write failed, retrying", "object", name, "attempt", attempt, "error", err)
	}, func(ctx context.Context) error {
		if err := c.opts.Resources.AcquireIO(ctx, len(data)); err != nil {
			return err
		}
		return c.store.Put(ctx, name, data)
	})
}

// LoadVector reads and decodes a deletion vector object.
func (c *Compactor) LoadVector(ctx context.Context, name string) (*dv.Vector, error) {
	data, err := blobstore.Get(ctx, c.store, name)
	if err != nil {
		return nil, err
	}
	v, err := dv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
