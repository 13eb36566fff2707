package cdclake

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/compact"
	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/dv"
	"github.com/hupe1980/cdclake/internal/engine"
	"github.com/hupe1980/cdclake/internal/flush"
	"github.com/hupe1980/cdclake/internal/fs"
	"github.com/hupe1980/cdclake/internal/manifest"
	"github.com/hupe1980/cdclake/internal/metastore"
)

// ErrNoSnapshot is returned by ReadSchema for a table without commits.
var ErrNoSnapshot = errors.New("table has no snapshot")

// ReadSchema returns the schema recorded in the newest snapshot of the
// table at dir. The table must not be open with metastore commits.
func ReadSchema(ctx context.Context, dir string, opts ...Option) (Schema, error) {
	o := applyOptions(opts)
	blobs, commits, err := resolveStorage(ctx, filepath.Base(dir), &o)
	if err != nil {
		return Schema{}, translateIOError(err)
	}
	if blobs == nil {
		blobs = blobstore.NewLocalStore(filepath.Join(dir, engine.StoreDir), fs.LocalFS{})
	}
	if commits == nil {
		if o.metaCommits {
			meta, err := metastore.Open(dir)
			if err != nil {
				return Schema{}, err
			}
			defer meta.Close()
			commits = meta.CommitStore()
		} else {
			commits = blobstore.NewPointerCommitStore(blobs)
		}
	}

	m, _, err := manifest.NewStore(blobs, commits).Load(ctx)
	if errors.Is(err, manifest.ErrNotFound) {
		return Schema{}, ErrNoSnapshot
	}
	if err != nil {
		return Schema{}, translateIOError(err)
	}
	return m.Schema, nil
}

// ObjectInfo describes one object of the storage root.
type ObjectInfo struct {
	Name     string
	Kind     string // "manifest", "data" or "vector"
	Size     int64
	Rows     uint64 // rows in a data file or a manifest
	Deleted  uint64 // deleted positions in a vector or a manifest
	Codec    string
	Checksum uint64
	MinLSN   LSN
	MaxLSN   LSN
	Seq      uint64 // manifest sequence
	Files    int    // data files in a manifest
}

// Inspect decodes and verifies the object name of the table's storage
// root.
func (t *Table) Inspect(ctx context.Context, name string) (ObjectInfo, error) {
	store := t.t.Store()
	info := ObjectInfo{Name: name}

	switch {
	case strings.HasPrefix(name, manifest.Dir):
		m, err := t.t.Snapshots().Store().LoadName(ctx, name)
		if err != nil {
			return info, t.inspectErr("manifest", name, err)
		}
		info.Kind = "manifest"
		info.Seq = m.Seq
		info.Files = len(m.Files)
		info.Rows = m.Rows()
		info.Deleted = m.Deleted()
		info.MinLSN = m.ReadFloor
		info.MaxLSN = m.FlushLSN
	case strings.HasPrefix(name, flush.Dir):
		f, err := datafile.Open(ctx, store, name, t.t.Schema())
		if err != nil {
			return info, t.inspectErr("file", name, err)
		}
		info.Kind = "data"
		info.Size = f.Size()
		info.Rows = uint64(f.Rows())
		info.Codec = f.Codec().String()
		info.Checksum = f.Checksum()
		for pos := range f.Rows() {
			lsn := f.LSN(pos)
			if pos == 0 || lsn < info.MinLSN {
				info.MinLSN = lsn
			}
			info.MaxLSN = max(info.MaxLSN, lsn)
		}
	case strings.HasPrefix(name, compact.VectorDir):
		data, err := blobstore.Get(ctx, store, name)
		if err != nil {
			return info, t.inspectErr("vector", name, err)
		}
		v, err := dv.Decode(data)
		if err != nil {
			return info, t.inspectErr("vector", name, err)
		}
		info.Kind = "vector"
		info.Size = int64(len(data))
		info.Deleted = v.Cardinality()
		info.MaxLSN = v.MaxLSN()
	default:
		return info, fmt.Errorf("unknown object %q", name)
	}
	return info, nil
}

func (t *Table) inspectErr(kind, name string, err error) error {
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		return err
	case isDecodeError(err):
		return &CorruptError{Kind: kind, Name: name, cause: err}
	default:
		return translateIOError(err)
	}
}

func isDecodeError(err error) bool {
	return errors.Is(err, datafile.ErrCorrupted) ||
		errors.Is(err, dv.ErrCorrupted) ||
		errors.Is(err, manifest.ErrCorrupted)
}
