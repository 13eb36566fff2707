package compact

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/dv"
	"github.com/hupe1980/cdclake/internal/flush"
	"github.com/hupe1980/cdclake/internal/manifest"
	"github.com/hupe1980/cdclake/model"
)

// Input is one committed data file considered for a merge.
type Input struct {
	Info   manifest.FileInfo
	File   *datafile.File
	Vector *dv.Vector
}

// DeletedRatio returns the share of rows masked by the vector.
func (in Input) DeletedRatio() float64 {
	if in.Info.Rows == 0 {
		return 1
	}
	return float64(in.Vector.Cardinality()) / float64(in.Info.Rows)
}

// Candidates returns the inputs whose deleted ratio is at least ratio, in
// file id order. ratio <= 0 disables merging.
func Candidates(inputs []Input, ratio float64) []Input {
	if ratio <= 0 {
		return nil
	}
	var out []Input
	for _, in := range inputs {
		if in.Vector.IsEmpty() {
			continue
		}
		if in.DeletedRatio() >= ratio {
			out = append(out, in)
		}
	}
	slices.SortFunc(out, func(a, b Input) int {
		switch {
		case a.Info.ID < b.Info.ID:
			return -1
		case a.Info.ID > b.Info.ID:
			return 1
		}
		return 0
	})
	return out
}

// MergeResult describes a completed merge.
type MergeResult struct {
	// File is the merged file. File.Rows is zero when every source row was
	// deleted and nothing was written.
	File    manifest.FileInfo
	Sources []model.FileID
	// Positions maps a source file position to its merged position, or
	// flush.NoPosition for rows that were dropped.
	Positions map[model.FileID][]uint32
	// DroppedLSN is the highest delete LSN among dropped rows. Reads below
	// it can no longer be answered once the merge is published.
	DroppedLSN model.LSN
	// Data is the decoded merged file, nil when Empty.
	Data     *datafile.File
	Duration time.Duration
}

// Empty reports whether no merged file was written.
func (r MergeResult) Empty() bool { return r.File.Rows == 0 }

// Translate maps a location in a source file to the merged file.
func (r MergeResult) Translate(loc model.Location) (model.Location, bool) {
	if loc.Kind != model.LocationOnDisk {
		return loc, false
	}
	pos, ok := r.Positions[loc.File]
	if !ok || int(loc.Offset) >= len(pos) || pos[loc.Offset] == flush.NoPosition {
		return loc, false
	}
	return model.OnDisk(r.File.ID, pos[loc.Offset]), true
}

// Merge rewrites the live rows of inputs into a new file with id out. Rows
// masked by the input vectors are dropped; everything else keeps its
// insert LSN.
func (c *Compactor) Merge(ctx context.Context, inputs []Input, out model.FileID) (MergeResult, error) {
	start := time.Now()
	res := MergeResult{Positions: make(map[model.FileID][]uint32, len(inputs))}
	w := datafile.NewWriter(c.opts.Schema, c.opts.Codec)

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return MergeResult{}, err
		}
		if in.File == nil {
			return MergeResult{}, fmt.Errorf("compact: file %d not loaded", in.Info.ID)
		}
		res.Sources = append(res.Sources, in.Info.ID)
		pos := make([]uint32, in.File.Rows())
		for p := uint32(0); p < in.File.Rows(); p++ {
			if lsn, deleted := in.Vector.LSN(p); deleted {
				pos[p] = flush.NoPosition
				res.DroppedLSN = max(res.DroppedLSN, lsn)
				continue
			}
			pos[p] = w.Add(in.File.Key(p), in.File.Row(p), in.File.LSN(p))
		}
		res.Positions[in.Info.ID] = pos
	}

	name := flush.FileName(out)
	res.File = manifest.FileInfo{ID: out, Name: name}
	if w.Rows() == 0 {
		res.Duration = time.Since(start)
		return res, nil
	}

	var buf bytes.Buffer
	info, err := w.WriteTo(&buf)
	if err != nil {
		return MergeResult{}, err
	}
	decoded, err := datafile.Parse(buf.Bytes(), c.opts.Schema)
	if err != nil {
		return MergeResult{}, err
	}
	if err := c.put(ctx, name, buf.Bytes()); err != nil {
		return MergeResult{}, fmt.Errorf("write merged file %s: %w", name, err)
	}
	res.Data = decoded
	res.File.Rows = info.Rows
	res.File.Size = info.Size
	res.File.Checksum = info.Checksum
	res.File.MinLSN = info.MinLSN
	res.File.MaxLSN = info.MaxLSN
	res.Duration = time.Since(start)
	c.opts.Logger.Info("data files merged", "sources", res.Sources, "file", name,
		"rows", info.Rows, "duration", res.Duration)
	return res, nil
}
