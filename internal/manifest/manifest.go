package manifest

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/cdclake/model"
)

// CurrentVersion is the version of the manifest format.
const CurrentVersion = 1

// Manifest is the persisted form of a table snapshot.
type Manifest struct {
	Version   int
	Seq       uint64 // snapshot sequence number, strictly increasing
	Parent    uint64
	TableID   uuid.UUID
	CommitID  uuid.UUID // identifies the commit attempt that wrote this manifest
	CreatedAt time.Time
	Schema    model.Schema

	// FlushLSN is the resume checkpoint: every change with LSN <= FlushLSN
	// is reflected by this snapshot.
	FlushLSN model.LSN
	// ReadFloor is the lowest LSN this snapshot can answer reads for.
	ReadFloor  model.LSN
	NextFileID model.FileID

	Files   []FileInfo
	Vectors []VectorInfo
}

// FileInfo describes one data file.
type FileInfo struct {
	ID       model.FileID
	Name     string
	Rows     uint32
	Size     int64
	Checksum uint64 // xxhash64 of the file
	MinLSN   model.LSN
	MaxLSN   model.LSN
}

// VectorInfo describes the deletion vector of one data file.
type VectorInfo struct {
	File        model.FileID
	Name        string
	Cardinality uint64
	MaxLSN      model.LSN
}

// New returns the manifest of an empty table.
func New(schema model.Schema) *Manifest {
	return &Manifest{
		Version:    CurrentVersion,
		TableID:    uuid.New(),
		CreatedAt:  time.Now(),
		Schema:     schema,
		NextFileID: 1,
	}
}

// Clone returns a deep copy suitable for deriving a child snapshot.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Schema.Columns = slices.Clone(m.Schema.Columns)
	out.Schema.PrimaryKey = slices.Clone(m.Schema.PrimaryKey)
	out.Files = slices.Clone(m.Files)
	out.Vectors = slices.Clone(m.Vectors)
	return &out
}

// File returns the info of file id.
func (m *Manifest) File(id model.FileID) (FileInfo, bool) {
	for _, f := range m.Files {
		if f.ID == id {
			return f, true
		}
	}
	return FileInfo{}, false
}

// Vector returns the deletion vector info of file id.
func (m *Manifest) Vector(id model.FileID) (VectorInfo, bool) {
	for _, v := range m.Vectors {
		if v.File == id {
			return v, true
		}
	}
	return VectorInfo{}, false
}

// Rows returns the total row count of all files, before deletions.
func (m *Manifest) Rows() uint64 {
	var n uint64
	for _, f := range m.Files {
		n += uint64(f.Rows)
	}
	return n
}

// Deleted returns the total number of deleted positions.
func (m *Manifest) Deleted() uint64 {
	var n uint64
	for _, v := range m.Vectors {
		n += v.Cardinality
	}
	return n
}

// Objects returns the names of every data file and deletion vector the
// manifest references.
func (m *Manifest) Objects() []string {
	out := make([]string, 0, len(m.Files)+len(m.Vectors))
	for _, f := range m.Files {
		out = append(out, f.Name)
	}
	for _, v := range m.Vectors {
		out = append(out, v.Name)
	}
	return out
}
