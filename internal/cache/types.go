package cache

import "context"

// Key names one block of an immutable blob.
type Key struct {
	Path  string // blob name in the storage root
	Block uint64 // block index within the blob
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Bytes     int64
	Blobs     int
}

// Add returns the field-wise sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Hits:      s.Hits + o.Hits,
		Misses:    s.Misses + o.Misses,
		Evictions: s.Evictions + o.Evictions,
		Bytes:     s.Bytes + o.Bytes,
		Blobs:     s.Blobs + o.Blobs,
	}
}

// BlockCache caches blocks of immutable blobs. Returned slices are
// read-only.
type BlockCache interface {
	Get(ctx context.Context, key Key) ([]byte, bool)
	// Set caches b. The caller must not modify b afterwards.
	Set(ctx context.Context, key Key, b []byte)
	// Invalidate drops every block of the named blob.
	Invalidate(path string)
	Stats() Stats
}
