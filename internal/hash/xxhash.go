package hash

import "github.com/cespare/xxhash/v2"

// Content64 returns the xxhash64 digest of data. Data files record it as a
// whole-file content checksum in the manifest.
func Content64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// NewContent64 returns a streaming xxhash64 digest.
func NewContent64() *xxhash.Digest {
	return xxhash.New()
}
