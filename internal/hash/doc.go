// Package hash provides the checksums used for on-disk integrity.
//
// # CRC32-Castagnoli (CRC32C)
//
// Block-level checksums (WAL records, data-file column blocks, deletion
// vectors) use CRC32C, which Go's hash/crc32 accelerates in hardware:
//
//	checksum := hash.CRC32C(data)
//
// # xxhash64
//
// Whole-file content digests use xxhash64. The manifest stores the digest of
// every data file so a reader can detect a replaced or truncated object:
//
//	sum := hash.Content64(fileBytes)
package hash
