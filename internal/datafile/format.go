// Package datafile implements the immutable columnar data file produced by
// a flush or a merge.
//
// Layout:
//
//	magic[4] version[1] codec[1]
//	block*: one per column, then the key block and the LSN block
//	footer: rows[4] ncols[2] kind[1]*ncols (offset[8] length[4] crc32c[4])*(ncols+2)
//	footerLen[4] footerCRC[4] magic[4]
//
// Every block is compressed independently and carries its own CRC32C.
package datafile

import (
	"errors"
)

const (
	magic         = "CDF1"
	formatVersion = 1
	headerSize    = len(magic) + 2
	trailerSize   = 4 + 4 + len(magic)
	blockRefSize  = 8 + 4 + 4
)

var (
	// ErrCorrupted is returned when a file fails checksum or structural validation.
	ErrCorrupted = errors.New("datafile: file corrupted")
	// ErrSchemaMismatch is returned when a file's column kinds differ from the table schema.
	ErrSchemaMismatch = errors.New("datafile: schema mismatch")
)

type blockRef struct {
	offset uint64
	length uint32
	crc    uint32
}
