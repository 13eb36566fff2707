package datafile

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/hash"
	"github.com/hupe1980/cdclake/model"
)

// File is a fully decoded, immutable data file.
type File struct {
	codec    Codec
	rows     uint32
	cols     [][]model.Value
	keys     []model.Key
	lsns     []model.LSN
	size     int64
	checksum uint64
}

// Open reads and decodes the named file from store.
func Open(ctx context.Context, store blobstore.BlobStore, name string, schema model.Schema) (*File, error) {
	data, err := blobstore.Get(ctx, store, name)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data, schema)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

// Parse decodes a serialized file, verifying every checksum.
func Parse(data []byte, schema model.Schema) (*File, error) {
	if len(data) < headerSize+trailerSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrCorrupted, len(data))
	}
	if string(data[:len(magic)]) != magic || string(data[len(data)-len(magic):]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	if data[len(magic)] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, data[len(magic)])
	}
	codec := Codec(data[len(magic)+1])

	trailer := data[len(data)-trailerSize:]
	footerLen := int(binary.LittleEndian.Uint32(trailer))
	footerCRC := binary.LittleEndian.Uint32(trailer[4:])
	if footerLen > len(data)-headerSize-trailerSize {
		return nil, fmt.Errorf("%w: footer length %d", ErrCorrupted, footerLen)
	}
	footer := data[len(data)-trailerSize-footerLen : len(data)-trailerSize]
	if hash.CRC32C(footer) != footerCRC {
		return nil, fmt.Errorf("%w: footer checksum mismatch", ErrCorrupted)
	}

	if len(footer) < 6 {
		return nil, fmt.Errorf("%w: short footer", ErrCorrupted)
	}
	rows := binary.LittleEndian.Uint32(footer)
	ncols := int(binary.LittleEndian.Uint16(footer[4:]))
	footer = footer[6:]
	if len(footer) != ncols+(ncols+2)*blockRefSize {
		return nil, fmt.Errorf("%w: footer size", ErrCorrupted)
	}
	if ncols != len(schema.Columns) {
		return nil, fmt.Errorf("%w: file has %d columns, schema %d", ErrSchemaMismatch, ncols, len(schema.Columns))
	}
	for i, c := range schema.Columns {
		if model.Kind(footer[i]) != c.Kind {
			return nil, fmt.Errorf("%w: column %q is %s in file", ErrSchemaMismatch, c.Name, model.Kind(footer[i]))
		}
	}
	footer = footer[ncols:]

	blocks := make([][]byte, ncols+2)
	for i := range blocks {
		ref := footer[i*blockRefSize:]
		off := binary.LittleEndian.Uint64(ref)
		length := uint64(binary.LittleEndian.Uint32(ref[8:]))
		crc := binary.LittleEndian.Uint32(ref[12:])
		if off+length > uint64(len(data)) {
			return nil, fmt.Errorf("%w: block %d out of range", ErrCorrupted, i)
		}
		framed := data[off : off+length]
		if hash.CRC32C(framed) != crc {
			return nil, fmt.Errorf("%w: block %d checksum mismatch", ErrCorrupted, i)
		}
		raw, err := decompressBlock(framed, codec)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", ErrCorrupted, i, err)
		}
		blocks[i] = raw
	}

	f := &File{
		codec:    codec,
		rows:     rows,
		cols:     make([][]model.Value, ncols),
		keys:     make([]model.Key, 0, rows),
		lsns:     make([]model.LSN, 0, rows),
		size:     int64(len(data)),
		checksum: hash.Content64(data),
	}
	for c := 0; c < ncols; c++ {
		b := blocks[c]
		vals := make([]model.Value, 0, rows)
		for r := uint32(0); r < rows; r++ {
			v, rest, err := model.ReadValue(b)
			if err != nil {
				return nil, fmt.Errorf("%w: column %d row %d: %v", ErrCorrupted, c, r, err)
			}
			vals = append(vals, v)
			b = rest
		}
		f.cols[c] = vals
	}

	kb := blocks[ncols]
	for r := uint32(0); r < rows; r++ {
		n, sz := binary.Uvarint(kb)
		if sz <= 0 || uint64(len(kb)-sz) < n {
			return nil, fmt.Errorf("%w: key %d truncated", ErrCorrupted, r)
		}
		f.keys = append(f.keys, model.Key(kb[sz:sz+int(n)]))
		kb = kb[sz+int(n):]
	}

	lb := blocks[ncols+1]
	if len(lb) != 8*int(rows) {
		return nil, fmt.Errorf("%w: lsn block size", ErrCorrupted)
	}
	for r := 0; r < int(rows); r++ {
		f.lsns = append(f.lsns, binary.LittleEndian.Uint64(lb[8*r:]))
	}
	return f, nil
}

// Rows returns the number of rows in the file.
func (f *File) Rows() uint32 { return f.rows }

// Size returns the encoded size in bytes.
func (f *File) Size() int64 { return f.size }

// Checksum returns the xxhash64 of the encoded file.
func (f *File) Checksum() uint64 { return f.checksum }

// Codec returns the block codec the file was written with.
func (f *File) Codec() Codec { return f.codec }

// Key returns the primary key at pos.
func (f *File) Key(pos uint32) model.Key { return f.keys[pos] }

// LSN returns the insert LSN at pos.
func (f *File) LSN(pos uint32) model.LSN { return f.lsns[pos] }

// Row materializes the row at pos.
func (f *File) Row(pos uint32) model.Row {
	row := make(model.Row, len(f.cols))
	for c := range f.cols {
		row[c] = f.cols[c][pos]
	}
	return row
}

// Scan iterates every row position in order.
func (f *File) Scan() iter.Seq2[uint32, model.Row] {
	return func(yield func(uint32, model.Row) bool) {
		for pos := uint32(0); pos < f.rows; pos++ {
			if !yield(pos, f.Row(pos)) {
				return
			}
		}
	}
}
