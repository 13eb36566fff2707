package datafile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/cdclake/internal/hash"
	"github.com/hupe1980/cdclake/model"
)

// Info describes a written file. It is recorded in the manifest.
type Info struct {
	Rows     uint32
	Size     int64
	Checksum uint64 // xxhash64 of the whole file
	MinLSN   model.LSN
	MaxLSN   model.LSN
}

// Writer accumulates rows in file position order and serializes them.
type Writer struct {
	schema model.Schema
	codec  Codec
	cols   [][]byte
	keys   []byte
	lsns   []byte
	rows   uint32
	minLSN model.LSN
	maxLSN model.LSN
}

// NewWriter returns a writer for schema.
func NewWriter(schema model.Schema, codec Codec) *Writer {
	return &Writer{
		schema: schema,
		codec:  codec,
		cols:   make([][]byte, len(schema.Columns)),
	}
}

// Add appends a row and returns its file position.
func (w *Writer) Add(key model.Key, row model.Row, lsn model.LSN) uint32 {
	for i := range w.cols {
		w.cols[i] = model.AppendValue(w.cols[i], row[i])
	}
	w.keys = binary.AppendUvarint(w.keys, uint64(len(key)))
	w.keys = append(w.keys, key...)
	w.lsns = binary.LittleEndian.AppendUint64(w.lsns, lsn)

	if w.rows == 0 || lsn < w.minLSN {
		w.minLSN = lsn
	}
	w.maxLSN = max(w.maxLSN, lsn)
	pos := w.rows
	w.rows++
	return pos
}

// Rows returns the number of rows added so far.
func (w *Writer) Rows() uint32 { return w.rows }

// WriteTo serializes the file to out.
func (w *Writer) WriteTo(out io.Writer) (Info, error) {
	digest := hash.NewContent64()
	mw := io.MultiWriter(out, digest)
	var offset int64

	write := func(p []byte) error {
		n, err := mw.Write(p)
		offset += int64(n)
		return err
	}

	header := append([]byte(magic), formatVersion, byte(w.codec))
	if err := write(header); err != nil {
		return Info{}, err
	}

	blocks := make([][]byte, 0, len(w.cols)+2)
	blocks = append(blocks, w.cols...)
	blocks = append(blocks, w.keys, w.lsns)

	refs := make([]blockRef, 0, len(blocks))
	for i, raw := range blocks {
		framed, err := compressBlock(raw, w.codec)
		if err != nil {
			return Info{}, fmt.Errorf("datafile: compress block %d: %w", i, err)
		}
		refs = append(refs, blockRef{offset: uint64(offset), length: uint32(len(framed)), crc: hash.CRC32C(framed)})
		if err := write(framed); err != nil {
			return Info{}, err
		}
	}

	footer := binary.LittleEndian.AppendUint32(nil, w.rows)
	footer = binary.LittleEndian.AppendUint16(footer, uint16(len(w.schema.Columns)))
	for _, c := range w.schema.Columns {
		footer = append(footer, byte(c.Kind))
	}
	for _, r := range refs {
		footer = binary.LittleEndian.AppendUint64(footer, r.offset)
		footer = binary.LittleEndian.AppendUint32(footer, r.length)
		footer = binary.LittleEndian.AppendUint32(footer, r.crc)
	}
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(footer)))
	footer = binary.LittleEndian.AppendUint32(footer, hash.CRC32C(footer[:len(footer)-4]))
	footer = append(footer, magic...)
	if err := write(footer); err != nil {
		return Info{}, err
	}

	return Info{
		Rows:     w.rows,
		Size:     offset,
		Checksum: digest.Sum64(),
		MinLSN:   w.minLSN,
		MaxLSN:   w.maxLSN,
	}, nil
}
