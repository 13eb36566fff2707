package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/cdclake/internal/hash"
	"github.com/hupe1980/cdclake/model"
)

const (
	frameHeaderSize = 8
	maxRecordSize   = 64 << 20
)

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrShortRead      = errors.New("short read in WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// appendRecord frames ev as [crc32c][len][op][lsn][xact][key][row].
func appendRecord(buf []byte, ev model.Event) []byte {
	start := len(buf)
	buf = append(buf, make([]byte, frameHeaderSize)...)
	buf = append(buf, byte(ev.Op))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(ev.LSN))
	buf = binary.LittleEndian.AppendUint32(buf, ev.Xact)
	buf = binary.AppendUvarint(buf, uint64(len(ev.Key)))
	buf = append(buf, ev.Key...)
	buf = model.AppendRow(buf, ev.Row)

	payload := buf[start+frameHeaderSize:]
	binary.LittleEndian.PutUint32(buf[start:], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(buf[start+4:], uint32(len(payload)))
	return buf
}

// readRecord decodes the next framed event from r and reports the number of
// bytes consumed. A clean end of input returns io.EOF; a partial frame
// returns ErrShortRead.
func readRecord(r io.Reader, scratch []byte) (model.Event, int64, []byte, error) {
	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if err == io.EOF {
			return model.Event{}, 0, scratch, io.EOF
		}
		return model.Event{}, int64(n), scratch, ErrShortRead
	}
	crc := binary.LittleEndian.Uint32(hdr[0:4])
	size := binary.LittleEndian.Uint32(hdr[4:8])
	if size > maxRecordSize {
		return model.Event{}, frameHeaderSize, scratch, ErrRecordTooLarge
	}
	if cap(scratch) < int(size) {
		scratch = make([]byte, size)
	}
	payload := scratch[:size]
	if _, err := io.ReadFull(r, payload); err != nil {
		return model.Event{}, frameHeaderSize, scratch, ErrShortRead
	}
	if hash.CRC32C(payload) != crc {
		return model.Event{}, frameHeaderSize, scratch, ErrInvalidCRC
	}
	ev, err := decodePayload(payload)
	if err != nil {
		return model.Event{}, frameHeaderSize, scratch, err
	}
	return ev, frameHeaderSize + int64(size), scratch, nil
}

func decodePayload(b []byte) (model.Event, error) {
	if len(b) < 1+8+4 {
		return model.Event{}, fmt.Errorf("%w: payload too short", ErrCorrupted)
	}
	ev := model.Event{
		Op:   model.Op(b[0]),
		LSN:  model.LSN(binary.LittleEndian.Uint64(b[1:9])),
		Xact: binary.LittleEndian.Uint32(b[9:13]),
	}
	b = b[13:]
	klen, sz := binary.Uvarint(b)
	if sz <= 0 || uint64(len(b)-sz) < klen {
		return model.Event{}, fmt.Errorf("%w: bad key length", ErrCorrupted)
	}
	ev.Key = model.Key(b[sz : sz+int(klen)])
	b = b[sz+int(klen):]
	row, _, err := model.ReadRow(b)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if len(row) > 0 {
		ev.Row = row
	}
	return ev, nil
}
