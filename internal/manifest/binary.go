package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/cdclake/internal/hash"
	"github.com/hupe1980/cdclake/model"
)

const (
	binaryMagic = 0x43444c4b // "CDLK"
	headerSize  = 16
)

// WriteBinary writes the manifest in binary format.
// Format:
// Magic (4 bytes)
// Version (4 bytes)
// Checksum (4 bytes) - CRC32C of payload
// PayloadLength (4 bytes)
// Payload:
//
//	Seq, Parent (8 bytes each)
//	TableID, CommitID (16 bytes each)
//	CreatedAt (8 bytes) - UnixNano
//	Schema: NumColumns (2), Columns... (name string, kind 1, nullable 1), NumKey (2), ordinals (2 each)
//	FlushLSN, ReadFloor, NextFileID (8 bytes each)
//	NumFiles (4 bytes), Files... (id 8, name, rows 4, size 8, checksum 8, minLSN 8, maxLSN 8)
//	NumVectors (4 bytes), Vectors... (file 8, name, cardinality 8, maxLSN 8)
func (m *Manifest) WriteBinary(w io.Writer) error {
	pb := newPayloadBuffer(make([]byte, 0, 256+len(m.Files)*96+len(m.Vectors)*64))

	pb.writeUint64(m.Seq)
	pb.writeUint64(m.Parent)
	pb.writeBytes(m.TableID[:])
	pb.writeBytes(m.CommitID[:])
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))

	pb.writeUint16(uint16(len(m.Schema.Columns)))
	for _, c := range m.Schema.Columns {
		pb.writeString(c.Name)
		pb.writeByte(byte(c.Kind))
		pb.writeBool(c.Nullable)
	}
	pb.writeUint16(uint16(len(m.Schema.PrimaryKey)))
	for _, ord := range m.Schema.PrimaryKey {
		pb.writeUint16(uint16(ord))
	}

	pb.writeUint64(m.FlushLSN)
	pb.writeUint64(m.ReadFloor)
	pb.writeUint64(uint64(m.NextFileID))

	pb.writeUint32(uint32(len(m.Files)))
	for _, f := range m.Files {
		pb.writeUint64(uint64(f.ID))
		pb.writeString(f.Name)
		pb.writeUint32(f.Rows)
		pb.writeUint64(uint64(f.Size))
		pb.writeUint64(f.Checksum)
		pb.writeUint64(f.MinLSN)
		pb.writeUint64(f.MaxLSN)
	}
	pb.writeUint32(uint32(len(m.Vectors)))
	for _, v := range m.Vectors {
		pb.writeUint64(uint64(v.File))
		pb.writeString(v.Name)
		pb.writeUint64(v.Cardinality)
		pb.writeUint64(v.MaxLSN)
	}

	if pb.err != nil {
		return pb.err
	}

	payload := pb.buf
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(header[4:8], CurrentVersion)
	binary.LittleEndian.PutUint32(header[8:12], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadBinary reads a manifest written by WriteBinary.
func ReadBinary(r io.Reader) (*Manifest, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupted, err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorrupted, magic)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	checksum := binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCorrupted, err)
	}
	if hash.CRC32C(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	pb := newPayloadBuffer(payload)
	m := &Manifest{Version: int(version)}

	m.Seq = pb.readUint64()
	m.Parent = pb.readUint64()
	m.TableID = pb.readUUID()
	m.CommitID = pb.readUUID()
	m.CreatedAt = time.Unix(0, int64(pb.readUint64()))

	ncols := int(pb.readUint16())
	m.Schema.Columns = make([]model.Column, 0, ncols)
	for i := 0; i < ncols && pb.err == nil; i++ {
		m.Schema.Columns = append(m.Schema.Columns, model.Column{
			Name:     pb.readString(),
			Kind:     model.Kind(pb.readByte()),
			Nullable: pb.readBool(),
		})
	}
	nkey := int(pb.readUint16())
	m.Schema.PrimaryKey = make([]int, 0, nkey)
	for i := 0; i < nkey && pb.err == nil; i++ {
		m.Schema.PrimaryKey = append(m.Schema.PrimaryKey, int(pb.readUint16()))
	}

	m.FlushLSN = pb.readUint64()
	m.ReadFloor = pb.readUint64()
	m.NextFileID = model.FileID(pb.readUint64())

	nfiles := int(pb.readUint32())
	for i := 0; i < nfiles && pb.err == nil; i++ {
		m.Files = append(m.Files, FileInfo{
			ID:       model.FileID(pb.readUint64()),
			Name:     pb.readString(),
			Rows:     pb.readUint32(),
			Size:     int64(pb.readUint64()),
			Checksum: pb.readUint64(),
			MinLSN:   pb.readUint64(),
			MaxLSN:   pb.readUint64(),
		})
	}
	nvec := int(pb.readUint32())
	for i := 0; i < nvec && pb.err == nil; i++ {
		m.Vectors = append(m.Vectors, VectorInfo{
			File:        model.FileID(pb.readUint64()),
			Name:        pb.readString(),
			Cardinality: pb.readUint64(),
			MaxLSN:      pb.readUint64(),
		})
	}

	if pb.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, pb.err)
	}
	return m, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err == nil {
		p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
	}
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err == nil {
		p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
	}
}

func (p *payloadBuffer) writeUint16(v uint16) {
	if p.err == nil {
		p.buf = binary.LittleEndian.AppendUint16(p.buf, v)
	}
}

func (p *payloadBuffer) writeByte(b byte) {
	if p.err == nil {
		p.buf = append(p.buf, b)
	}
}

func (p *payloadBuffer) writeBool(b bool) {
	if b {
		p.writeByte(1)
	} else {
		p.writeByte(0)
	}
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err == nil {
		p.buf = append(p.buf, b...)
	}
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) need(n int) bool {
	if p.err != nil {
		return false
	}
	if p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (p *payloadBuffer) readUint64() uint64 {
	if !p.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if !p.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readUint16() uint16 {
	if !p.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(p.buf[p.pos:])
	p.pos += 2
	return v
}

func (p *payloadBuffer) readByte() byte {
	if !p.need(1) {
		return 0
	}
	b := p.buf[p.pos]
	p.pos++
	return b
}

func (p *payloadBuffer) readBool() bool { return p.readByte() == 1 }

func (p *payloadBuffer) readUUID() uuid.UUID {
	var id uuid.UUID
	if !p.need(len(id)) {
		return id
	}
	copy(id[:], p.buf[p.pos:])
	p.pos += len(id)
	return id
}

func (p *payloadBuffer) readString() string {
	l := int(p.readUint16())
	if !p.need(l) {
		return ""
	}
	s := string(p.buf[p.pos : p.pos+l])
	p.pos += l
	return s
}
