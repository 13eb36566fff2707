package hash

import (
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// SealCRC32C appends the little-endian CRC32C of frame to frame.
func SealCRC32C(frame []byte) []byte {
	return binary.LittleEndian.AppendUint32(frame, CRC32C(frame))
}

// OpenCRC32C splits a frame written by SealCRC32C into its body. ok is
// false when the frame is too short or the checksum does not match.
func OpenCRC32C(frame []byte) (body []byte, ok bool) {
	if len(frame) < 4 {
		return nil, false
	}
	body = frame[:len(frame)-4]
	return body, CRC32C(body) == binary.LittleEndian.Uint32(frame[len(body):])
}
