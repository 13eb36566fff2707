package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C_KnownValue(t *testing.T) {
	// RFC 3720 B.4 test vector: 32 bytes of zeros.
	assert.Equal(t, uint32(0x8a9136aa), CRC32C(make([]byte, 32)))
}

func TestSealOpenCRC32C(t *testing.T) {
	frame := SealCRC32C([]byte("deletion vector"))
	assert.Len(t, frame, len("deletion vector")+4)

	body, ok := OpenCRC32C(frame)
	assert.True(t, ok)
	assert.Equal(t, "deletion vector", string(body))

	frame[0] ^= 0xff
	_, ok = OpenCRC32C(frame)
	assert.False(t, ok)

	_, ok = OpenCRC32C([]byte{1, 2})
	assert.False(t, ok)
}

func TestContent64(t *testing.T) {
	a := Content64([]byte("a"))
	b := Content64([]byte("b"))
	assert.NotEqual(t, a, b)

	d := NewContent64()
	_, _ = d.Write([]byte("a"))
	assert.Equal(t, a, d.Sum64())
}
