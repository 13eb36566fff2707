package dv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVector_ContainsRespectsLSN(t *testing.T) {
	v := New()
	assert.True(t, v.Add(3, 10))
	assert.True(t, v.Add(7, 20))

	assert.False(t, v.Contains(3, 9))
	assert.True(t, v.Contains(3, 10))
	assert.False(t, v.Contains(7, 15))
	assert.True(t, v.Deleted(7))
	assert.Equal(t, uint64(2), v.Cardinality())
	assert.Equal(t, uint64(20), v.MaxLSN())
}

func TestVector_AddKeepsEarliestLSN(t *testing.T) {
	v := New()
	v.Add(1, 50)
	assert.False(t, v.Add(1, 40))
	assert.False(t, v.Add(1, 60))

	lsn, ok := v.LSN(1)
	require.True(t, ok)
	assert.Equal(t, uint64(40), lsn)
}

func TestVector_MergeIsCommutative(t *testing.T) {
	a := FromPositions(5, 1, 2)
	b := FromPositions(3, 2, 9)

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)

	assert.True(t, ab.Equal(ba))
	assert.Equal(t, []uint32{1, 2, 9}, ab.Positions())
	lsn, _ := ab.LSN(2)
	assert.Equal(t, uint64(3), lsn)
}

func TestVector_Since(t *testing.T) {
	v := New()
	v.Add(1, 5)
	v.Add(2, 10)
	v.Add(3, 15)
	assert.Equal(t, []uint32{2, 3}, v.Since(5).Positions())
}

func TestVector_EncodeDecode(t *testing.T) {
	v := New()
	for i := uint32(0); i < 1000; i += 3 {
		v.Add(i, uint64(i)+100)
	}
	data, err := v.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, v.Equal(got))
	assert.Equal(t, v.MaxLSN(), got.MaxLSN())
}

func TestDecode_DetectsCorruption(t *testing.T) {
	data, err := FromPositions(1, 4, 8).Encode()
	require.NoError(t, err)

	data[len(data)/2] ^= 0xFF
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = Decode([]byte("CDV"))
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestVector_NilIsEmpty(t *testing.T) {
	var v *Vector
	assert.True(t, v.IsEmpty())
	assert.False(t, v.Contains(0, 100))
	assert.Zero(t, v.Cardinality())
	assert.True(t, v.Clone().IsEmpty())
}
