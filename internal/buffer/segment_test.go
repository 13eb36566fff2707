package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cdclake/model"
)

func row(id int64, name string) model.Row {
	return model.Row{model.Int(id), model.String(name)}
}

func key(id int64) model.Key {
	k, _ := model.EncodeKey(model.Int(id))
	return k
}

func TestSegment_AppendAndRead(t *testing.T) {
	s := New(1, 2)
	off, size, err := s.Append(key(1), row(1, "a"), 10)
	require.NoError(t, err)
	assert.Zero(t, off)
	assert.Positive(t, size)

	off, _, err = s.Append(key(2), row(2, "b"), 11)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), off)

	assert.Equal(t, uint32(2), s.Len())
	assert.Equal(t, key(2), s.Key(1))
	assert.True(t, s.Row(1).Equal(row(2, "b")))
	assert.True(t, s.Value(0, 1).Equal(model.String("a")))
	assert.Equal(t, uint64(11), s.InsertLSN(1))
	lo, hi := s.LSNRange()
	assert.Equal(t, uint64(10), lo)
	assert.Equal(t, uint64(11), hi)
}

func TestSegment_GrowsAcrossChunks(t *testing.T) {
	s := New(1, 2)
	n := chunkSize*2 + 17
	for i := 0; i < n; i++ {
		_, _, err := s.Append(key(int64(i)), row(int64(i), "x"), uint64(i+1))
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(n), s.Len())
	assert.True(t, s.Row(uint32(chunkSize+5)).Equal(row(int64(chunkSize+5), "x")))
}

func TestSegment_InvalidateInPlace(t *testing.T) {
	s := New(1, 2)
	_, _, _ = s.Append(key(1), row(1, "a"), 5)
	_, _, _ = s.Append(key(2), row(2, "b"), 6)

	assert.True(t, s.Invalidate(0, 7))
	assert.False(t, s.Invalidate(0, 8), "already invalid")

	assert.True(t, s.Visible(0, 6))
	assert.False(t, s.Visible(0, 7))
	assert.False(t, s.Visible(1, 5), "inserted after asOf")
	assert.True(t, s.Visible(1, 6))

	assert.Equal(t, []uint32{1}, s.Survivors())
	assert.Equal(t, uint64(7), s.MaxDroppedLSN())
	assert.Equal(t, uint32(1), s.Invalidated())
}

func TestSegment_SealedRejectsMutation(t *testing.T) {
	s := New(3, 2)
	_, _, _ = s.Append(key(1), row(1, "a"), 1)
	s.Seal(42)

	assert.Equal(t, Sealed, s.State())
	assert.Equal(t, model.FileID(42), s.File())
	_, _, err := s.Append(key(2), row(2, "b"), 2)
	assert.ErrorIs(t, err, ErrNotActive)
	assert.False(t, s.Invalidate(0, 3))
}

func TestSegment_ConcurrentReadersSeeCompleteRows(t *testing.T) {
	s := New(1, 2)
	const n = chunkSize + 100

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, _, _ = s.Append(key(int64(i)), row(int64(i), "v"), uint64(i+1))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s.Len() < n {
				l := s.Len()
				if l == 0 {
					continue
				}
				off := l - 1
				got := s.Row(off)
				assert.True(t, got[0].Equal(model.Int(int64(off))))
			}
		}()
	}
	wg.Wait()
}
