package datafile

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/model"
)

func testSchema() model.Schema {
	return model.Schema{
		Columns: []model.Column{
			{Name: "id", Kind: model.KindInt},
			{Name: "name", Kind: model.KindString, Nullable: true},
			{Name: "score", Kind: model.KindFloat, Nullable: true},
			{Name: "ok", Kind: model.KindBool, Nullable: true},
			{Name: "blob", Kind: model.KindBytes, Nullable: true},
		},
		PrimaryKey: []int{0},
	}
}

func buildFile(t *testing.T, codec Codec, n int) ([]byte, Info) {
	t.Helper()
	s := testSchema()
	w := NewWriter(s, codec)
	for i := 0; i < n; i++ {
		row := model.Row{
			model.Int(int64(i)),
			model.String(fmt.Sprintf("name-%d", i%7)),
			model.Float(float64(i) / 2),
			model.Bool(i%2 == 0),
			model.Null(),
		}
		key, err := s.KeyOf(row)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), w.Add(key, row, uint64(100+i)))
	}
	var buf bytes.Buffer
	info, err := w.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes(), info
}

func TestRoundTrip_AllCodecs(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecZSTD} {
		t.Run(codec.String(), func(t *testing.T) {
			data, info := buildFile(t, codec, 500)
			assert.Equal(t, uint32(500), info.Rows)
			assert.Equal(t, int64(len(data)), info.Size)
			assert.Equal(t, uint64(100), info.MinLSN)
			assert.Equal(t, uint64(599), info.MaxLSN)

			f, err := Parse(data, testSchema())
			require.NoError(t, err)
			assert.Equal(t, uint32(500), f.Rows())
			assert.Equal(t, info.Checksum, f.Checksum())
			assert.Equal(t, codec, f.Codec())

			row := f.Row(42)
			assert.True(t, row[0].Equal(model.Int(42)))
			assert.True(t, row[1].Equal(model.String("name-0")))
			assert.True(t, row[4].IsNull())
			assert.Equal(t, uint64(142), f.LSN(42))

			key, _ := model.EncodeKey(model.Int(42))
			assert.Equal(t, key, f.Key(42))

			count := 0
			for range f.Scan() {
				count++
			}
			assert.Equal(t, 500, count)
		})
	}
}

func TestParse_DetectsCorruption(t *testing.T) {
	data, _ := buildFile(t, CodecZSTD, 50)
	for _, off := range []int{headerSize + 3, len(data) / 2, len(data) - trailerSize - 2} {
		bad := bytes.Clone(data)
		bad[off] ^= 0xFF
		_, err := Parse(bad, testSchema())
		assert.ErrorIs(t, err, ErrCorrupted, "offset %d", off)
	}

	_, err := Parse(data[:len(data)-1], testSchema())
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestParse_SchemaMismatch(t *testing.T) {
	data, _ := buildFile(t, CodecNone, 3)
	s := testSchema()
	s.Columns[1].Kind = model.KindBytes
	_, err := Parse(data, s)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestEmptyFile(t *testing.T) {
	data, info := buildFile(t, CodecLZ4, 0)
	assert.Zero(t, info.Rows)
	f, err := Parse(data, testSchema())
	require.NoError(t, err)
	assert.Zero(t, f.Rows())
}

func TestOpen_FromStore(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	data, _ := buildFile(t, CodecZSTD, 10)
	require.NoError(t, store.Put(ctx, "data/1.cdf", data))

	f, err := Open(ctx, store, "data/1.cdf", testSchema())
	require.NoError(t, err)
	assert.Equal(t, uint32(10), f.Rows())

	_, err = Open(ctx, store, "data/missing.cdf", testSchema())
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("lz4")
	require.NoError(t, err)
	assert.Equal(t, CodecLZ4, c)
	_, err = ParseCodec("snappy")
	assert.Error(t, err)
}
