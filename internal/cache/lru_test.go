package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/cdclake/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUBlockCache_Eviction(t *testing.T) {
	ctx := context.Background()
	c := NewLRUBlockCache(10, nil)

	c.Set(ctx, Key{Path: "a", Block: 0}, []byte("12345"))
	c.Set(ctx, Key{Path: "a", Block: 1}, []byte("12345"))

	// Touch block 0 so block 1 is the eviction victim.
	_, ok := c.Get(ctx, Key{Path: "a", Block: 0})
	require.True(t, ok)

	c.Set(ctx, Key{Path: "b", Block: 0}, []byte("123"))

	_, ok = c.Get(ctx, Key{Path: "a", Block: 1})
	assert.False(t, ok)
	_, ok = c.Get(ctx, Key{Path: "a", Block: 0})
	assert.True(t, ok)
	assert.Equal(t, int64(8), c.Size())

	st := c.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Evictions)
	assert.Equal(t, 2, st.Blobs)
}

func TestLRUBlockCache_TooLarge(t *testing.T) {
	c := NewLRUBlockCache(4, nil)
	c.Set(context.Background(), Key{Path: "a"}, []byte("12345"))
	assert.Equal(t, int64(0), c.Size())
}

func TestLRUBlockCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := NewLRUBlockCache(1024, nil)
	c.Set(ctx, Key{Path: "a", Block: 0}, []byte("x"))
	c.Set(ctx, Key{Path: "a", Block: 1}, []byte("y"))
	c.Set(ctx, Key{Path: "b", Block: 0}, []byte("z"))

	c.Invalidate("a")
	assert.Equal(t, int64(1), c.Size())
	assert.Equal(t, 1, c.Stats().Blobs)
	_, ok := c.Get(ctx, Key{Path: "b", Block: 0})
	assert.True(t, ok)
	_, ok = c.Get(ctx, Key{Path: "a", Block: 1})
	assert.False(t, ok)

	// Invalidating an unknown blob is a no-op.
	c.Invalidate("missing")
	assert.Equal(t, int64(1), c.Size())
}

func TestLRUBlockCache_RespectsMemoryController(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 4})
	c := NewLRUBlockCache(1024, rc)

	c.Set(ctx, Key{Path: "a"}, []byte("1234"))
	c.Set(ctx, Key{Path: "b"}, []byte("5"))

	_, ok := c.Get(ctx, Key{Path: "b"})
	assert.False(t, ok)
	assert.Equal(t, int64(4), rc.MemoryUsage())

	c.Invalidate("a")
	assert.Equal(t, int64(0), rc.MemoryUsage())
}

func TestShardedLRUBlockCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewShardedLRUBlockCache(1<<20, nil)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := Key{Path: fmt.Sprintf("f%d", g), Block: uint64(i)}
				c.Set(ctx, key, []byte("data"))
				_, _ = c.Get(ctx, key)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8*200*4), c.Size())
	assert.Equal(t, int64(8*200), c.Stats().Hits)

	c.Invalidate("f0")
	assert.Equal(t, int64(7*200*4), c.Size())
}
