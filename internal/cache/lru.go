package cache

import (
	"container/list"
	"context"
	"sync"

	"github.com/hupe1980/cdclake/internal/resource"
)

// LRUBlockCache keeps the most recently read blocks up to a byte capacity.
//
// Blocks are also indexed by blob so that Invalidate, which runs for every
// object a vacuum removes, touches only that blob's blocks.
type LRUBlockCache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	order    *list.List
	blobs    map[string]map[uint64]*list.Element
	rc       *resource.Controller
	stats    Stats
}

type block struct {
	key  Key
	data []byte
}

// NewLRUBlockCache creates a cache holding at most capacity bytes. Cached
// bytes count against rc's memory limit when rc is not nil.
func NewLRUBlockCache(capacity int64, rc *resource.Controller) *LRUBlockCache {
	return &LRUBlockCache{
		capacity: capacity,
		order:    list.New(),
		blobs:    make(map[string]map[uint64]*list.Element),
		rc:       rc,
	}
}

func (c *LRUBlockCache) lookup(key Key) (*list.Element, bool) {
	blocks, ok := c.blobs[key.Path]
	if !ok {
		return nil, false
	}
	e, ok := blocks[key.Block]
	return e, ok
}

// Get returns a cached block.
func (c *LRUBlockCache) Get(_ context.Context, key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(key)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	c.order.MoveToFront(e)
	return e.Value.(*block).data, true
}

// Set caches a block. Blocks larger than the capacity are not cached, and
// neither are blocks the memory controller has no room for.
func (c *LRUBlockCache) Set(_ context.Context, key Key, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := int64(len(data))
	if n > c.capacity {
		return
	}
	if e, ok := c.lookup(key); ok {
		// Blobs are immutable, so the cached bytes are the same.
		c.order.MoveToFront(e)
		return
	}

	for c.size+n > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.remove(back)
		c.stats.Evictions++
	}

	if !c.rc.TryAcquireMemory(n) {
		return
	}

	blocks, ok := c.blobs[key.Path]
	if !ok {
		blocks = make(map[uint64]*list.Element)
		c.blobs[key.Path] = blocks
	}
	blocks[key.Block] = c.order.PushFront(&block{key: key, data: data})
	c.size += n
}

// Invalidate removes every block of path.
func (c *LRUBlockCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.blobs[path] {
		c.remove(e)
	}
}

// Stats returns the cache counters and current size.
func (c *LRUBlockCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Bytes = c.size
	s.Blobs = len(c.blobs)
	return s
}

// Size returns the cached bytes.
func (c *LRUBlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *LRUBlockCache) remove(e *list.Element) {
	b := e.Value.(*block)
	c.order.Remove(e)
	if blocks := c.blobs[b.key.Path]; blocks != nil {
		delete(blocks, b.key.Block)
		if len(blocks) == 0 {
			delete(c.blobs, b.key.Path)
		}
	}
	n := int64(len(b.data))
	c.size -= n
	c.rc.ReleaseMemory(n)
}
