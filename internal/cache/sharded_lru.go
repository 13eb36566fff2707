package cache

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/hupe1980/cdclake/internal/resource"
)

const numShards = 16

// ShardedLRUBlockCache places every block of a blob in the same shard, so
// Invalidate locks one shard and concurrent reads of different data files
// rarely contend.
type ShardedLRUBlockCache struct {
	shards [numShards]*LRUBlockCache
}

// NewShardedLRUBlockCache splits capacity evenly across the shards.
func NewShardedLRUBlockCache(capacity int64, rc *resource.Controller) *ShardedLRUBlockCache {
	per := max(capacity/numShards, 1)

	s := &ShardedLRUBlockCache{}
	for i := range numShards {
		s.shards[i] = NewLRUBlockCache(per, rc)
	}
	return s
}

func (s *ShardedLRUBlockCache) shard(path string) *LRUBlockCache {
	return s.shards[xxhash.Sum64String(path)%numShards]
}

// Get returns a cached block.
func (s *ShardedLRUBlockCache) Get(ctx context.Context, key Key) ([]byte, bool) {
	return s.shard(key.Path).Get(ctx, key)
}

// Set caches a block.
func (s *ShardedLRUBlockCache) Set(ctx context.Context, key Key, b []byte) {
	s.shard(key.Path).Set(ctx, key, b)
}

// Invalidate drops every block of path.
func (s *ShardedLRUBlockCache) Invalidate(path string) {
	s.shard(path).Invalidate(path)
}

// Stats sums the shard counters.
func (s *ShardedLRUBlockCache) Stats() Stats {
	var total Stats
	for _, sh := range s.shards {
		total = total.Add(sh.Stats())
	}
	return total
}

// Size returns the cached bytes across all shards.
func (s *ShardedLRUBlockCache) Size() int64 {
	var total int64
	for _, sh := range s.shards {
		total += sh.Size()
	}
	return total
}
