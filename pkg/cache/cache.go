// Package cache is the bounded query-result cache: sharded TTL-LRU with lazy
// epoch invalidation. Entries written against an older store epoch stay in
// place and are rejected at lookup, keeping graph writes O(1) with respect to
// the cache.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const shardCount = 16

// Key identifies one distance computation.
type Key struct {
	From, To       uint32
	MaxHops        int
	IncludeBridges bool
}

// Stats is the cache section of the stats operation.
type Stats struct {
	Size   int    `json:"size"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

type entry[V any] struct {
	val   V
	epoch uint64
}

// Cache is safe for concurrent use; shards keep readers of different keys off
// each other's locks.
type Cache[V any] struct {
	shards [shardCount]*expirable.LRU[Key, entry[V]]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache holding up to capacity entries that expire ttl after
// insertion.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	c := &Cache[V]{}
	for i := range c.shards {
		c.shards[i] = expirable.NewLRU[Key, entry[V]](perShard, nil, ttl)
	}
	return c
}

func (c *Cache[V]) shard(k Key) *expirable.LRU[Key, entry[V]] {
	h := uint64(k.From)*0x9e3779b1 ^ uint64(k.To)<<17 ^ uint64(k.MaxHops)<<3
	if k.IncludeBridges {
		h ^= 1
	}
	return c.shards[h%shardCount]
}

// Get returns the cached value for k unless it is absent, TTL-expired, or
// computed against an epoch older than currentEpoch.
func (c *Cache[V]) Get(k Key, currentEpoch uint64) (V, bool) {
	sh := c.shard(k)
	e, ok := sh.Get(k)
	if ok && e.epoch < currentEpoch {
		sh.Remove(k)
		ok = false
	}
	if !ok {
		var zero V
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.val, true
}

// Put stores v computed against the given store epoch.
func (c *Cache[V]) Put(k Key, v V, epoch uint64) {
	c.shard(k).Add(k, entry[V]{val: v, epoch: epoch})
}

// InvalidateAll drops every entry.
func (c *Cache[V]) InvalidateAll() {
	for _, sh := range c.shards {
		sh.Purge()
	}
}

func (c *Cache[V]) Stats() Stats {
	size := 0
	for _, sh := range c.shards {
		size += sh.Len()
	}
	return Stats{Size: size, Hits: c.hits.Load(), Misses: c.misses.Load()}
}
