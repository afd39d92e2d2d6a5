// Package cache implements the three bounded LRU caches of spec §4.5: the
// record-by-id cache, the equality-query-by-value cache, and the
// range-query-by-key cache. All three share the identical contract
// (get/put/remove/clear/get_stats) over a hashicorp/golang-lru/v2 core, with
// a thin mutex layered on top purely to keep hit/miss counters consistent
// with the recency-list mutation they describe.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats is the get_stats() snapshot of spec §4.5.
type Stats struct {
	Hits     uint64
	Misses   uint64
	HitRate  float64
	Len      int
	Capacity int
}

// LRU[K, V] is a bounded, thread-safe, statistics-tracking LRU cache.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	inner    *lru.Cache[K, V]
	capacity int
	hits     uint64
	misses   uint64
}

// New constructs an LRU bounded at capacity. capacity must be positive.
func New[K comparable, V any](capacity int) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	inner, _ := lru.New[K, V](capacity) // error only on capacity <= 0, already guarded
	return &LRU[K, V]{inner: inner, capacity: capacity}
}

// Get returns the cached value for key, tracking a hit or miss.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.inner.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Peek returns the cached value without affecting recency or statistics.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Peek(key)
}

// Put inserts or updates key's cached value.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key, value)
}

// Remove evicts key, if present.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
}

// Clear empties the cache and resets its statistics.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
	c.hits = 0
	c.misses = 0
}

// GetStats returns a snapshot of this cache's hit/miss statistics and size.
func (c *LRU[K, V]) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  rate,
		Len:      c.inner.Len(),
		Capacity: c.capacity,
	}
}
