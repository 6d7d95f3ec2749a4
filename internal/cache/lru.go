// Package cache provides the bounded LRU cache and the per-project
// semantic query cache.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats is a consistent snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// LRU is a bounded, concurrency-safe key-value cache with LRU eviction
// and operation stats. Capacity is fixed at construction; a Get hit
// promotes the entry; a Put on a full cache evicts the least recently
// used entry. All operations, including stat updates, happen under a
// single mutex so observers never see a torn state.
type LRU[K comparable, V any] struct {
	mu        sync.Mutex
	inner     *lru.Cache[K, V]
	capacity  int
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewLRU creates a bounded LRU cache with the given capacity.
// Capacity must be positive.
func NewLRU[K comparable, V any](capacity int) (*LRU[K, V], error) {
	inner, err := lru.New[K, V](capacity)
	if err != nil {
		return nil, err
	}
	return &LRU[K, V]{inner: inner, capacity: capacity}, nil
}

// Get returns the value for key and promotes the entry on hit.
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

// Peek returns the value for key without promoting it or counting stats.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Peek(key)
}

// Put inserts or replaces the value for key, evicting the LRU entry
// when the cache is full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if evicted := c.inner.Add(key, value); evicted {
		c.evictions++
	}
}

// Delete removes key. Explicit removals are not counted as evictions.
func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Remove(key)
}

// Clear removes all entries, preserving the counters.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
}

// Keys returns the keys from least to most recently used.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Keys()
}

// Len returns the current number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

// Stats returns a consistent snapshot of the counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.inner.Len(),
		Capacity:  c.capacity,
	}
}
