// Package cache stores pooled embedding vectors keyed by their token inputs.
package cache

import (
	"sync"
)

// VectorCache defines a generic interface for caching embeddings.
type VectorCache interface {
	// Get retrieves a vector from the cache.
	Get(key string) ([]float32, bool)
	// Put stores a vector in the cache.
	Put(key string, vec []float32)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of VectorCache. When
// maxEntries is positive the cache is cleared once it is full.
type MapCache struct {
	data       map[string][]float32
	maxEntries int
	mu         sync.RWMutex
}

func NewMapCache() *MapCache {
	return NewBoundedMapCache(0)
}

// NewBoundedMapCache returns a MapCache holding at most maxEntries vectors.
func NewBoundedMapCache(maxEntries int) *MapCache {
	return &MapCache{
		data:       make(map[string][]float32),
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		hits.WithLabelValues("memory").Inc()
		dst := make([]float32, len(v))
		copy(dst, v)
		return dst, true
	}
	misses.WithLabelValues("memory").Inc()
	return nil, false
}

func (c *MapCache) Put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		evictions.WithLabelValues("memory").Add(float64(len(c.data)))
		c.data = make(map[string][]float32, c.maxEntries)
	}

	// Store copy
	dst := make([]float32, len(vec))
	copy(dst, vec)
	c.data[key] = dst
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
