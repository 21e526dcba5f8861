package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process TTL cache of typed values
type Memory[V any] struct {
	cache *gocache.Cache
}

// NewMemory creates a memory cache; expired entries are purged every cleanupInterval
func NewMemory[V any](defaultTTL time.Duration, cleanupInterval time.Duration) *Memory[V] {
	return &Memory[V]{
		cache: gocache.New(defaultTTL, cleanupInterval),
	}
}

// Get retrieves a value
func (c *Memory[V]) Get(key string) (V, bool) {
	if val, found := c.cache.Get(key); found {
		if v, ok := val.(V); ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Set stores a value; a zero ttl uses the default
func (c *Memory[V]) Set(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = gocache.DefaultExpiration
	}
	c.cache.Set(key, value, ttl)
}

// Delete removes a value
func (c *Memory[V]) Delete(key string) {
	c.cache.Delete(key)
}

// Clear removes every value
func (c *Memory[V]) Clear() {
	c.cache.Flush()
}

// Len returns the number of entries, including expired ones not yet purged
func (c *Memory[V]) Len() int {
	return c.cache.ItemCount()
}

// MemoryCache adapts Memory to the byte-oriented Cache interface
type MemoryCache struct {
	mem *Memory[[]byte]
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache(defaultTTL time.Duration, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{mem: NewMemory[[]byte](defaultTTL, cleanupInterval)}
}

// Get retrieves a value from the cache
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	return c.mem.Get(key)
}

// Set stores a value in the cache with the given TTL
func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration) error {
	c.mem.Set(key, value, ttl)
	return nil
}

// Delete removes a value from the cache
func (c *MemoryCache) Delete(key string) error {
	c.mem.Delete(key)
	return nil
}

// Clear removes all values from the cache
func (c *MemoryCache) Clear() error {
	c.mem.Clear()
	return nil
}
