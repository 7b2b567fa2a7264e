// Package cache implements the bounded, time-expiring result cache used to
// avoid re-issuing identical backend calls within a short window.
package cache

import (
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an entry stays retrievable after insertion.
	DefaultTTL = 5 * time.Minute
	// DefaultCapacity is the number of entries kept before FIFO eviction.
	DefaultCapacity = 256
)

type entry struct {
	value      interface{}
	insertedAt time.Time
}

// Cache is a TTL cache with insertion-order (FIFO, not LRU) eviction.
// Expired entries are purged lazily on access. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]entry
	order    []string

	now func() time.Time
}

// New creates a cache with the given capacity and TTL. Non-positive values
// fall back to the defaults.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]entry, capacity),
		now:      time.Now,
	}
}

// Get returns the cached value for key. A miss occurs if the key was never
// stored or the entry has outlived the TTL; expired entries are removed.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		c.remove(key)
		return nil, false
	}
	return e.value, true
}

// Put stores value under key. When the cache is at capacity the single
// oldest-inserted entry is evicted first. Re-putting an existing key
// refreshes its value and timestamp but keeps its insertion position.
func (c *Cache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = entry{value: value, insertedAt: c.now()}
		return
	}
	if len(c.entries) >= c.capacity && len(c.order) > 0 {
		c.remove(c.order[0])
	}
	c.entries[key] = entry{value: value, insertedAt: c.now()}
	c.order = append(c.order, key)
}

// Len reports the number of stored entries, including not-yet-purged
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
