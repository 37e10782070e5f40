// Package cache provides a bounded in-memory cache with TTL expiry and LRU eviction.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a cached value with its bookkeeping timestamps.
type Entry[V any] struct {
	Value          V
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

type item[K comparable, V any] struct {
	key   K
	entry Entry[V]
}

// Config configures a Cache.
type Config struct {
	// Capacity is the maximum number of live entries. Must be positive.
	Capacity int
	// TTL is measured from creation; hits do not extend it. Zero disables expiry.
	TTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Cache is safe for concurrent use. Reads and writes for a key are linearizable:
// a Set fully replaces the previous entry before any later Get observes it.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	cfg   Config
	ll    *list.List // front = most recently accessed
	items map[K]*list.Element
	now   func() time.Time

	onEvict func(key K, reason EvictReason)
}

// EvictReason says why an entry left the cache.
type EvictReason int

const (
	EvictedCapacity EvictReason = iota
	EvictedExpired
)

// New creates a cache. A non-positive capacity is treated as 1.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cache[K, V]{
		cfg:   cfg,
		ll:    list.New(),
		items: make(map[K]*list.Element, cfg.Capacity),
		now:   now,
	}
}

// OnEvict registers a callback invoked (under the cache lock) for every eviction.
func (c *Cache[K, V]) OnEvict(fn func(key K, reason EvictReason)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Get returns the entry for key if present and not expired, refreshing its access time.
func (c *Cache[K, V]) Get(key K) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry[V]{}, false
	}
	it := el.Value.(*item[K, V])
	now := c.now()
	if c.expired(it, now) {
		c.remove(el, EvictedExpired)
		return Entry[V]{}, false
	}

	it.entry.LastAccessedAt = now
	c.ll.MoveToFront(el)
	return it.entry, true
}

// Peek is Get without touching recency.
func (c *Cache[K, V]) Peek(key K) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry[V]{}, false
	}
	it := el.Value.(*item[K, V])
	if c.expired(it, c.now()) {
		return Entry[V]{}, false
	}
	return it.entry, true
}

// Set stores value under key. When the cache is over capacity, expired entries are
// dropped first and then least recently accessed ones.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.set(key, value, now, now)
}

// SetAt stores value as if it had been created at createdAt, so an entry copied
// from another cache keeps its original expiry.
func (c *Cache[K, V]) SetAt(key K, value V, createdAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value, createdAt, c.now())
}

func (c *Cache[K, V]) set(key K, value V, createdAt, now time.Time) {
	entry := Entry[V]{Value: value, CreatedAt: createdAt, LastAccessedAt: now}
	if el, ok := c.items[key]; ok {
		el.Value.(*item[K, V]).entry = entry
		c.ll.MoveToFront(el)
		return
	}

	c.items[key] = c.ll.PushFront(&item[K, V]{key: key, entry: entry})
	if c.ll.Len() <= c.cfg.Capacity {
		return
	}

	c.sweep(now)
	for c.ll.Len() > c.cfg.Capacity {
		c.remove(c.ll.Back(), EvictedCapacity)
	}
}

// Delete removes key. It reports whether the key was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.ll.Remove(el)
	delete(c.items, key)
	return true
}

// Sweep purges every expired entry and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweep(c.now())
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Purge empties the cache.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[K]*list.Element, c.cfg.Capacity)
}

func (c *Cache[K, V]) sweep(now time.Time) int {
	if c.cfg.TTL <= 0 {
		return 0
	}
	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*item[K, V]), now) {
			c.remove(el, EvictedExpired)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache[K, V]) expired(it *item[K, V], now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(it.entry.CreatedAt) >= c.cfg.TTL
}

func (c *Cache[K, V]) remove(el *list.Element, reason EvictReason) {
	it := el.Value.(*item[K, V])
	c.ll.Remove(el)
	delete(c.items, it.key)
	if c.onEvict != nil {
		c.onEvict(it.key, reason)
	}
}
