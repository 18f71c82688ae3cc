// Package cache provides a bounded in-memory TTL map used for stream
// accounting and the loop detector's local fallback. It is built once at
// startup and passed by reference; there are no package-level singletons.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	updatedAt time.Time
}

// Cache is a capacity-bounded map with a staleness window. When an insert
// would exceed capacity, stale entries are reclaimed first; if none are
// stale, the least recently updated entry is evicted. Entries never outlive
// the TTL past a sweep.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*entry[V]
	capacity int
	ttl      time.Duration

	sweepStop chan struct{}
	stopOnce  sync.Once

	now func() time.Time // overridable in tests
}

// New creates a cache holding at most capacity entries, each stale after ttl
// without an update.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		entries:   make(map[string]*entry[V]),
		capacity:  capacity,
		ttl:       ttl,
		sweepStop: make(chan struct{}),
		now:       time.Now,
	}
}

// Get returns the value for key if present and refreshes nothing.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// View applies fn to the current value under the cache lock, returning
// false without calling fn when the key is absent. Required when V is a
// reference type that Upsert callbacks mutate in place: reading such a
// value outside the lock races with concurrent upserts.
func (c *Cache[V]) View(key string, fn func(v V)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	fn(e.value)
	return true
}

// Set inserts or replaces the value for key, refreshing its staleness clock.
func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, v)
}

// Upsert atomically applies fn to the current value (ok reports whether the
// key existed) and stores the result. Returns the stored value.
func (c *Cache[V]) Upsert(key string, fn func(v V, ok bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cur V
	e, ok := c.entries[key]
	if ok {
		cur = e.value
	}
	next := fn(cur, ok)
	c.set(key, next)
	return next
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of resident entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes all stale entries and returns how many were dropped. It runs
// periodically from the sweeper and may be called directly.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	n := 0
	for k, e := range c.entries {
		if e.updatedAt.Before(cutoff) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// StartSweeper launches the periodic sweep. Stop is idempotent and safe to
// call during shutdown or from tests that never started the sweeper.
func (c *Cache[V]) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.sweepStop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop terminates the sweeper if running.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.sweepStop) })
}

// set inserts under the lock, making room first when at capacity.
func (c *Cache[V]) set(key string, v V) {
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evict()
	}
	c.entries[key] = &entry[V]{value: v, updatedAt: c.now()}
}

// evict reclaims stale entries, falling back to the least recently updated
// entry when nothing is stale. Caller holds the lock.
func (c *Cache[V]) evict() {
	cutoff := c.now().Add(-c.ttl)
	stale := false
	for k, e := range c.entries {
		if e.updatedAt.Before(cutoff) {
			delete(c.entries, k)
			stale = true
		}
	}
	if stale {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.updatedAt.Before(oldest) {
			oldestKey = k
			oldest = e.updatedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
