package store

import (
	"sync"
	"time"
)

// ttlCache is a small read-through cache with per-entry expiry. Misses
// are resolved by the caller; the cache only remembers. Negative results
// are cached too (value nil) so hot misses do not hammer the database.
type ttlCache[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry[V]
}

type cacheEntry[V any] struct {
	value     V
	ok        bool // false = cached negative
	expiresAt time.Time
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry[V]),
	}
}

// get returns (value, found-in-store, cached). cached=false means the
// caller must resolve from the database.
func (c *ttlCache[V]) get(key string) (V, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false, false
	}
	return e.value, e.ok, true
}

func (c *ttlCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[V]{value: value, ok: true, expiresAt: c.now().Add(c.ttl)}
}

// putNegative remembers that key does not exist.
func (c *ttlCache[V]) putNegative(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	c.entries[key] = cacheEntry[V]{value: zero, ok: false, expiresAt: c.now().Add(c.ttl)}
}

func (c *ttlCache[V]) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *ttlCache[V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry[V])
}
