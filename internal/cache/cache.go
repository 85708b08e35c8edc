package cache

import (
	"sync"
	"time"
)

// TTLCache is a small in-process cache with per-entry expiry. The gateway
// uses it for the enqueue fallback when the queue backend is unreachable
// and for dead-letter forensics entries; neither use case needs eviction
// beyond lazy expiry plus an occasional sweep.
type TTLCache struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Option customises a TTLCache.
type Option func(*TTLCache)

// WithClock overrides the clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *TTLCache) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs an empty TTLCache.
func New(opts ...Option) *TTLCache {
	c := &TTLCache{
		items: make(map[string]entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Set stores value under key for ttl. A non-positive ttl stores nothing.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Get returns the value for key if present and not expired.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Delete removes key if present.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len counts live entries, sweeping expired ones as a side effect.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
		}
	}
	return len(c.items)
}
