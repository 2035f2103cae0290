// Package cache provides a small in-memory TTL cache. It backs the tracker's
// project-scope discovery (re-enumerated at most once per TTL) and the
// inspector's per-repository config resolution (valid for the process
// lifetime, never across restarts).
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time // zero = never expires
}

func (e *entry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// TTL is a mutex-guarded key/value cache with per-cache expiry.
type TTL struct {
	mu      sync.RWMutex
	ttl     time.Duration // 0 = entries live for the process lifetime
	entries map[string]*entry
}

// New creates a cache whose entries expire after ttl.
// A ttl of 0 means entries never expire.
func New(ttl time.Duration) *TTL {
	return &TTL{ttl: ttl, entries: make(map[string]*entry)}
}

// Get returns the cached value for key, or (nil, false) if absent or expired.
func (c *TTL) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || e.expired() {
		return nil, false
	}
	return e.value, true
}

// Put stores value under key, resetting its expiry.
func (c *TTL) Put(key string, value any) {
	var exp time.Time
	if c.ttl > 0 {
		exp = time.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = &entry{value: value, expiresAt: exp}
	c.mu.Unlock()
}

// Forget removes key from the cache.
func (c *TTL) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of live (non-expired) entries.
func (c *TTL) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.entries {
		if !e.expired() {
			n++
		}
	}
	return n
}

// Cleanup drops expired entries. Callers that hold many short-lived keys can
// run this on a ticker; the cache is otherwise lazy about expiry.
func (c *TTL) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
