package resourcegroup

import (
	"sync"
	"time"
)

// ttlCache is the non-decorator replacement for clusterman's
// @timed_cached_property: an explicit per-key cache entry with an absolute
// expiry timestamp, per spec.md §9's REDESIGN FLAG on cache decorators.
// Serve-stale is not supported: an expired entry is simply refetched.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	value   any
	expires time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// get returns the cached value for key if present and unexpired.
func (c *ttlCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

// set stores value under key with an expiry ttl from now.
func (c *ttlCache) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(c.ttl)}
}

// invalidate drops a single key, forcing the next get to miss.
func (c *ttlCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
