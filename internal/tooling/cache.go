package tooling

import (
	"sync"
	"time"
)

// resultCache is a small per-tool TTL cache keyed on the raw argument bytes,
// so identical tool calls within the window skip re-execution.
type resultCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]cacheEntry
}

type cacheEntry struct {
	payload []byte
	success bool
	expires time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &resultCache{ttl: ttl, m: make(map[string]cacheEntry)}
}

func (c *resultCache) get(key string) ([]byte, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false, false
	}
	return e.payload, e.success, true
}

func (c *resultCache) put(key string, payload []byte, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = cacheEntry{payload: payload, success: success, expires: time.Now().Add(c.ttl)}
}
