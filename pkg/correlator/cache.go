package correlator

import (
	"sync"
	"time"
)

// ttlCache remembers processed message ids for a short window so gateway
// re-deliveries do not double-apply a final result.
type ttlCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, m: make(map[string]time.Time)}
}

func (c *ttlCache) Put(id string) {
	now := time.Now()
	c.mu.Lock()
	c.m[id] = now.Add(c.ttl)
	// lazy sweep keeps the map bounded without a background goroutine
	if len(c.m) > 1024 {
		for k, exp := range c.m {
			if now.After(exp) {
				delete(c.m, k)
			}
		}
	}
	c.mu.Unlock()
}

func (c *ttlCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.m[id]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(c.m, id)
		return false
	}
	return true
}
