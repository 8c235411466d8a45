package cache

import (
	"sync"
	"time"
)

// TTLCache is an in-process cache with per-entry expiry. It backs the hot
// read paths that tolerate short staleness: decrypted secret values and
// compiled workflow graphs.
type TTLCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	done    chan struct{}
	once    sync.Once
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// New creates a TTLCache and starts its cleanup loop.
func New() *TTLCache {
	c := &TTLCache{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get retrieves a value. The second return value is false when the key is
// missing or expired.
func (c *TTLCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores a value with a TTL.
func (c *TTLCache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Delete removes a key.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Len returns the number of stored entries, including not-yet-swept expired
// ones.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Close stops the cleanup loop. Safe to call more than once.
func (c *TTLCache) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *TTLCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
