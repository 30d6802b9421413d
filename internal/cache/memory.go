package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryFactory is an in-process Factory backed by per-namespace maps.
// Suitable for single-instance deployments and tests.
type MemoryFactory struct {
	mu     sync.Mutex
	caches map[string]*memoryCache

	// now is overridable in tests.
	now func() time.Time
}

// NewMemoryFactory creates an empty in-memory cache factory.
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{
		caches: make(map[string]*memoryCache),
		now:    time.Now,
	}
}

// Named returns the cache for the namespace, creating it on first use.
func (f *MemoryFactory) Named(namespace string) Cache {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.caches[namespace]
	if !ok {
		c = &memoryCache{entries: make(map[string]memoryEntry), now: func() time.Time { return f.now() }}
		f.caches[namespace] = c
	}
	return c
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e

	// Opportunistic sweep keeps abandoned entries from accumulating.
	if len(c.entries) > 1024 {
		now := c.now()
		for k, v := range c.entries {
			if !v.expiresAt.IsZero() && !now.Before(v.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	return nil
}

func (c *memoryCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
