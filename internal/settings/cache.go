package settings

import (
	"sync"
	"time"
)

// overrideCache is a concurrent-safe in-memory cache of tenant overrides.
// Entries expire after ttl so operator changes reach the feeder without a restart.
type overrideCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]cachedOverrides
	now   func() time.Time
}

type cachedOverrides struct {
	values  map[string]any
	expires time.Time
}

func newOverrideCache(ttl time.Duration) *overrideCache {
	return &overrideCache{
		ttl:   ttl,
		items: make(map[string]cachedOverrides),
		now:   time.Now,
	}
}

// Get returns the overrides for a tenant when present and not expired.
func (c *overrideCache) Get(tenantID string) (map[string]any, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, found := c.items[tenantID]
	if !found || c.now().After(item.expires) {
		return nil, false
	}
	return item.values, true
}

// Set stores a tenant's overrides.
func (c *overrideCache) Set(tenantID string, values map[string]any) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[tenantID] = cachedOverrides{values: values, expires: c.now().Add(c.ttl)}
}

// Delete removes a tenant's overrides.
func (c *overrideCache) Delete(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, tenantID)
}
