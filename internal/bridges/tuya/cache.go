package tuya

import (
	"sync"
	"time"
)

// DiscoveryCache remembers recently discovered devices so that "auto"
// commands do not scan every time. Entries expire after the TTL.
//
// A nil *DiscoveryCache is valid and never hits.
type DiscoveryCache struct {
	ttl     time.Duration
	entries map[string]cacheEntry
	mu      sync.Mutex
	now     func() time.Time
}

type cacheEntry struct {
	report  DiscoveryReport
	expires time.Time
}

// NewDiscoveryCache creates a cache. A ttl of zero or less returns nil,
// which disables caching.
func NewDiscoveryCache(ttl time.Duration) *DiscoveryCache {
	if ttl <= 0 {
		return nil
	}
	return &DiscoveryCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Lookup returns the cached report for a device if it has not expired.
func (c *DiscoveryCache) Lookup(deviceID string) (DiscoveryReport, bool) {
	if c == nil {
		return DiscoveryReport{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[deviceID]
	if !ok {
		return DiscoveryReport{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, deviceID)
		return DiscoveryReport{}, false
	}
	return e.report, true
}

// Store records every report of a scan.
func (c *DiscoveryCache) Store(reports map[string]DiscoveryReport) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	for id, r := range reports {
		c.entries[id] = cacheEntry{report: r, expires: expires}
	}
}

// Invalidate drops a device, typically after a send to its cached IP failed.
func (c *DiscoveryCache) Invalidate(deviceID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, deviceID)
	c.mu.Unlock()
}

// Clear drops every entry. Used when the host's own address changes and
// cached device addresses can no longer be trusted.
func (c *DiscoveryCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *DiscoveryCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
