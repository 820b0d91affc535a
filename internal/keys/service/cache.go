package service

import (
	"sync"
	"time"

	id "clavis/pkg/domain"
)

// verificationCache is a small TTL cache for per-application verification
// key sets. Token verification hits this on every request; the TTL bounds
// how long a revoked key can still verify from cache.
type verificationCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[id.ApplicationID]cacheEntry
}

type cacheEntry struct {
	keys      []VerificationKey
	expiresAt time.Time
}

// maxCacheEntries bounds memory for deployments with many applications.
// Eviction is whole-cache reset: simpler than LRU and the miss cost is
// one store read.
const maxCacheEntries = 4096

func newVerificationCache(ttl time.Duration) *verificationCache {
	return &verificationCache{
		ttl:     ttl,
		entries: make(map[id.ApplicationID]cacheEntry),
	}
}

func (c *verificationCache) get(appID id.ApplicationID, now time.Time) ([]VerificationKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[appID]
	if !ok || now.After(entry.expiresAt) {
		return nil, false
	}
	return entry.keys, true
}

func (c *verificationCache) put(appID id.ApplicationID, keys []VerificationKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxCacheEntries {
		c.entries = make(map[id.ApplicationID]cacheEntry)
	}
	c.entries[appID] = cacheEntry{keys: keys, expiresAt: now.Add(c.ttl)}
}

func (c *verificationCache) invalidate(appID id.ApplicationID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, appID)
}
