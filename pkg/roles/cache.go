package roles

import (
	"context"
	"sync"
	"time"

	"github.com/agritrace/provenance/pkg/provenance"
)

// DefaultCacheTTL is the default time-to-live for cached role lookups.
const DefaultCacheTTL = 30 * time.Second

// cacheEntry stores a resolved role with its expiration time.
type cacheEntry struct {
	role      provenance.Role
	expiresAt time.Time
}

// Cache wraps a Source with a short-lived in-memory projection to avoid
// replaying role events on every request. It is the fast tier of the
// two-tier model: lookups may be stale up to the TTL, and any caller who
// needs the authoritative answer calls Refresh.
type Cache struct {
	inner Source
	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCache creates a Cache over inner with the given TTL.
func NewCache(inner Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		inner: inner,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Role checks the projection first and delegates to the authoritative
// source on miss or expiry.
func (c *Cache) Role(ctx context.Context, identity string) (provenance.Role, error) {
	c.mu.RLock()
	entry, ok := c.cache[identity]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.role, nil
	}
	return c.Refresh(ctx, identity)
}

// Refresh re-resolves the identity from the authoritative source,
// bypassing and replacing the cached projection.
func (c *Cache) Refresh(ctx context.Context, identity string) (provenance.Role, error) {
	role, err := c.inner.Role(ctx, identity)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.cache[identity] = cacheEntry{role: role, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return role, nil
}

// Invalidate drops the cached projection for one identity.
func (c *Cache) Invalidate(identity string) {
	c.mu.Lock()
	delete(c.cache, identity)
	c.mu.Unlock()
}

// InvalidateAll drops the whole projection.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}
