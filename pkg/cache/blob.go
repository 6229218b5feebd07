// Package cache holds recently fetched metadata blobs in memory, keyed
// by content hash. Content-addressed bytes never change, so staleness is
// not a concern; the TTL only bounds memory held for hashes nobody asks
// about anymore. The cache is never a correctness source: a miss or
// expiry must always fall back to a real gateway fetch.
package cache

import (
	"sync"
	"time"
)

type blobEntry struct {
	data      []byte
	expiresAt time.Time
}

// BlobCache is a bounded in-memory blob cache. Entries expire after a
// fixed TTL and are lazily dropped on Get; at capacity the entry that
// has been resident longest is evicted. Both Put and Get copy the blob,
// so callers may mutate what they pass in or get back without touching
// the cached bytes.
type BlobCache struct {
	mu       sync.Mutex
	items    map[string]*blobEntry
	order    []string
	capacity int
	ttl      time.Duration
}

// NewBlobCache creates a blob cache holding at most capacity entries
// for at most ttl each. Non-positive arguments fall back to a capacity
// of 1 and a TTL of 5 minutes.
func NewBlobCache(capacity int, ttl time.Duration) *BlobCache {
	if capacity < 1 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &BlobCache{
		items:    make(map[string]*blobEntry, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Get returns a copy of the blob cached under hash, or (nil, false) on
// a miss. An expired entry counts as a miss and is dropped.
func (c *BlobCache) Get(hash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[hash]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.items, hash)
		return nil, false
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, true
}

// Put caches a copy of data under hash. Re-putting a resident hash
// refreshes its bytes and TTL without consuming extra capacity.
func (c *BlobCache) Put(hash string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)

	if e, ok := c.items[hash]; ok {
		e.data = stored
		e.expiresAt = time.Now().Add(c.ttl)
		return
	}
	if len(c.items) >= c.capacity {
		c.evictOldestLocked()
	}
	c.items[hash] = &blobEntry{data: stored, expiresAt: time.Now().Add(c.ttl)}
	c.order = append(c.order, hash)
}

// Drop removes one hash from the cache.
func (c *BlobCache) Drop(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, hash)
}

// Reset empties the cache.
func (c *BlobCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*blobEntry, c.capacity)
	c.order = nil
}

// Len reports how many entries are resident, counting expired entries
// that no Get has cleaned up yet.
func (c *BlobCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictOldestLocked removes the longest-resident entry. The order queue
// may hold hashes already dropped or lazily expired; those are skipped.
func (c *BlobCache) evictOldestLocked() {
	for len(c.order) > 0 {
		hash := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.items[hash]; ok {
			delete(c.items, hash)
			return
		}
	}
}
