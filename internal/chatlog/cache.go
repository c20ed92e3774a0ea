package chatlog

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// defaultCacheMaxBytes is the default bound on summed key byte-length
// for the dedup cache, per §3 ("≈ 50 MB").
const defaultCacheMaxBytes = 50 * 1024 * 1024

// dedupCache is C2: a bounded, LRU in-memory accelerator for C1's
// payload lookups. It maps raw payload bytes to assigned ids. It is
// invalidated wholesale after any orphan sweep that deletes at least one
// row (§9) — a stale entry may only ever point at an id that was just
// deleted, never at wrong bytes, so wholesale clearing is both correct
// and cheap compared to tracking per-entry invalidation.
//
// The ordering structure is github.com/wk8/go-ordered-map/v2, the same
// package used (indirectly, for JSON key ordering) elsewhere in this
// dependency graph — here it tracks recency instead of insertion order:
// every successful Get or Set moves a key to the newest position, and
// eviction always removes from Oldest().
type dedupCache struct {
	mu       sync.Mutex
	entries  *orderedmap.OrderedMap[string, uint64]
	size     int64 // summed byte-length of keys currently held
	maxBytes int64
}

func newDedupCache(maxBytes int64) *dedupCache {
	if maxBytes <= 0 {
		maxBytes = defaultCacheMaxBytes
	}
	return &dedupCache{
		entries:  orderedmap.New[string, uint64](),
		maxBytes: maxBytes,
	}
}

// get returns the cached id for raw, if present, promoting it to
// most-recently-used.
func (c *dedupCache) get(raw []byte) (uint64, bool) {
	key := string(raw)
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.entries.Get(key)
	if !ok {
		return 0, false
	}
	c.entries.Delete(key)
	c.entries.Set(key, id)
	return id, true
}

// set records raw -> id, evicting least-recently-used entries until the
// cache is back under its byte budget.
func (c *dedupCache) set(raw []byte, id uint64) {
	key := string(raw)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, existed := c.entries.Get(key); existed {
		c.entries.Delete(key)
		c.size -= int64(len(key))
	}
	c.entries.Set(key, id)
	c.size += int64(len(key))

	for c.size > c.maxBytes && c.entries.Len() > 0 {
		oldest := c.entries.Oldest()
		if oldest == nil {
			break
		}
		c.entries.Delete(oldest.Key)
		c.size -= int64(len(oldest.Key))
	}
}

// clear wholesale-invalidates the cache.
func (c *dedupCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = orderedmap.New[string, uint64]()
	c.size = 0
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
