package cache

import (
	"sync"
	"sync/atomic"
)

// PathCache is a per-pip map from canonicalized path string to CacheRecord
// (spec section 3, "SandboxedPip... a per-pip path cache"). Lookups are
// read-optimized: the common case (an already-created record) only takes
// the read lock.
type PathCache struct {
	mu      sync.RWMutex
	records map[string]*CacheRecord
}

// NewPathCache creates an empty path cache.
func NewPathCache() *PathCache {
	return &PathCache{records: make(map[string]*CacheRecord)}
}

// getOrAdd returns the record for key, creating it if absent.
func (c *PathCache) getOrAdd(key string) *CacheRecord {
	c.mu.RLock()
	if r, ok := c.records[key]; ok {
		c.mu.RUnlock()
		return r
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.records[key]; ok {
		return r
	}
	r := &CacheRecord{}
	c.records[key] = r
	return r
}

// Len returns the number of distinct paths currently tracked.
func (c *PathCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// DisableConfig carries the host-mutable thresholds governing when a pip's
// cache self-disables (spec section 7, "cache-disable minimum entries,
// cache-disable maximum hit percentage").
type DisableConfig struct {
	// Enabled gates caching globally; when false, cacheLookup always
	// returns nil regardless of any pip's per-pip state.
	Enabled bool
	// MinEntries is the entry count the cache must exceed before the
	// hit-rate check is even consulted.
	MinEntries int
	// MaxHitPercentage is the hit-rate ceiling below which the cache is
	// judged unproductive relative to its memory cost: once the entry
	// count exceeds MinEntries and the observed hit percentage is at or
	// below this value, caching disables itself for the pip.
	MaxHitPercentage int
}

// DefaultDisableConfig matches the host's documented defaults (spec section
// 7: "All have defaults; none affect correctness").
func DefaultDisableConfig() DisableConfig {
	return DisableConfig{Enabled: true, MinEntries: 10000, MaxHitPercentage: 10}
}

// Controller decides, for a single pip, whether cacheLookup should return a
// live CacheRecord or nil (spec section 4.4). Once it disables, it stays
// disabled for the pip's remaining lifetime and the underlying path cache is
// swapped for an empty one to release memory.
type Controller struct {
	config DisableConfig

	mu       sync.Mutex
	cache    *PathCache
	disabled uint32 // atomic one-way latch

	hits   uint64
	misses uint64
}

// NewController creates a controller backed by an initial, empty path
// cache.
func NewController(config DisableConfig) *Controller {
	return &Controller{config: config, cache: NewPathCache()}
}

// RecordOutcome accounts a cache hit or miss toward the hit-rate decision.
func (c *Controller) RecordOutcome(hit bool) {
	if hit {
		atomic.AddUint64(&c.hits, 1)
	} else {
		atomic.AddUint64(&c.misses, 1)
	}
}

// hitPercentage returns the observed hit rate as an integer percentage, or
// 100 when no observations have been made yet (an empty cache is never
// judged unproductive).
func (c *Controller) hitPercentage() int {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	total := hits + misses
	if total == 0 {
		return 100
	}
	return int(hits * 100 / total)
}

// ShouldDisableCaching reports whether the pip's cache has crossed into the
// caching-disabled regime: the entry count exceeds MinEntries and the hit
// percentage is at or below MaxHitPercentage.
func (c *Controller) ShouldDisableCaching() bool {
	if atomic.LoadUint32(&c.disabled) != 0 {
		return true
	}
	if !c.config.Enabled {
		return false
	}
	c.mu.Lock()
	entries := c.cache.Len()
	c.mu.Unlock()
	if entries <= c.config.MinEntries {
		return false
	}
	return c.hitPercentage() <= c.config.MaxHitPercentage
}

// Lookup implements cacheLookup(path): it returns nil when caching is
// globally disabled or the pip has entered caching-disabled state, and
// otherwise returns (creating if necessary) the CacheRecord for path.
// Entering caching-disabled state here is the one place the disable latch
// is set; once set it never clears for this controller's lifetime, and the
// backing path cache is swapped for a fresh empty one to release memory
// (spec section 4.4: "the cache is swapped for an empty replacement").
func (c *Controller) Lookup(canonicalKey string) *CacheRecord {
	if !c.config.Enabled {
		return nil
	}
	if c.ShouldDisableCaching() {
		if atomic.CompareAndSwapUint32(&c.disabled, 0, 1) {
			c.mu.Lock()
			c.cache = NewPathCache()
			c.mu.Unlock()
		}
		return nil
	}
	c.mu.Lock()
	cache := c.cache
	c.mu.Unlock()
	return cache.getOrAdd(canonicalKey)
}

// Disabled reports whether the pip's cache has entered the one-way
// caching-disabled state.
func (c *Controller) Disabled() bool {
	return atomic.LoadUint32(&c.disabled) != 0
}
