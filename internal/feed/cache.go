package feed

import (
	"strings"
	"sync"
	"time"

	"github.com/adirai/community-api/internal/clock"
)

const allAreasKey = "area:all"

// CacheKey is area:<lowercased area>, or area:all when no area is given
func CacheKey(area string) string {
	if area == "" {
		return allAreasKey
	}
	return "area:" + strings.ToLower(area)
}

type cacheEntry struct {
	items     []RankedPost
	expiresAt time.Time
}

// Cache holds ranked pages for a fixed TTL. Expired entries are dropped on read.
// Every invalidation bumps a generation so a page loaded before a write can
// be refused by SetIfCurrent.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clock   clock.Clock

	epoch uint64
	gens  map[string]uint64
}

func NewCache(ttl time.Duration, clk clock.Clock) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
		ttl:     ttl,
		clock:   clk,
	}
}

// Generation identifies the invalidation state of key. It changes whenever
// an Invalidate call covers key.
func (c *Cache) Generation(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch + c.gens[key]
}

func (c *Cache) Get(key string) ([]RankedPost, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if !entry.expiresAt.After(now) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && !current.expiresAt.After(now) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.items, true
}

func (c *Cache) Set(key string, items []RankedPost) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{items: items, expiresAt: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// SetIfCurrent stores items only if key has not been invalidated since gen
// was read
func (c *Cache) SetIfCurrent(key string, gen uint64, items []RankedPost) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch+c.gens[key] != gen {
		return false
	}
	c.entries[key] = cacheEntry{items: items, expiresAt: c.clock.Now().Add(c.ttl)}
	return true
}

// Invalidate drops the all-areas page and the page for area. An empty area
// clears everything.
func (c *Cache) Invalidate(area string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if area == "" {
		c.entries = make(map[string]cacheEntry)
		c.epoch++
		return
	}
	key := CacheKey(area)
	delete(c.entries, allAreasKey)
	delete(c.entries, key)
	c.gens[allAreasKey]++
	c.gens[key]++
}

// Len returns the number of cached pages, expired or not
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
