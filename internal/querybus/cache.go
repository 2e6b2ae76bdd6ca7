package querybus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/example/cqrs-engine/internal/metrics"
)

// CacheConfig controls the query result cache.
type CacheConfig struct {
	// DefaultTTL applies to query types without an override.
	DefaultTTL time.Duration
	// TTLOverrides maps query types to their own TTLs.
	TTLOverrides map[string]time.Duration
	// MaxEntries caps the cache; zero means unbounded. When full, the
	// entry closest to expiry is evicted.
	MaxEntries int
}

// DefaultCacheConfig caches results for 30 seconds.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{DefaultTTL: 30 * time.Second}
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Entries   int   `json:"entries"`
	Evictions int64 `json:"evictions"`
	Flushes   int64 `json:"flushes"`
}

type cacheEntry struct {
	value     any
	queryType string
	expiresAt time.Time
}

// Cache stores query results keyed by query type and canonical
// parameters. Expired entries are dropped lazily on access.
type Cache struct {
	cfg CacheConfig

	mu      sync.Mutex
	entries map[string]cacheEntry
	stats   CacheStats
}

// NewCache returns an empty cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultCacheConfig().DefaultTTL
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]cacheEntry),
	}
}

// CacheKey derives the deterministic key for a query: a hash of the
// query type and the canonicalized parameters. Params are re-encoded
// through a map so that key order and whitespace in the caller's JSON
// do not produce distinct keys.
func CacheKey(queryType string, params json.RawMessage) string {
	canonical := params
	var decoded any
	if err := json.Unmarshal(params, &decoded); err == nil {
		if re, err := json.Marshal(decoded); err == nil {
			canonical = re
		}
	}
	sum := sha256.Sum256(append([]byte(queryType+"|"), canonical...))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) ttlFor(queryType string) time.Duration {
	if ttl, ok := c.cfg.TTLOverrides[queryType]; ok {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// Get looks up a cached result for the query.
func (c *Cache) Get(q Query) (any, bool) {
	key := CacheKey(q.Type, q.Params)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			delete(c.entries, key)
		}
		c.stats.Misses++
		metrics.QueryCacheMisses.WithLabelValues(q.Type).Inc()
		return nil, false
	}
	c.stats.Hits++
	metrics.QueryCacheHits.WithLabelValues(q.Type).Inc()
	return entry.value, true
}

// Put stores a result under the query's key. A non-positive TTL for the
// type disables caching for it.
func (c *Cache) Put(q Query, value any) {
	ttl := c.ttlFor(q.Type)
	if ttl <= 0 {
		return
	}
	key := CacheKey(q.Type, q.Params)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MaxEntries > 0 && len(c.entries) >= c.cfg.MaxEntries {
		if _, exists := c.entries[key]; !exists {
			c.evictSoonestLocked()
		}
	}
	c.entries[key] = cacheEntry{
		value:     value,
		queryType: q.Type,
		expiresAt: time.Now().Add(ttl),
	}
}

func (c *Cache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, entry := range c.entries {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim = key
			soonest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		c.stats.Evictions++
	}
}

// Invalidate removes the entry for one specific query.
func (c *Cache) Invalidate(queryType string, params json.RawMessage) {
	key := CacheKey(queryType, params)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateType removes every entry for the query type.
func (c *Cache) InvalidateType(queryType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.queryType == queryType {
			delete(c.entries, key)
		}
	}
	c.stats.Flushes++
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.stats.Flushes++
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Entries = len(c.entries)
	return stats
}
