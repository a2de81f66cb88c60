// Package respcache is a narrow, additive response memoization
// micro-cache: a Ristretto-backed, short-TTL cache in front of the
// cache-engine-backed read path, shielding the engine from
// cache-stampede on hot reads between refresh ticks. It is disabled
// by default and never changes the ordinary-GET-does-not-trigger-
// refresh semantics of the lake-catalog materialized cache — it only
// memoizes the rendered result of an already-executed read.
package respcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"flapi/internal/config"
)

const (
	defaultMaxSizeMB = 64
	defaultTTL       = 30 * time.Second

	ristrettoNumCounters = 1e6
	ristrettoBufferItems = 64
)

// Cache wraps Ristretto with per-endpoint hit/miss tracking. A nil
// *Cache is valid and behaves as an always-miss, no-op cache, so
// callers don't need to branch on whether memoization is enabled.
type Cache struct {
	store      *ristretto.Cache
	maxCost    int64
	defaultTTL time.Duration

	mu        sync.RWMutex
	endpoints map[string]*endpointStats

	totalHits   atomic.Int64
	totalMisses atomic.Int64
}

type endpointStats struct {
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// New builds a Cache from the process-wide configuration, or returns
// (nil, nil) when memoization is disabled.
func New(cfg config.RespCacheConfig) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	maxCost := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxCost == 0 {
		maxCost = defaultMaxSizeMB * 1024 * 1024
	}

	ttl := time.Duration(cfg.DefaultTTLSec) * time.Second
	if ttl == 0 {
		ttl = defaultTTL
	}

	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: ristrettoNumCounters,
		MaxCost:     maxCost,
		BufferItems: ristrettoBufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ristretto response cache: %w", err)
	}

	return &Cache{
		store:      store,
		maxCost:    maxCost,
		defaultTTL: ttl,
		endpoints:  make(map[string]*endpointStats),
	}, nil
}

// Entry is the memoized shape: rendered body bytes plus the content
// type the original response negotiated, so a cache hit can be
// replayed without re-running negotiation.
type Entry struct {
	Body        []byte
	ContentType string
}

// Get retrieves a memoized response for (endpoint, key).
func (c *Cache) Get(endpoint, key string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}

	val, found := c.store.Get(endpoint + ":" + key)
	stats := c.statsFor(endpoint)
	if !found {
		c.totalMisses.Add(1)
		stats.misses.Add(1)
		return Entry{}, false
	}

	entry, ok := val.(Entry)
	if !ok {
		c.totalMisses.Add(1)
		stats.misses.Add(1)
		return Entry{}, false
	}

	c.totalHits.Add(1)
	stats.hits.Add(1)
	return entry, true
}

// Set memoizes entry for (endpoint, key), using ttl if positive or the
// cache's configured default otherwise.
func (c *Cache) Set(endpoint, key string, entry Entry, ttl time.Duration) bool {
	if c == nil {
		return false
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	cost := int64(len(entry.Body))
	ok := c.store.SetWithTTL(endpoint+":"+key, entry, cost, ttl)
	c.store.Wait()
	if ok {
		c.statsFor(endpoint).sets.Add(1)
	}
	return ok
}

// Delete removes one memoized entry, used by the pipeline's
// DELETE-triggered cache invalidation.
func (c *Cache) Delete(endpoint, key string) {
	if c == nil {
		return
	}
	c.store.Del(endpoint + ":" + key)
}

// ClearAll wipes every memoized entry across all endpoints. Ristretto
// has no prefix or per-endpoint enumeration, so a targeted clear is
// only as precise as the caller's own key scheme (see the pipeline's
// DELETE-triggered invalidation); this is the blunt, whole-cache
// version. No HTTP route calls it.
func (c *Cache) ClearAll() {
	if c == nil {
		return
	}
	c.store.Clear()
}

// Close releases the underlying Ristretto store.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.store.Close()
}

// Snapshot is the process-wide and per-endpoint hit/miss counters at a
// point in time, exposed for the metrics/admin surface.
type Snapshot struct {
	TotalHits   int64
	TotalMisses int64
	HitRatio    float64
	Endpoints   map[string]EndpointSnapshot
}

// EndpointSnapshot is one endpoint's memoization counters.
type EndpointSnapshot struct {
	Hits     int64
	Misses   int64
	Sets     int64
	HitRatio float64
}

// GetSnapshot reports current counters; nil for a disabled cache.
func (c *Cache) GetSnapshot() *Snapshot {
	if c == nil {
		return nil
	}

	hits := c.totalHits.Load()
	misses := c.totalMisses.Load()
	snap := &Snapshot{TotalHits: hits, TotalMisses: misses, Endpoints: make(map[string]EndpointSnapshot)}
	if hits+misses > 0 {
		snap.HitRatio = float64(hits) / float64(hits+misses)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, stats := range c.endpoints {
		epHits := stats.hits.Load()
		epMisses := stats.misses.Load()
		epSnap := EndpointSnapshot{Hits: epHits, Misses: epMisses, Sets: stats.sets.Load()}
		if epHits+epMisses > 0 {
			epSnap.HitRatio = float64(epHits) / float64(epHits+epMisses)
		}
		snap.Endpoints[name] = epSnap
	}
	return snap
}

// statsFor returns the endpoint's stats bucket, creating it on first use.
func (c *Cache) statsFor(endpoint string) *endpointStats {
	c.mu.RLock()
	s, ok := c.endpoints[endpoint]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.endpoints[endpoint]; ok {
		return s
	}
	s = &endpointStats{}
	c.endpoints[endpoint] = s
	return s
}
