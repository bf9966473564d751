package ratelimits

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
)

// cacheValue is what Cache stores per fingerprint: either a positive hit
// (a resolved ConfigRecord) or a negative marker meaning "no stored config
// at this scope" (spec.md §4.D). Negative markers are only ever written by
// the resolver for the system-default and resource-default scopes.
type cacheValue struct {
	record   ConfigRecord
	negative bool
}

// CacheStats is a point-in-time snapshot of a Cache's counters
// (spec.md §4.D).
type CacheStats struct {
	Hits      int64
	Misses    int64
	Size      int
	Evictions int64
}

// cacheUnbounded is the effective capacity used to approximate the spec's
// "unbounded per process by default" cache: large enough that no
// deployment plausibly has this many distinct fingerprints live at once,
// so evictions only happen on TTL expiry, not LRU pressure.
const cacheUnbounded = 1 << 20

// Cache is the per-process fingerprint -> ConfigRecord TTL cache
// (spec.md §4.D). It wraps an expirable.LRU, which bakes a single TTL into
// the whole cache rather than per Set call — every resolver scope shares
// one Cache with one configured ttl, and ttl == 0 disables caching
// entirely (every Get is a miss, nothing is ever written), matching the
// spec's "ttl_ms = 0 disables caching" at the granularity this library
// actually supports.
type Cache struct {
	lru *expirable.LRU[string, cacheValue]
	ttl time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	metricHits      prometheus.Counter
	metricMisses    prometheus.Counter
	metricEvictions prometheus.Counter
}

// NewCache returns a Cache with the given default ttl. ttl == 0 disables
// caching. reg may be nil to skip metric registration (tests).
func NewCache(ttl time.Duration, reg prometheus.Registerer) *Cache {
	c := &Cache{ttl: ttl}
	c.lru = expirable.NewLRU[string, cacheValue](cacheUnbounded, func(key string, _ cacheValue) {
		c.evictions.Add(1)
		if c.metricEvictions != nil {
			c.metricEvictions.Inc()
		}
	}, ttl)

	if reg != nil {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimits_config_cache_total",
			Help: "Config cache lookups labeled by result=[hit|miss|eviction].",
		}, []string{"result"})
		reg.MustRegister(vec)
		c.metricHits = vec.WithLabelValues("hit")
		c.metricMisses = vec.WithLabelValues("miss")
		c.metricEvictions = vec.WithLabelValues("eviction")

		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ratelimits_config_cache_entries",
			Help: "Current number of fingerprints held in the config cache.",
		}, func() float64 { return float64(c.lru.Len()) }))
	}
	return c
}

// Get returns the cached value for fingerprint, if unexpired. ok is false
// on a miss (absent or ttl disabled).
func (c *Cache) Get(fp string) (record ConfigRecord, negative bool, ok bool) {
	if c.ttl == 0 {
		c.recordMiss()
		return ConfigRecord{}, false, false
	}
	v, found := c.lru.Get(fp)
	if !found {
		c.recordMiss()
		return ConfigRecord{}, false, false
	}
	c.recordHit()
	return v.record, v.negative, true
}

// Set caches record under fingerprint as a positive hit. A no-op if
// caching is disabled.
func (c *Cache) Set(fp string, record ConfigRecord) {
	if c.ttl == 0 {
		return
	}
	c.lru.Add(fp, cacheValue{record: record})
}

// SetNegative caches a negative marker under fingerprint, meaning "no
// stored config at this scope". A no-op if caching is disabled.
func (c *Cache) SetNegative(fp string) {
	if c.ttl == 0 {
		return
	}
	c.lru.Add(fp, cacheValue{negative: true})
}

// Invalidate evicts fingerprint, if present.
func (c *Cache) Invalidate(fp string) {
	c.lru.Remove(fp)
}

// InvalidatePrefix evicts every one of the given fingerprints. Callers
// (the resolver's mutating APIs) compute exactly the set of fingerprints a
// mutation could have affected, including wider fingerprints whose
// resolution could have returned the now-changed narrower record, and
// adjacent narrower caches that might have held a stale negative marker
// (spec.md §4.E).
func (c *Cache) InvalidatePrefix(fps ...string) {
	for _, fp := range fps {
		c.lru.Remove(fp)
	}
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Size:      c.lru.Len(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) recordHit() {
	c.hits.Add(1)
	if c.metricHits != nil {
		c.metricHits.Inc()
	}
}

func (c *Cache) recordMiss() {
	c.misses.Add(1)
	if c.metricMisses != nil {
		c.metricMisses.Inc()
	}
}
