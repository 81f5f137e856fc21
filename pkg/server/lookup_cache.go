// Alliopro memoizes expensive lookups of the request handlers in a bounded, expiring cache.
// Cache is enabled by default but users may decide to disable the cache or adjust its capacity.

package server

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/nobletooth/alliopro/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheEnabled  = flag.Bool("lookup_cache_enabled", true, "Enable the lookup cache.")
	cacheCapacity = flag.Int("lookup_cache_capacity", cache.DefaultCapacity,
		"The maximum number of lookups to keep per cache shard; 0 or negative disables the cache.")
	cacheTtl = flag.Duration("lookup_cache_ttl", cache.DefaultTTL,
		"The TTL of each lookup in the cache.")
	cacheShardCount = flag.Int("lookup_cache_shard_count", 1,
		"The number of shards of the lookup cache; 1 keeps a single exact FIFO, 0 or negative disables the cache.")

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_cache_lookups_total",
		Help: "Total number of lookup cache lookups.",
	}, []string{"status" /* hit | miss */})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_cache_evictions_total",
		Help: "Total number of lookups removed from the cache.",
	}, []string{"reason" /* capacity | expired */})
)

// Lookup is the memoized result of an expensive lookup.
type Lookup struct {
	Status      int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// LookupCache is the server-side cache of lookup results. It's created once per server and handed to the
// handlers that need it.
type LookupCache struct {
	memo *cache.Memoizer[*Lookup]
}

// NewLookupCache builds a lookup cache according to configured flags.
func NewLookupCache() *LookupCache {
	// newCache builds a new bounded cache according to configured flags.
	newCache := func() cache.Layer[string, *Lookup] {
		return cache.NewBoundedTTL(*cacheCapacity, *cacheTtl,
			func(_ string, _ *Lookup, reason cache.EvictionReason) {
				cacheEvictions.WithLabelValues(string(reason)).Inc()
			},
		)
	}

	var cacheLayer cache.Layer[string, *Lookup] = cache.NewNoOp[string, *Lookup]()
	if *cacheEnabled && *cacheCapacity > 0 && *cacheShardCount > 0 {
		if *cacheShardCount > 1 { // Sharded cache.
			cacheLayer = cache.NewSharded(newCache, *cacheShardCount)
		} else { // Single shard cache.
			cacheLayer = newCache()
		}
	}

	return &LookupCache{memo: cache.NewMemoizer(cacheLayer)}
}

// GetCache returns the cached lookup of `key`.
func (lc *LookupCache) GetCache(key string) (*Lookup, bool) {
	lookup, found := lc.memo.Layer().Get(key)
	if found {
		cacheLookups.WithLabelValues("hit").Inc()
	} else {
		cacheLookups.WithLabelValues("miss").Inc()
	}
	return lookup, found
}

// SetCache stores the lookup of `key`.
func (lc *LookupCache) SetCache(key string, data *Lookup) {
	lc.memo.Layer().Set(key, data)
}

// Memoize returns the cached lookup of `key` or runs `load` once for all concurrent callers and caches it.
func (lc *LookupCache) Memoize(ctx context.Context, key string,
	load func(ctx context.Context) (*Lookup, error)) (*Lookup, bool /*cached*/, error) {
	lookup, cached, err := lc.memo.Do(ctx, key, load)
	if err == nil {
		if cached {
			cacheLookups.WithLabelValues("hit").Inc()
		} else {
			cacheLookups.WithLabelValues("miss").Inc()
		}
	}
	return lookup, cached, err
}

// cacheStatus renders the cached flag for the response header.
func cacheStatus(cached bool) string {
	if cached {
		return "hit"
	}
	return "miss"
}

// isCacheable reports whether a backend answer may be memoized.
func isCacheable(status int) bool {
	return status == http.StatusOK
}
