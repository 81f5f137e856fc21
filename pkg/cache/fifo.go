// This module implements a bounded, expirable FIFO cache.
//
// Eviction Policy (FIFO):
// Entries are kept in insertion order in an arena-backed doubly linked list, oldest at the front. Before a new key
// is inserted into a full cache, the front entry is evicted, regardless of how often or how recently it was read.
// Reads never reorder entries. Overwriting a key counts as a fresh insertion: its timestamp is reset and it moves
// to the back, so list order always equals insertion-time order.
//
// Expiration Policy (lazy TTL):
// An entry is stale once `now - insertedAt >= ttl`. Staleness is only checked on Get, which removes a stale entry
// and reports a miss. There is no background sweep; stale entries that are never read stay in memory until FIFO
// eviction pushes them out, which bounds them by the capacity.

package cache

import (
	"sync"
	"time"

	"github.com/nobletooth/alliopro/pkg/utils"
)

// EvictionReason tells the eviction callback why an entry left the cache.
type EvictionReason string

const (
	EvictedByCapacity EvictionReason = "capacity" // Oldest entry removed to make room for a new key.
	EvictedByExpiry   EvictionReason = "expired"  // Stale entry removed by a Get.
)

// ttlEntry represents a single entry in the cache.
type ttlEntry[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
}

// BoundedTTL is a thread-safe, fixed-capacity, in-memory cache with FIFO eviction and lazy TTL expiry.
type BoundedTTL[K comparable, V any] struct {
	capacity int                        // Maximum number of entries the cache holds after any Set.
	ttl      time.Duration              // Entries at least this old are never returned.
	order    *arenaList[ttlEntry[K, V]] // Insertion order; the front is the oldest entry.
	index    map[K] /*node*/ int        // Provides lookup of an entry's node by its key.
	now      func() time.Time           // Clock; replaced in tests.
	// evictionCallback is an optional callback executed when an entry is evicted or expired. It runs while the
	// cache lock is held, so it must not call any of the cache methods.
	evictionCallback func(K, V, EvictionReason)
	mux              sync.Mutex // Get mutates on expiry, so reads take the exclusive lock too.
}

var _ Layer[string, int] = (*BoundedTTL[string, int])(nil)

// NewBoundedTTL is the constructor for BoundedTTL.
// NOTE: eviction callback function must not call any of the cache methods or else we'll be having a deadlock.
func NewBoundedTTL[K comparable, V any](capacity int, ttl time.Duration,
	evictionCallback func(K, V, EvictionReason)) *BoundedTTL[K, V] {
	if capacity <= 0 {
		utils.RaiseInvariant("fifo", "non_positive_cache_capacity",
			"Invalid capacity has been given to bounded cache.", "capacity", capacity)
		capacity = 1
	}
	if ttl <= 0 {
		utils.RaiseInvariant("fifo", "non_positive_cache_ttl",
			"Invalid TTL has been given to bounded cache.", "ttl", ttl)
		ttl = DefaultTTL
	}
	return &BoundedTTL[K, V]{
		capacity:         capacity,
		ttl:              ttl,
		order:            newArenaList[ttlEntry[K, V]](capacity),
		index:            make(map[K]int, capacity),
		now:              time.Now,
		evictionCallback: evictionCallback,
	}
}

// removeLocked drops the entry at `node` from both the list and the index. NOTE: Caller should acquire lock.
func (c *BoundedTTL[K, V]) removeLocked(node int, reason EvictionReason) {
	entry := c.order.Remove(node)
	delete(c.index, entry.key)
	if c.evictionCallback != nil && reason != "" {
		c.evictionCallback(entry.key, entry.value, reason)
	}
}

// Get retrieves the value for `key`. A stale entry is removed and reported as a miss.
func (c *BoundedTTL[K, V]) Get(key K) (V, bool /*found*/) {
	c.mux.Lock()
	defer c.mux.Unlock()

	node, keyExists := c.index[key]
	if !keyExists {
		return *new(V), false
	}
	entry := c.order.Value(node)
	if c.now().Sub(entry.insertedAt) >= c.ttl {
		c.removeLocked(node, EvictedByExpiry)
		return *new(V), false
	}
	return entry.value, true
}

// Set inserts or overwrites `key` with a fresh insertion timestamp. Inserting a new key into a full cache evicts
// the oldest entry first, so the cache never holds more than its capacity. It returns true if an eviction occurred.
func (c *BoundedTTL[K, V]) Set(key K, value V) /*evictionOccurred*/ bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	now := c.now()
	// Overwrite an existing entry; it becomes the newest one.
	if node, keyExists := c.index[key]; keyExists {
		entry := c.order.Value(node)
		entry.value = value
		entry.insertedAt = now
		c.order.MoveToBack(node)
		return false
	}

	evicted := false
	for c.order.Len() >= c.capacity {
		c.removeLocked(c.order.Front(), EvictedByCapacity)
		evicted = true
	}
	c.index[key] = c.order.PushBack(ttlEntry[K, V]{key: key, value: value, insertedAt: now})
	return evicted
}

// Delete removes `key` without calling the eviction callback.
func (c *BoundedTTL[K, V]) Delete(key K) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	node, keyExists := c.index[key]
	if !keyExists {
		return false
	}
	c.removeLocked(node, "" /*reason*/)
	return true
}

// Keys returns the held keys from the oldest to the newest, including stale entries that no Get has removed yet.
func (c *BoundedTTL[K, V]) Keys() []K {
	c.mux.Lock()
	defer c.mux.Unlock()

	keys := make([]K, 0, c.order.Len())
	for node := c.order.Front(); node != nilNode; node = c.order.Next(node) {
		keys = append(keys, c.order.Value(node).key)
	}
	return keys
}

// Len returns the number of held entries, stale ones included.
func (c *BoundedTTL[K, V]) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.order.Len()
}

// Purge drops every entry without calling the eviction callback.
func (c *BoundedTTL[K, V]) Purge() {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.order.Reset()
	clear(c.index)
}
