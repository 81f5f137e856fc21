// Alliopro memoizes expensive server-side lookups in memory to avoid repeating them on every request.
// This module provides an interface on caching, making single shard cache
// and multi shard caches have the same API.

package cache

import "time"

const (
	DefaultCapacity = 100             // Default maximum number of entries of a lookup cache.
	DefaultTTL      = 5 * time.Minute // Default time-to-live of a lookup cache entry.
)

// Layer defines the interface for a generic key-value cache. This allows different cache implementations
// (e.g., the FIFO bounded cache, a no-op cache) to be used directly or as shards within a Sharded cache.
type Layer[K comparable, V any] interface {
	// Get returns value from cache for given key and a boolean indicating whether key was found.
	Get(key K) (V, bool)
	// Set inserts or overwrites a key-value pair in the cache. It returns true if an item was evicted.
	Set(key K, value V) bool
	Delete(key K) bool // Removes the key; returns true if it was present.
	Keys() []K         // Returns a slice of all keys currently held in the cache.
	Len() int          // Returns the number of entries currently held in the cache.
	Purge()            // Removes all items from the cache.
}

// NoOp is a cache layer that doesn't store any items.
// It is used when cache is disabled.
type NoOp[K comparable, V any] struct { // Implements Layer.
}

var _ Layer[int, int] = (*NoOp[int, int])(nil)

// NewNoOp returns a no-operation cache layer that does not store any items.
func NewNoOp[K comparable, V any]() *NoOp[K, V] {
	return &NoOp[K, V]{}
}

// Get always returns false, indicating the key is not found.
func (n *NoOp[K, V]) Get(key K) (V, bool) {
	var zero V
	return zero, false
}

// Set does nothing and always returns false, indicating no item was evicted.
func (n *NoOp[K, V]) Set(key K, value V) bool {
	return false
}

func (n *NoOp[K, V]) Delete(key K) bool {
	return false
}

// Keys always returns nil, as there are no keys stored.
func (n *NoOp[K, V]) Keys() []K {
	return nil
}

func (n *NoOp[K, V]) Len() int {
	return 0
}

// Purge does nothing, as there are no items to remove.
func (n *NoOp[K, V]) Purge() {}
