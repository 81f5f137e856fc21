package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Memoizer wraps a string keyed Layer so expensive lookups run once per key until their entry leaves the cache.
// Concurrent misses of the same key share a single load.
type Memoizer[V any] struct {
	layer Layer[string, V]
	group singleflight.Group
}

// NewMemoizer returns a Memoizer storing its results in `layer`.
func NewMemoizer[V any](layer Layer[string, V]) *Memoizer[V] {
	return &Memoizer[V]{layer: layer}
}

// Layer returns the underlying cache layer.
func (m *Memoizer[V]) Layer() Layer[string, V] {
	return m.layer
}

// Do returns the cached value of `key`, or calls `load` and caches its result. Errors are never cached.
// The returned bool is true when the value came from the cache.
func (m *Memoizer[V]) Do(ctx context.Context, key string,
	load func(ctx context.Context) (V, error)) (V, bool /*cached*/, error) {
	if value, found := m.layer.Get(key); found {
		return value, true, nil
	}

	resultChan := m.group.DoChan(key, func() (any, error) {
		// A load that finished between the Get above and this call already cached the value.
		if value, found := m.layer.Get(key); found {
			return memoResult[V]{value: value, cached: true}, nil
		}
		// The load outlives a single caller, so it must not be cancelled when the first caller gives up.
		value, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		m.layer.Set(key, value)
		return memoResult[V]{value: value}, nil
	})

	select {
	case <-ctx.Done():
		return *new(V), false, ctx.Err()
	case result := <-resultChan:
		if result.Err != nil {
			return *new(V), false, fmt.Errorf("failed to load %q: %w", key, result.Err)
		}
		loaded := result.Val.(memoResult[V])
		return loaded.value, loaded.cached, nil
	}
}

// memoResult is the outcome of one shared load.
type memoResult[V any] struct {
	value  V
	cached bool
}
