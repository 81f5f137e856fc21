package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoizer_Do(t *testing.T) {
	memo := NewMemoizer[string](NewBoundedTTL[string, string](DefaultCapacity, DefaultTTL, nil /*evictionCallback*/))
	loads := 0
	load := func(context.Context) (string, error) {
		loads++
		return "expensive", nil
	}

	value, cached, err := memo.Do(context.Background(), "key", load)
	require.NoError(t, err)
	assert.False(t, cached, "First lookup should load")
	assert.Equal(t, "expensive", value)

	value, cached, err = memo.Do(context.Background(), "key", load)
	require.NoError(t, err)
	assert.True(t, cached, "Second lookup should be served from the cache")
	assert.Equal(t, "expensive", value)
	assert.Equal(t, 1, loads)
}

func TestMemoizer_ErrorsAreNotCached(t *testing.T) {
	memo := NewMemoizer[int](NewBoundedTTL[string, int](DefaultCapacity, DefaultTTL, nil /*evictionCallback*/))
	errBackend := errors.New("backend down")

	_, _, err := memo.Do(context.Background(), "key", func(context.Context) (int, error) { return 0, errBackend })
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 0, memo.Layer().Len())

	value, cached, err := memo.Do(context.Background(), "key", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 7, value)
}

func TestMemoizer_SharesConcurrentLoads(t *testing.T) {
	memo := NewMemoizer[int](NewBoundedTTL[string, int](DefaultCapacity, DefaultTTL, nil /*evictionCallback*/))
	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (int, error) {
		loads.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, _, err := memo.Do(context.Background(), "key", load)
			assert.NoError(t, err)
			assert.Equal(t, 42, value)
		}()
	}
	time.Sleep(20 * time.Millisecond) // Let the goroutines join the in-flight load.
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, loads.Load(), int32(2), "Concurrent misses should share the load")
}

func TestMemoizer_CallerCancellation(t *testing.T) {
	memo := NewMemoizer[int](NewBoundedTTL[string, int](DefaultCapacity, DefaultTTL, nil /*evictionCallback*/))
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := memo.Do(ctx, "key", func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	// The load keeps running and fills the cache for the next caller.
	close(release)
	assert.Eventually(t, func() bool {
		_, found := memo.Layer().Get("key")
		return found
	}, time.Second, 5*time.Millisecond)
}

// lateLayer misses the first Get, as if another caller's load finished right after it.
type lateLayer struct {
	Layer[string, int]
	missed atomic.Bool
}

func (l *lateLayer) Get(key string) (int, bool) {
	if l.missed.CompareAndSwap(false, true) {
		return 0, false
	}
	return l.Layer.Get(key)
}

func TestMemoizer_RechecksCacheBeforeLoading(t *testing.T) {
	layer := &lateLayer{Layer: NewBoundedTTL[string, int](DefaultCapacity, DefaultTTL, nil /*evictionCallback*/)}
	layer.Set("key", 42)
	memo := NewMemoizer[int](layer)

	value, cached, err := memo.Do(context.Background(), "key", func(context.Context) (int, error) {
		t.Error("The cached value should be used instead of loading")
		return 0, nil
	})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 42, value)
}
