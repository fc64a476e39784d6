package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemo_BasicGetPut(t *testing.T) {
	m := NewMemo[uint64, string]()

	m.Put(1, "0xaaaa")
	m.Put(2, "0xbbbb")

	v, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, "0xaaaa", v)

	_, ok = m.Get(99)
	assert.False(t, ok)

	assert.Equal(t, 2, m.Len())
}

func TestMemo_ResolvesOncePerKey(t *testing.T) {
	m := NewMemo[uint64, string]()

	var calls int32
	resolve := func(_ context.Context, k uint64) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "token-1", nil
	}

	for i := 0; i < 5; i++ {
		v, err := m.GetOrResolve(context.Background(), 1, resolve)
		require.NoError(t, err)
		assert.Equal(t, "token-1", v)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	hits, misses := m.Stats()
	assert.Equal(t, int64(4), hits)
	assert.Equal(t, int64(1), misses)
}

func TestMemo_ResolveErrorNotCached(t *testing.T) {
	m := NewMemo[uint64, string]()

	boom := errors.New("rpc unavailable")
	_, err := m.GetOrResolve(context.Background(), 1, func(context.Context, uint64) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Len())

	// Next lookup retries and succeeds.
	v, err := m.GetOrResolve(context.Background(), 1, func(context.Context, uint64) (string, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
}

func TestMemo_ConcurrentMisses(t *testing.T) {
	m := NewMemo[int, int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			v, err := m.GetOrResolve(context.Background(), k%10, func(_ context.Context, key int) (int, error) {
				return key * 2, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, (k%10)*2, v)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, m.Len())
}
