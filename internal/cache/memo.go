package cache

import (
	"context"
	"sync"
)

// Memo is a generic memoizing cache for values that are immutable once
// resolved (e.g. the token address assigned to a factory pool index).
// Entries are populated once and never invalidated.
//
// Resolution happens outside the lock so misses for different keys proceed
// in parallel. Two concurrent misses for the same key may both resolve; the
// last writer wins, which is safe because resolved values are deterministic.
type Memo[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V

	hits   int64
	misses int64
}

// NewMemo creates an empty memoizing cache.
func NewMemo[K comparable, V any]() *Memo[K, V] {
	return &Memo[K, V]{
		items: make(map[K]V),
	}
}

// Get retrieves a cached value. Returns the zero value and false on a miss.
func (m *Memo[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

// Put stores a value.
func (m *Memo[K, V]) Put(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
}

// GetOrResolve returns the cached value for key, calling resolve exactly once
// per cold key on this instance's happy path. A resolve error is returned to
// the caller and nothing is cached, so the next lookup retries.
func (m *Memo[K, V]) GetOrResolve(ctx context.Context, key K, resolve func(context.Context, K) (V, error)) (V, error) {
	m.mu.Lock()
	v, ok := m.items[key]
	if ok {
		m.hits++
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	v, err := resolve(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}

	m.mu.Lock()
	m.items[key] = v
	m.misses++
	m.mu.Unlock()
	return v, nil
}

// Len returns the number of resolved entries.
func (m *Memo[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Stats returns hit and miss counts.
func (m *Memo[K, V]) Stats() (hits, misses int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits, m.misses
}
