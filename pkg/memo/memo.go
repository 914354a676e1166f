// Package memo provides a small in-memory memoization table with expiry.
package memo

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

type item[V any] struct {
	value   V
	expires time.Time
}

// TTL memoizes values for a fixed duration.
// When full, expired items are dropped first, then the item expiring soonest.
// A TTL is safe for concurrent use.
type TTL[K comparable, V any] struct {
	mutex    sync.Mutex
	items    map[K]item[V]
	ttl      time.Duration
	capacity int
	clock    Clock
}

// NewTTL creates a memo holding at most capacity items for ttl each.
// A capacity of zero or less means unbounded. The system clock is used if clock is nil.
func NewTTL[K comparable, V any](ttl time.Duration, capacity int, clock Clock) *TTL[K, V] {
	if clock == nil {
		clock = SystemClock
	}
	return &TTL[K, V]{
		items:    make(map[K]item[V]),
		ttl:      ttl,
		capacity: capacity,
		clock:    clock,
	}
}

// Get returns the memoized value, if it has not expired.
func (m *TTL[K, V]) Get(key K) (V, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	it, ok := m.items[key]
	if !ok || !m.clock.Now().Before(it.expires) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set memoizes the value.
func (m *TTL[K, V]) Set(key K, value V) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := m.clock.Now()
	if _, exists := m.items[key]; !exists && m.capacity > 0 && len(m.items) >= m.capacity {
		m.makeRoom(now)
	}
	m.items[key] = item[V]{value: value, expires: now.Add(m.ttl)}
}

// makeRoom removes expired items, or the one expiring soonest if none expired.
// The mutex must be held.
func (m *TTL[K, V]) makeRoom(now time.Time) {
	var (
		soonest    K
		soonestExp time.Time
		found      bool
	)
	for k, it := range m.items {
		if !now.Before(it.expires) {
			delete(m.items, k)
			continue
		}
		if !found || it.expires.Before(soonestExp) {
			soonest, soonestExp, found = k, it.expires, true
		}
	}
	if len(m.items) >= m.capacity && found {
		delete(m.items, soonest)
	}
}

// Delete forgets the value.
func (m *TTL[K, V]) Delete(key K) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.items, key)
}

// Len returns the number of items held, including expired ones not yet dropped.
func (m *TTL[K, V]) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.items)
}

// GetOrCompute returns the memoized value, or computes and memoizes it.
// Errors are returned as they are and not memoized.
// Concurrent callers for a missing key may compute it more than once.
func (m *TTL[K, V]) GetOrCompute(key K, compute func() (V, error)) (V, error) {
	if v, ok := m.Get(key); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return v, err
	}
	m.Set(key, v)
	return v, nil
}
