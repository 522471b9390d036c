package identity

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLStore is a keyed store whose entries are evicted after their deadline.
// Get does not return entries past their deadline even before Evict runs.
type TTLStore[V any] struct {
	mu    sync.Mutex
	items map[string]ttlEntry[V]
}

// NewTTLStore creates an empty store.
func NewTTLStore[V any]() *TTLStore[V] {
	return &TTLStore[V]{items: make(map[string]ttlEntry[V])}
}

// Put stores value until expiresAt, replacing any previous value.
func (s *TTLStore[V]) Put(key string, value V, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = ttlEntry[V]{value: value, expiresAt: expiresAt}
}

// Get returns the value if present and not past its deadline at now.
func (s *TTLStore[V]) Get(key string, now time.Time) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || now.After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key.
func (s *TTLStore[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Evict removes every entry past its deadline and returns how many were removed.
func (s *TTLStore[V]) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.items {
		if now.After(e.expiresAt) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

// Range calls fn for every live entry. fn must not call back into the store.
func (s *TTLStore[V]) Range(now time.Time, fn func(key string, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.items {
		if !now.After(e.expiresAt) {
			fn(k, e.value)
		}
	}
}

// Len returns the number of entries, including ones not yet evicted.
func (s *TTLStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
