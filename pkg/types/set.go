package types

import "sync"

// Set is a mutex-guarded set of comparable values.
type Set[T comparable] struct {
	mu   sync.RWMutex
	keys map[T]struct{}
}

func NewSet[T comparable](keys ...T) *Set[T] {
	s := &Set[T]{keys: make(map[T]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

// Add inserts the given values.
func (s *Set[T]) Add(keys ...T) *Set[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = map[T]struct{}{}
	}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

// Delete removes a value and reports whether it was present.
func (s *Set[T]) Delete(key T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; !ok {
		return false
	}
	delete(s.keys, key)
	return true
}

// Has reports whether the value is present.
func (s *Set[T]) Has(key T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// Len returns the number of values.
func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns a snapshot of the values in unspecified order.
func (s *Set[T]) Keys() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}

// Clear removes every value.
func (s *Set[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = map[T]struct{}{}
}
