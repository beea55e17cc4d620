package types

import "sync"

// Map is a typed wrapper around sync.Map.
type Map[K comparable, V any] struct {
	m sync.Map
}

func (m *Map[K, V]) Load(key K) (V, bool) {
	if v, ok := m.m.Load(key); ok {
		return v.(V), true
	}
	var zero V
	return zero, false
}

func (m *Map[K, V]) Store(key K, value V) {
	m.m.Store(key, value)
}

func (m *Map[K, V]) LoadOrStore(key K, value V) (V, bool) {
	v, loaded := m.m.LoadOrStore(key, value)
	return v.(V), loaded
}

func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	if v, ok := m.m.LoadAndDelete(key); ok {
		return v.(V), true
	}
	var zero V
	return zero, false
}

func (m *Map[K, V]) Delete(key K) {
	m.m.Delete(key)
}

func (m *Map[K, V]) Range(fn func(K, V) bool) {
	m.m.Range(func(k, v any) bool {
		return fn(k.(K), v.(V))
	})
}

// Len counts the entries. O(n).
func (m *Map[K, V]) Len() int {
	n := 0
	m.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Clear removes every entry.
func (m *Map[K, V]) Clear() {
	m.m.Range(func(k, _ any) bool {
		m.m.Delete(k)
		return true
	})
}

// Keys returns a snapshot of the keys in unspecified order.
func (m *Map[K, V]) Keys() []K {
	var out []K
	m.m.Range(func(k, _ any) bool {
		out = append(out, k.(K))
		return true
	})
	return out
}
