package sync

import (
	"sync"
)

// Map is a type-safe generic wrapper around sync.Map.
type Map[K comparable, V any] struct {
	m sync.Map
}

// Delete deletes the value for a key.
func (m *Map[K, V]) Delete(key K) {
	m.m.Delete(key)
}

// Load returns the value stored in the map for a key,
// or the zero value if no value is present.
// The ok result indicates whether value was found in the map.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.m.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// LoadAndDelete deletes the value for a key,
// returning the previous value if any.
// The loaded result reports whether the key was present.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	v, loaded := m.m.LoadAndDelete(key)
	if !loaded {
		return value, false
	}
	return v.(V), true
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.m.LoadOrStore(key, value)
	return v.(V), loaded
}

// Range calls yield sequentially for each key and value present in the map.
// If yield returns false, range stops the iteration.
//
// The caveats noted in the standard library [sync.Map.Range] apply here as well.
func (m *Map[K, V]) Range(yield func(key K, value V) bool) {
	m.m.Range(func(k, v any) bool {
		return yield(k.(K), v.(V))
	})
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, value V) {
	m.m.Store(key, value)
}

// Len counts the entries in the map.
// It is linear in the size of the map, and only a snapshot under concurrent modification.
func (m *Map[K, V]) Len() int {
	var n int
	m.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
