package replica

import (
	"cmp"
	"slices"
	"sync"
)

// OpKind names a single replicated map operation.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpSet    OpKind = "set"
	OpRemove OpKind = "remove"
	OpClear  OpKind = "clear"
)

// Op is what observers of a Map receive. Value is the zero value for remove
// and clear.
type Op[K comparable, V any] struct {
	Kind  OpKind
	Key   K
	Value V
}

// Map is a replicated key/value store that emits operations instead of
// whole-snapshot diffs.
type Map[K cmp.Ordered, V comparable] struct {
	name string
	pub  sync.Mutex

	mu        sync.RWMutex
	entries   map[K]V
	observers observerList[func(Op[K, V])]
}

func NewMap[K cmp.Ordered, V comparable](name string) *Map[K, V] {
	return &Map[K, V]{name: name, entries: make(map[K]V)}
}

func (m *Map[K, V]) Name() string { return m.name }

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Keys returns the keys in ascending order.
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	keys := make([]K, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Snapshot copies the current entries.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]V, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Set upserts key. It emits OpAdd for a new key, OpSet for a changed value and
// nothing when the stored value is already v.
func (m *Map[K, V]) Set(key K, v V) bool {
	m.pub.Lock()
	defer m.pub.Unlock()

	m.mu.Lock()
	old, exists := m.entries[key]
	if exists && old == v {
		m.mu.Unlock()
		return false
	}
	m.entries[key] = v
	kind := OpSet
	if !exists {
		kind = OpAdd
	}
	observers := m.observers.snapshot()
	m.mu.Unlock()

	m.emit(observers, Op[K, V]{Kind: kind, Key: key, Value: v})
	return true
}

// Remove deletes key, reporting whether it existed.
func (m *Map[K, V]) Remove(key K) bool {
	m.pub.Lock()
	defer m.pub.Unlock()

	m.mu.Lock()
	if _, ok := m.entries[key]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, key)
	observers := m.observers.snapshot()
	m.mu.Unlock()

	m.emit(observers, Op[K, V]{Kind: OpRemove, Key: key})
	return true
}

// Clear drops every entry. Clearing an empty map emits nothing.
func (m *Map[K, V]) Clear() {
	m.pub.Lock()
	defer m.pub.Unlock()

	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return
	}
	m.entries = make(map[K]V)
	observers := m.observers.snapshot()
	m.mu.Unlock()

	m.emit(observers, Op[K, V]{Kind: OpClear})
}

// Observe registers fn for every subsequent operation.
func (m *Map[K, V]) Observe(fn func(Op[K, V])) func() {
	m.mu.Lock()
	id := m.observers.add(fn)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.observers.remove(id)
		m.mu.Unlock()
	}
}

func (m *Map[K, V]) emit(observers []func(Op[K, V]), op Op[K, V]) {
	for _, fn := range observers {
		fn(op)
	}
}
