package replica

import (
	"cmp"
	"sync"
)

// Mirror is the client-side read-only copy of a replicated Map. It only
// changes through Apply, fed from inbound change messages.
type Mirror[K cmp.Ordered, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
	applied int
}

func NewMirror[K cmp.Ordered, V any]() *Mirror[K, V] {
	return &Mirror[K, V]{entries: make(map[K]V)}
}

// Apply folds one operation into the cache.
func (m *Mirror[K, V]) Apply(op Op[K, V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch op.Kind {
	case OpAdd, OpSet:
		m.entries[op.Key] = op.Value
	case OpRemove:
		delete(m.entries, op.Key)
	case OpClear:
		m.entries = make(map[K]V)
	default:
		return
	}
	m.applied++
}

func (m *Mirror[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *Mirror[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Applied counts operations folded in so far.
func (m *Mirror[K, V]) Applied() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied
}

// Follow seeds dst from src and keeps it current. No operation can slip
// between the seed and the subscription.
func Follow[K cmp.Ordered, V comparable](src *Map[K, V], dst *Mirror[K, V]) func() {
	src.pub.Lock()
	defer src.pub.Unlock()

	dst.mu.Lock()
	dst.entries = src.Snapshot()
	dst.mu.Unlock()
	return src.Observe(dst.Apply)
}
