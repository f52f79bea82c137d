// Package replica holds the server-owned replicated values that every other
// component builds on. A Field or Map is mutated only by server logic; each
// change is pushed to observers in the order it was applied.
//
// Observers run synchronously on the mutating goroutine. They may read any
// replicated value but must not mutate the value that is notifying them.
package replica

import (
	"sync"
)

type observerList[F any] struct {
	next int
	fns  map[int]F
	// order keeps delivery stable across calls.
	order []int
}

func (l *observerList[F]) add(fn F) int {
	if l.fns == nil {
		l.fns = make(map[int]F)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.order = append(l.order, id)
	return id
}

func (l *observerList[F]) remove(id int) {
	if _, ok := l.fns[id]; !ok {
		return
	}
	delete(l.fns, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *observerList[F]) snapshot() []F {
	out := make([]F, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.fns[id])
	}
	return out
}

// Field is a single replicated value.
type Field[T comparable] struct {
	name string

	// pub serialises delivery so observers see changes in apply order.
	pub sync.Mutex

	mu        sync.RWMutex
	value     T
	observers observerList[func(old, new T)]
}

// NewField constructs a field holding initial. No change is emitted for the
// initial value.
func NewField[T comparable](name string, initial T) *Field[T] {
	return &Field[T]{name: name, value: initial}
}

// Name is the replication name used on the wire.
func (f *Field[T]) Name() string { return f.name }

// Get returns the current value.
func (f *Field[T]) Get() T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

// Set stores v and notifies observers. It reports whether the value changed;
// writing the current value again is not a change and emits nothing.
func (f *Field[T]) Set(v T) bool {
	f.pub.Lock()
	defer f.pub.Unlock()

	f.mu.Lock()
	old := f.value
	if old == v {
		f.mu.Unlock()
		return false
	}
	f.value = v
	observers := f.observers.snapshot()
	f.mu.Unlock()

	for _, fn := range observers {
		fn(old, v)
	}
	return true
}

// Observe registers fn for every subsequent change and returns a function
// that removes it.
func (f *Field[T]) Observe(fn func(old, new T)) func() {
	f.mu.Lock()
	id := f.observers.add(fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.observers.remove(id)
		f.mu.Unlock()
	}
}
