package table

import (
	"maps"
	"slices"
	"sync"
)

// Index maps the records of a [Source] to a secondary value and back.
//
// The index is built from the records present when it is created and kept
// synchronized with the source until Close.
type Index[K comparable, T any] struct {
	value func(T) K
	sub   *Subscription

	mu      sync.Mutex
	byKey   map[string]K
	byValue map[K]map[string]struct{}
	paused  int
	backlog []Event[T]
}

// NewIndex indexes src by value.
func NewIndex[K comparable, T any](src Source[T], value func(T) K) *Index[K, T] {
	idx := &Index[K, T]{
		value:   value,
		byKey:   map[string]K{},
		byValue: map[K]map[string]struct{}{},
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var all []Entry[T]
	all, idx.sub = src.Follow(idx.apply)
	for _, e := range all {
		idx.set(e.Key, value(e.Value))
	}
	return idx
}

// Close stops following the source.
func (idx *Index[K, T]) Close() {
	idx.sub.Close()
}

// Lookup returns the sorted keys of the records whose value is v.
func (idx *Index[K, T]) Lookup(v K) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return slices.Sorted(maps.Keys(idx.byValue[v]))
}

// ValueOf returns the indexed value of key.
func (idx *Index[K, T]) ValueOf(key string) (K, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	v, ok := idx.byKey[key]
	return v, ok
}

// Values returns the number of distinct indexed values.
func (idx *Index[K, T]) Values() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byValue)
}

// Suspend queues source changes until the matching [Index.Resume].
func (idx *Index[K, T]) Suspend() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.paused++
}

// Resume applies the changes queued since [Index.Suspend] in order.
func (idx *Index[K, T]) Resume() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.paused == 0 {
		panic("table: Resume without Suspend")
	}
	idx.paused--
	if idx.paused == 0 {
		for _, ev := range idx.backlog {
			idx.applyLocked(ev)
		}
		idx.backlog = nil
	}
}

func (idx *Index[K, T]) apply(ev Event[T]) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.paused > 0 {
		idx.backlog = append(idx.backlog, ev)
		return
	}
	idx.applyLocked(ev)
}

func (idx *Index[K, T]) applyLocked(ev Event[T]) {
	idx.unset(ev.Key)
	if ev.Op != Delete {
		idx.set(ev.Key, idx.value(ev.New))
	}
}

func (idx *Index[K, T]) set(key string, v K) {
	idx.byKey[key] = v
	keys := idx.byValue[v]
	if keys == nil {
		keys = map[string]struct{}{}
		idx.byValue[v] = keys
	}
	keys[key] = struct{}{}
}

func (idx *Index[K, T]) unset(key string) {
	v, ok := idx.byKey[key]
	if !ok {
		return
	}
	delete(idx.byKey, key)
	delete(idx.byValue[v], key)
	if len(idx.byValue[v]) == 0 {
		delete(idx.byValue, v)
	}
}
