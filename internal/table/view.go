package table

import (
	"cmp"
	"slices"
	"sync"
)

// View is a filtered and sorted projection of a [Source].
//
// A dynamic view follows its source and reports its own changes to its
// listeners: Insert when a record enters the view, Update when a record stays
// in it and Delete when it leaves.
type View[T any] struct {
	src     Source[T]
	pred    func(T) bool
	cmp     func(a, b T) int
	sub     *Subscription
	hub     hub[T]
	mu      sync.Mutex
	items   []Entry[T]
	paused  int
	backlog []Event[T]
}

// Select builds a view of the records of src matching pred (nil matches
// everything), sorted by cmp and then by key. A nil cmp sorts by key only.
// Unless dynamic, the view is a snapshot.
func Select[T any](src Source[T], pred func(T) bool, cmp func(a, b T) int, dynamic bool) *View[T] {
	v := &View[T]{src: src, pred: pred, cmp: cmp}
	v.hub.clone = src.Clone
	// Events delivered before the snapshot is in place wait on v.mu.
	v.mu.Lock()
	defer v.mu.Unlock()
	var all []Entry[T]
	if dynamic {
		all, v.sub = src.Follow(v.apply)
	} else {
		var sub *Subscription
		all, sub = src.Follow(func(Event[T]) {})
		sub.Close()
	}
	for _, e := range all {
		if v.match(e.Value) {
			v.items = append(v.items, e)
		}
	}
	v.sortLocked()
	return v
}

func (v *View[T]) match(x T) bool {
	return v.pred == nil || v.pred(x)
}

func (v *View[T]) compare(a, b Entry[T]) int {
	if v.cmp != nil {
		if c := v.cmp(a.Value, b.Value); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.Key, b.Key)
}

func (v *View[T]) sortLocked() {
	slices.SortStableFunc(v.items, v.compare)
}

// Close stops following the source.
func (v *View[T]) Close() {
	if v.sub != nil {
		v.sub.Close()
	}
}

// Subscribe registers fn for the changes of the view.
func (v *View[T]) Subscribe(fn Listener[T]) *Subscription {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hub.add(fn)
}

// Follow implements [Source], so views can be chained.
func (v *View[T]) Follow(fn Listener[T]) ([]Entry[T], *Subscription) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.copyItems(), v.hub.add(fn)
}

// Clone implements [Source].
func (v *View[T]) Clone(x T) T { return v.src.Clone(x) }

// Len returns the number of records in the view.
func (v *View[T]) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}

// At returns a copy of the i-th record.
func (v *View[T]) At(i int) Entry[T] {
	v.mu.Lock()
	defer v.mu.Unlock()
	e := v.items[i]
	return Entry[T]{Key: e.Key, Value: v.src.Clone(e.Value)}
}

// Items returns copies of the records in view order.
func (v *View[T]) Items() []Entry[T] {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.copyItems()
}

func (v *View[T]) copyItems() []Entry[T] {
	out := make([]Entry[T], len(v.items))
	for i, e := range v.items {
		out[i] = Entry[T]{Key: e.Key, Value: v.src.Clone(e.Value)}
	}
	return out
}

// Keys returns the keys in view order.
func (v *View[T]) Keys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.items))
	for i, e := range v.items {
		out[i] = e.Key
	}
	return out
}

// Suspend queues source changes until the matching [View.Resume].
// Suspensions nest.
func (v *View[T]) Suspend() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused++
}

// Resume applies the changes queued since [View.Suspend] in order.
func (v *View[T]) Resume() {
	v.mu.Lock()
	if v.paused == 0 {
		v.mu.Unlock()
		panic("table: Resume without Suspend")
	}
	v.paused--
	if v.paused == 0 {
		backlog := v.backlog
		v.backlog = nil
		for _, ev := range backlog {
			v.applyLocked(ev)
		}
	}
	v.mu.Unlock()
	v.hub.flush()
}

// Sort changes the order of the view.
func (v *View[T]) Sort(cmp func(a, b T) int) {
	v.Suspend()
	v.mu.Lock()
	v.cmp = cmp
	v.sortLocked()
	v.mu.Unlock()
	v.Resume()
}

func (v *View[T]) apply(ev Event[T]) {
	v.mu.Lock()
	if v.paused > 0 {
		v.backlog = append(v.backlog, ev)
		v.mu.Unlock()
		return
	}
	v.applyLocked(ev)
	v.mu.Unlock()
	v.hub.flush()
}

func (v *View[T]) indexOf(key string) int {
	return slices.IndexFunc(v.items, func(e Entry[T]) bool { return e.Key == key })
}

func (v *View[T]) insertLocked(e Entry[T]) {
	i, _ := slices.BinarySearchFunc(v.items, e, v.compare)
	v.items = slices.Insert(v.items, i, e)
}

// applyLocked updates the view with one source event. v.mu must be held.
func (v *View[T]) applyLocked(ev Event[T]) {
	i := v.indexOf(ev.Key)
	var old T
	if i >= 0 {
		old = v.items[i].Value
		v.items = slices.Delete(v.items, i, i+1)
	}
	in := ev.Op != Delete && v.match(ev.New)
	if in {
		v.insertLocked(Entry[T]{Key: ev.Key, Value: ev.New})
	}
	switch {
	case i >= 0 && in:
		v.hub.enqueue(Event[T]{Op: Update, Key: ev.Key, Old: old, New: ev.New})
	case i >= 0:
		v.hub.enqueue(Event[T]{Op: Delete, Key: ev.Key, Old: old})
	case in:
		v.hub.enqueue(Event[T]{Op: Insert, Key: ev.Key, New: ev.New})
	}
}
