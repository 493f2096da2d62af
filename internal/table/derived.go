package table

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Derived is a read-only table whose records are computed from the records
// of a [Source]. Each source record yields zero or more derived records;
// every source change re-derives the record and reports the difference as
// granular insert, update and delete events.
//
// Derived keys must be unique across all source records. On collision the
// most recently derived record wins.
type Derived[S, D any] struct {
	derive  func(key string, v S) []D
	adapter Adapter[D]
	sub     *Subscription
	hub     hub[D]

	mu      sync.Mutex
	records map[string]D
	owner   map[string]string
	bySrc   map[string][]string
}

// NewDerived follows src and derives records with derive. adapter gives the
// key of derived records.
func NewDerived[S, D any](src Source[S], adapter Adapter[D], derive func(key string, v S) []D) *Derived[S, D] {
	d := &Derived[S, D]{
		derive:  derive,
		adapter: adapter,
		records: map[string]D{},
		owner:   map[string]string{},
		bySrc:   map[string][]string{},
	}
	d.hub.clone = adapter.Clone
	d.mu.Lock()
	defer d.mu.Unlock()
	var all []Entry[S]
	all, d.sub = src.Follow(d.apply)
	for _, e := range all {
		d.rederive(e.Key, e.Value, true)
	}
	return d
}

// Close stops following the source.
func (d *Derived[S, D]) Close() {
	d.sub.Close()
}

// Clone implements [Source].
func (d *Derived[S, D]) Clone(v D) D { return d.adapter.Clone(v) }

// Follow implements [Source].
func (d *Derived[S, D]) Follow(fn Listener[D]) ([]Entry[D], *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), d.hub.add(fn)
}

// Subscribe registers fn for every subsequent change.
func (d *Derived[S, D]) Subscribe(fn Listener[D]) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hub.add(fn)
}

// Get returns a copy of the derived record of key.
func (d *Derived[S, D]) Get(key string) (D, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.records[key]
	if !ok {
		return v, false
	}
	return d.adapter.Clone(v), true
}

// Count returns the number of derived records.
func (d *Derived[S, D]) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Keys returns the sorted keys.
func (d *Derived[S, D]) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.records))
}

// SourceKey returns the key of the source record that derived key.
func (d *Derived[S, D]) SourceKey(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.owner[key]
	return s, ok
}

func (d *Derived[S, D]) snapshot() []Entry[D] {
	out := make([]Entry[D], 0, len(d.records))
	for _, k := range slices.Sorted(maps.Keys(d.records)) {
		out = append(out, Entry[D]{Key: k, Value: d.adapter.Clone(d.records[k])})
	}
	return out
}

func (d *Derived[S, D]) apply(ev Event[S]) {
	d.mu.Lock()
	if ev.Op == Delete {
		d.drop(ev.Key, nil)
	} else {
		d.rederive(ev.Key, ev.New, false)
	}
	d.mu.Unlock()
	d.hub.flush()
}

// rederive replaces the records derived from srcKey. d.mu must be held.
func (d *Derived[S, D]) rederive(srcKey string, v S, initial bool) {
	next := d.derive(srcKey, v)
	keep := make(map[string]struct{}, len(next))
	keys := make([]string, 0, len(next))
	for _, x := range next {
		k := d.adapter.Key(x)
		if _, dup := keep[k]; !dup {
			keys = append(keys, k)
		}
		keep[k] = struct{}{}
		if prev, ok := d.owner[k]; ok && prev != srcKey {
			slog.Warn("Derived key collision", "key", k, "source", srcKey, "previous", prev)
			d.bySrc[prev] = slices.DeleteFunc(d.bySrc[prev], func(s string) bool { return s == k })
		}
		old, existed := d.records[k]
		d.records[k] = x
		d.owner[k] = srcKey
		if initial {
			continue
		}
		if !existed {
			d.hub.enqueue(Event[D]{Op: Insert, Key: k, New: x})
		} else if eq, ok := d.adapter.(Equaler[D]); !ok || !eq.Equal(old, x) {
			d.hub.enqueue(Event[D]{Op: Update, Key: k, Old: old, New: x})
		}
	}
	d.drop(srcKey, keep)
	d.bySrc[srcKey] = keys
}

// drop deletes the records derived from srcKey that are not in keep.
// d.mu must be held.
func (d *Derived[S, D]) drop(srcKey string, keep map[string]struct{}) {
	for _, k := range d.bySrc[srcKey] {
		if _, ok := keep[k]; ok || d.owner[k] != srcKey {
			continue
		}
		old := d.records[k]
		delete(d.records, k)
		delete(d.owner, k)
		d.hub.enqueue(Event[D]{Op: Delete, Key: k, Old: old})
	}
	if keep == nil {
		delete(d.bySrc, srcKey)
	}
}
