// Package table implements an in-memory cache of the records of one type,
// backed by a [storage.Storage], with application level record locks and
// change notification.
//
// Every write goes to storage first and to memory second, so storage is
// authoritative after a crash. Records handed out are always copies.
package table

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/storage"
)

// Adapter gives the table access to the key of a record and a way to copy
// it. [schema.Adapter] implements it.
type Adapter[T any] interface {
	Key(v T) string
	SetKey(v T, key string) bool
	Clone(v T) T
}

// Equaler is optionally implemented by an [Adapter]. [Table.Refresh] uses it
// to skip notifications for records that did not change.
type Equaler[T any] interface {
	Equal(a, b T) bool
}

// Source is a live collection of keyed records that views can follow.
type Source[T any] interface {
	// Follow returns a copy of every record sorted by key and registers fn
	// for every change after that snapshot.
	Follow(fn Listener[T]) ([]Entry[T], *Subscription)
	// Clone copies a record.
	Clone(v T) T
}

// Table is the authoritative in-memory copy of a [storage.Storage].
type Table[T any] struct {
	name    string
	store   storage.Storage[T]
	adapter Adapter[T]
	opts    options
	hub     hub[T]

	mu       sync.Mutex
	records  map[string]T
	locks    map[string]*Lock
	released chan struct{}
	seq      int64
}

// New loads every record of store. Either all records load or New fails.
//
// A record whose key differs from its storage key is reported as corrupt.
func New[T any](ctx context.Context, name string, store storage.Storage[T], adapter Adapter[T], opts ...Option) (*Table[T], error) {
	o := options{lockWait: DefaultLockWait, lockAttempts: DefaultLockAttempts, loadWorkers: DefaultLoadWorkers}
	for _, opt := range opts {
		opt(&o)
	}
	t := &Table[T]{
		name:     name,
		store:    store,
		adapter:  adapter,
		opts:     o,
		records:  map[string]T{},
		locks:    map[string]*Lock{},
		released: make(chan struct{}),
	}
	t.hub.clone = adapter.Clone
	keys, err := store.List()
	if err != nil {
		return nil, err
	}
	values := make([]T, len(keys))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(o.loadWorkers)
	for i, key := range keys {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return dberrors.Stopping(err)
			}
			v, err := store.Load(key)
			if err != nil {
				return err
			}
			if k := adapter.Key(v); k != key {
				return dberrors.Corrupt("record %q is stored as %q", k, key).WithDetail("table", name)
			}
			values[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for i, key := range keys {
		t.records[key] = values[i]
		t.advance(key)
	}
	o.metrics.SetRecords(name, len(t.records))
	slog.Debug("Loaded table", "table", name, "records", len(keys))
	return t, nil
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.name }

// Clone copies a record.
func (t *Table[T]) Clone(v T) T { return t.adapter.Clone(v) }

// advance moves the sequence past key. t.mu must be held.
func (t *Table[T]) advance(key string) {
	if !t.opts.sequence {
		return
	}
	if n, err := strconv.ParseInt(key, 10, 64); err == nil && n >= t.seq {
		t.seq = n + 1
	}
}

// NextKey returns the key the next insert with an empty key would get.
func (t *Table[T]) NextKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextKey()
}

func (t *Table[T]) nextKey() string {
	k := t.seq
	for {
		s := strconv.FormatInt(k, 10)
		if _, ok := t.records[s]; !ok {
			return s
		}
		k++
	}
}

// Get returns a copy of the record of key. It never waits for a lock.
func (t *Table[T]) Get(key string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.records[key]
	if !ok {
		return v, false
	}
	return t.adapter.Clone(v), true
}

// Exists reports whether key is present.
func (t *Table[T]) Exists(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[key]
	return ok
}

// Count returns the number of records.
func (t *Table[T]) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Keys returns the sorted keys.
func (t *Table[T]) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.records))
}

// All returns copies of all records sorted by key.
func (t *Table[T]) All() []Entry[T] {
	return t.Query(nil)
}

// Query returns copies of the records matching pred, sorted by key. A nil
// pred matches everything.
func (t *Table[T]) Query(pred func(T) bool) []Entry[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(pred)
}

func (t *Table[T]) snapshot(pred func(T) bool) []Entry[T] {
	out := make([]Entry[T], 0, len(t.records))
	for _, k := range slices.Sorted(maps.Keys(t.records)) {
		v := t.records[k]
		if pred == nil || pred(v) {
			out = append(out, Entry[T]{Key: k, Value: t.adapter.Clone(v)})
		}
	}
	return out
}

// Holder returns the holder of the lock on key.
func (t *Table[T]) Holder(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		return "", false
	}
	return l.Holder, true
}

// Subscribe registers fn for every subsequent change.
func (t *Table[T]) Subscribe(fn Listener[T]) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hub.add(fn)
}

// Follow implements [Source].
func (t *Table[T]) Follow(fn Listener[T]) ([]Entry[T], *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(nil), t.hub.add(fn)
}

// Insert stores a new record and returns the lock the caller now holds on it.
//
// With [WithSequence], an empty key is replaced by [Table.NextKey].
//
// Listeners usually run on the calling goroutine before the method returns.
// When another goroutine is already delivering events of this table, or when
// called from a listener, delivery is left to that goroutine and may happen
// after the method returns.
func (t *Table[T]) Insert(ctx context.Context, v T) (l *Lock, err error) {
	defer func() { t.opts.metrics.TableOp(t.name, "insert", err) }()
	t.mu.Lock()
	key := t.adapter.Key(v)
	if key == "" && t.opts.sequence {
		key = t.nextKey()
		if !t.adapter.SetKey(v, key) {
			t.mu.Unlock()
			return nil, dberrors.Validation("cannot assign key %q", key)
		}
	}
	if _, ok := t.records[key]; ok {
		t.mu.Unlock()
		return nil, dberrors.Conflict(key).WithDetail("table", t.name)
	}
	if err := t.store.Store(key, v); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.records[key] = t.adapter.Clone(v)
	l = newLock(ctx, key)
	t.locks[key] = l
	t.advance(key)
	t.hub.enqueue(Event[T]{Op: Insert, Key: key, New: t.records[key]})
	t.opts.metrics.SetRecords(t.name, len(t.records))
	t.mu.Unlock()
	t.hub.flush()
	return l, nil
}

// TryLock locks key if it is not locked. ok is false when another caller
// holds the lock.
func (t *Table[T]) TryLock(ctx context.Context, key string) (l *Lock, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.records[key]; !exists {
		return nil, false, dberrors.NotFound(key).WithDetail("table", t.name)
	}
	if _, locked := t.locks[key]; locked {
		return nil, false, nil
	}
	l = newLock(ctx, key)
	t.locks[key] = l
	return l, true, nil
}

// Lock locks key, waiting while another caller holds the lock.
//
// Each attempt waits up to the lock wait and is cut short by a release. After
// the configured number of attempts Lock fails with a lock error naming the
// holder. When ctx is done while waiting, Lock fails with a stopping error.
func (t *Table[T]) Lock(ctx context.Context, key string) (*Lock, error) {
	start := time.Now()
	defer func() { t.opts.metrics.LockWaited(t.name, time.Since(start)) }()
	timeouts := 0
	for {
		t.mu.Lock()
		if _, ok := t.records[key]; !ok {
			t.mu.Unlock()
			return nil, dberrors.NotFound(key).WithDetail("table", t.name)
		}
		cur, locked := t.locks[key]
		if !locked {
			l := newLock(ctx, key)
			t.locks[key] = l
			t.mu.Unlock()
			return l, nil
		}
		if timeouts >= t.opts.lockAttempts {
			t.mu.Unlock()
			t.opts.metrics.LockFailed(t.name, "timeout")
			return nil, dberrors.Lock(key+" is locked by "+cur.Holder, cur.Holder).WithDetail("table", t.name)
		}
		wake := t.released
		t.mu.Unlock()

		if err := ctx.Err(); err != nil {
			t.opts.metrics.LockFailed(t.name, "stopping")
			return nil, dberrors.Stopping(err).WithDetail("key", key)
		}
		timer := time.NewTimer(t.opts.lockWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.opts.metrics.LockFailed(t.name, "stopping")
			return nil, dberrors.Stopping(ctx.Err()).WithDetail("key", key)
		case <-wake:
			timer.Stop()
		case <-timer.C:
			timeouts++
			slog.DebugContext(ctx, "Waiting for lock", "table", t.name, "key", key, "holder", cur.Holder, "attempt", timeouts)
		}
	}
}

// check verifies l is the current lock of key. t.mu must be held.
func (t *Table[T]) check(key string, l *Lock) error {
	if _, ok := t.records[key]; !ok {
		return dberrors.NotFound(key).WithDetail("table", t.name)
	}
	cur, ok := t.locks[key]
	if !ok || l == nil || cur != l {
		holder := ""
		if ok {
			holder = cur.Holder
		}
		return dberrors.Lock("lock on "+key+" is not held", holder).WithDetail("table", t.name)
	}
	return nil
}

// wakeWaiters signals every goroutine blocked in Lock. t.mu must be held.
func (t *Table[T]) wakeWaiters() {
	close(t.released)
	t.released = make(chan struct{})
}

// Update replaces the record of the key of v. The lock is kept.
// Listeners are notified as described on [Table.Insert].
func (t *Table[T]) Update(v T, l *Lock) (err error) {
	defer func() { t.opts.metrics.TableOp(t.name, "update", err) }()
	t.mu.Lock()
	key := t.adapter.Key(v)
	if err := t.check(key, l); err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.store.Store(key, v); err != nil {
		t.mu.Unlock()
		return err
	}
	old := t.records[key]
	t.records[key] = t.adapter.Clone(v)
	t.hub.enqueue(Event[T]{Op: Update, Key: key, Old: old, New: t.records[key]})
	t.mu.Unlock()
	t.hub.flush()
	return nil
}

// Release releases the lock on key.
func (t *Table[T]) Release(key string, l *Lock) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(key, l); err != nil {
		return err
	}
	delete(t.locks, key)
	t.wakeWaiters()
	return nil
}

// Delete removes the record of key and its lock.
// Listeners are notified as described on [Table.Insert].
func (t *Table[T]) Delete(key string, l *Lock) (err error) {
	defer func() { t.opts.metrics.TableOp(t.name, "delete", err) }()
	t.mu.Lock()
	if err := t.check(key, l); err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.store.Delete(key); err != nil && !errors.Is(err, dberrors.ErrNotFound) {
		t.mu.Unlock()
		return err
	}
	old := t.records[key]
	delete(t.records, key)
	delete(t.locks, key)
	t.wakeWaiters()
	t.hub.enqueue(Event[T]{Op: Delete, Key: key, Old: old})
	t.opts.metrics.SetRecords(t.name, len(t.records))
	t.mu.Unlock()
	t.hub.flush()
	return nil
}

// Refresh reloads key from storage after an external change and notifies
// listeners of the difference. Locked keys are skipped.
func (t *Table[T]) Refresh(key string) (err error) {
	defer func() { t.opts.metrics.Refreshed(t.name, err) }()
	t.mu.Lock()
	if l, ok := t.locks[key]; ok {
		t.mu.Unlock()
		slog.Warn("Skipping refresh of locked record", "table", t.name, "key", key, "holder", l.Holder)
		return nil
	}
	old, present := t.records[key]
	v, err := t.store.Load(key)
	var ev Event[T]
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		if !present {
			t.mu.Unlock()
			return nil
		}
		delete(t.records, key)
		ev = Event[T]{Op: Delete, Key: key, Old: old}
	case err != nil:
		t.mu.Unlock()
		return err
	case t.adapter.Key(v) != key:
		t.mu.Unlock()
		return dberrors.Corrupt("record %q is stored as %q", t.adapter.Key(v), key).WithDetail("table", t.name)
	case !present:
		t.records[key] = v
		t.advance(key)
		ev = Event[T]{Op: Insert, Key: key, New: v}
	default:
		if eq, ok := t.adapter.(Equaler[T]); ok && eq.Equal(old, v) {
			t.mu.Unlock()
			return nil
		}
		t.records[key] = v
		ev = Event[T]{Op: Update, Key: key, Old: old, New: v}
	}
	slog.Info("Refreshed record", "table", t.name, "key", key, "op", ev.Op.String())
	t.hub.enqueue(ev)
	t.opts.metrics.SetRecords(t.name, len(t.records))
	t.mu.Unlock()
	t.hub.flush()
	return nil
}
