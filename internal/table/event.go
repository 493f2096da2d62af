package table

import (
	"sync"
	"sync/atomic"
)

// Op is the kind of change an [Event] reports.
type Op int

const (
	Insert Op = iota
	Update
	Delete
)

func (o Op) String() string {
	switch o {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event reports one change. Old is set for updates and deletes, New for
// inserts and updates. Every listener receives its own copies.
type Event[T any] struct {
	Op  Op
	Key string
	Old T
	New T
}

// Listener receives events in commit order.
//
// A listener may read from the table it listens to. A write from a listener
// is allowed but its event is delivered after the listener returns.
type Listener[T any] func(Event[T])

// Entry is a keyed record.
type Entry[T any] struct {
	Key   string
	Value T
}

// Subscription is the handle returned when registering a [Listener].
type Subscription struct {
	closed atomic.Bool
	remove func()
}

// Close unregisters the listener. No event is delivered after Close returns,
// except one that is being delivered concurrently.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.remove()
	}
}

type subscriber[T any] struct {
	fn  Listener[T]
	sub *Subscription
}

type pending[T any] struct {
	ev   Event[T]
	subs []*subscriber[T]
}

// hub orders event delivery.
//
// Events are queued while the owner holds its own lock, capturing the set of
// subscribers at that moment, and delivered by flush after the owner lock is
// released. Only one goroutine delivers at a time; a flush that finds
// delivery in progress leaves its events to the active deliverer.
type hub[T any] struct {
	clone func(T) T

	mu    sync.Mutex
	subs  []*subscriber[T]
	queue []pending[T]

	deliver sync.Mutex
}

// add registers fn. The owner lock must be held so that the subscription
// takes effect at a well defined point of the event stream.
func (h *hub[T]) add(fn Listener[T]) *Subscription {
	s := &subscriber[T]{fn: fn, sub: &Subscription{}}
	s.sub.remove = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, x := range h.subs {
			if x == s {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	return s.sub
}

// enqueue records ev. The owner lock must be held.
func (h *hub[T]) enqueue(ev Event[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return
	}
	h.queue = append(h.queue, pending[T]{ev: ev, subs: h.subs})
}

// flush delivers queued events. The owner lock must not be held.
func (h *hub[T]) flush() {
	for h.deliver.TryLock() {
		for {
			h.mu.Lock()
			if len(h.queue) == 0 {
				h.mu.Unlock()
				break
			}
			p := h.queue[0]
			h.queue[0] = pending[T]{}
			h.queue = h.queue[1:]
			h.mu.Unlock()
			for _, s := range p.subs {
				if !s.sub.closed.Load() {
					s.fn(h.copyEvent(p.ev))
				}
			}
		}
		h.deliver.Unlock()
		// An event queued between the last check and Unlock would otherwise
		// wait for the next write.
		h.mu.Lock()
		empty := len(h.queue) == 0
		h.mu.Unlock()
		if empty {
			return
		}
	}
}

func (h *hub[T]) copyEvent(ev Event[T]) Event[T] {
	if h.clone == nil {
		return ev
	}
	switch ev.Op {
	case Insert:
		ev.New = h.clone(ev.New)
	case Update:
		ev.Old = h.clone(ev.Old)
		ev.New = h.clone(ev.New)
	case Delete:
		ev.Old = h.clone(ev.Old)
	}
	return ev
}
