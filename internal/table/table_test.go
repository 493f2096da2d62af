package table

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"testing"
	"time"

	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/schema"
	"github.com/maruel/labdb/internal/storage"
	"github.com/maruel/labdb/internal/tree"
)

type counter struct {
	Key   string
	Count int
	Group string
}

var counterDef = schema.NewDefinition("counter",
	schema.String("key", func(c *counter) *string { return &c.Key }),
	schema.Int("count", func(c *counter) *int { return &c.Count }),
	schema.String("group", func(c *counter) *string { return &c.Group }),
)

var counters = schema.NewAdapter(counterDef, func(c *counter) *string { return &c.Key }, tree.XML)

func newStore(t *testing.T, dir string) *storage.Directory[*counter] {
	t.Helper()
	d, err := storage.NewDirectory[*counter](dir, counters, &storage.DirectoryOptions{Suffix: tree.XML.Ext()})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func open(t *testing.T, s storage.Storage[*counter], opts ...Option) *Table[*counter] {
	t.Helper()
	tbl, err := New(t.Context(), "counters", s, counters, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func insert(t *testing.T, tbl *Table[*counter], c *counter) {
	t.Helper()
	l, err := tbl.Insert(t.Context(), c)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Release(c.Key, l); err != nil {
		t.Fatal(err)
	}
}

func TestRestartAndCrash(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tbl := open(t, newStore(t, dir))
	insert(t, tbl, &counter{Key: "A", Count: 1})

	// Restart.
	tbl = open(t, newStore(t, dir))
	got, ok := tbl.Get("A")
	if !ok || got.Count != 1 {
		t.Fatalf("Get(A) = %+v, %v", got, ok)
	}

	var buf bytes.Buffer
	if err := counters.Encode(&buf, &counter{Key: "A", Count: 2}); err != nil {
		t.Fatal(err)
	}
	primary := filepath.Join(dir, "A.xml")
	alternate := filepath.Join(dir, "A.alt.xml")

	// Crash after writing the alternate, before the commit deleted the primary.
	if err := os.WriteFile(alternate, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	tbl = open(t, newStore(t, dir))
	if got, _ := tbl.Get("A"); got.Count != 1 {
		t.Fatalf("after interrupted write Count = %d, want 1", got.Count)
	}

	// Crash between deleting the primary and renaming the alternate.
	if err := os.WriteFile(alternate, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(primary); err != nil {
		t.Fatal(err)
	}
	tbl = open(t, newStore(t, dir))
	if got, _ := tbl.Get("A"); got.Count != 2 {
		t.Fatalf("after interrupted commit Count = %d, want 2", got.Count)
	}

	l, err := tbl.Lock(t.Context(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Update(&counter{Key: "A", Count: 3}, l); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Delete("A", l); err != nil {
		t.Fatal(err)
	}
	if tbl = open(t, newStore(t, dir)); tbl.Count() != 0 {
		t.Fatalf("Count() = %d after delete", tbl.Count())
	}
}

func TestCorruptStorage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := counters.Encode(&buf, &counter{Key: "B"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "A.xml"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(t.Context(), "counters", newStore(t, dir), counters); !errors.Is(err, dberrors.ErrCorrupt) {
		t.Fatalf("New() = %v, want corrupt", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "A.xml"), []byte("<counter"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(t.Context(), "counters", newStore(t, dir), counters); !errors.Is(err, dberrors.ErrValidation) {
		t.Fatalf("New() = %v, want validation", err)
	}
}

func TestLockTokens(t *testing.T) {
	t.Parallel()
	tbl := open(t, newStore(t, t.TempDir()))
	l, err := tbl.Insert(WithHolder(t.Context(), "alice"), &counter{Key: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if h, ok := tbl.Holder("A"); !ok || h != "alice" {
		t.Fatalf("Holder(A) = %q, %v", h, ok)
	}
	if _, err := tbl.Insert(t.Context(), &counter{Key: "A"}); !errors.Is(err, dberrors.ErrConflict) {
		t.Fatalf("Insert(dup) = %v", err)
	}
	forged := *l
	tests := []struct {
		name string
		err  error
	}{
		{"update forged", tbl.Update(&counter{Key: "A", Count: 9}, &forged)},
		{"update nil", tbl.Update(&counter{Key: "A", Count: 9}, nil)},
		{"release forged", tbl.Release("A", &forged)},
		{"delete forged", tbl.Delete("A", &forged)},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, dberrors.ErrLock) {
			t.Errorf("%s: %v", tt.name, tt.err)
		}
	}
	if err := tbl.Update(&counter{Key: "missing"}, l); !errors.Is(err, dberrors.ErrNotFound) {
		t.Errorf("Update(missing) = %v", err)
	}
	if _, _, err := tbl.TryLock(t.Context(), "missing"); !errors.Is(err, dberrors.ErrNotFound) {
		t.Errorf("TryLock(missing) = %v", err)
	}
	if _, ok, err := tbl.TryLock(t.Context(), "A"); ok || err != nil {
		t.Fatalf("TryLock(locked) = %v, %v", ok, err)
	}
	if got, _ := tbl.Get("A"); got.Count != 0 {
		t.Fatalf("Count = %d, forged update applied", got.Count)
	}
	if err := tbl.Release("A", l); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Release("A", l); !errors.Is(err, dberrors.ErrLock) {
		t.Fatalf("double Release = %v", err)
	}
	l2, ok, err := tbl.TryLock(t.Context(), "A")
	if !ok || err != nil {
		t.Fatalf("TryLock(free) = %v, %v", ok, err)
	}
	if err := tbl.Update(&counter{Key: "A", Count: 1}, l); !errors.Is(err, dberrors.ErrLock) {
		t.Fatalf("Update(stale lock) = %v", err)
	}
	if err := tbl.Update(&counter{Key: "A", Count: 1}, l2); err != nil {
		t.Fatal(err)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	t.Parallel()
	tbl := open(t, newStore(t, t.TempDir()))
	insert(t, tbl, &counter{Key: "A"})

	start := make(chan struct{})
	results := make(chan *Lock, 2)
	var wg sync.WaitGroup
	for _, name := range []string{"alice", "bob"} {
		wg.Go(func() {
			<-start
			l, err := tbl.Lock(WithHolder(t.Context(), name), "A")
			if err != nil {
				t.Error(err)
				return
			}
			results <- l
		})
	}
	close(start)

	var first *Lock
	select {
	case first = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("no goroutine got the lock")
	}
	select {
	case l := <-results:
		t.Fatalf("%s got the lock while %s held it", l.Holder, first.Holder)
	case <-time.After(100 * time.Millisecond):
	}
	if err := tbl.Release("A", first); err != nil {
		t.Fatal(err)
	}
	select {
	case second := <-results:
		if second.Holder == first.Holder {
			t.Fatalf("same holder twice: %s", second.Holder)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken by release")
	}
	wg.Wait()
}

func TestLockExhausted(t *testing.T) {
	t.Parallel()
	tbl := open(t, newStore(t, t.TempDir()), WithLockWait(10*time.Millisecond, 2))
	if _, err := tbl.Insert(WithHolder(t.Context(), "alice"), &counter{Key: "A"}); err != nil {
		t.Fatal(err)
	}
	_, err := tbl.Lock(WithHolder(t.Context(), "bob"), "A")
	var e *dberrors.Error
	if !errors.As(err, &e) || e.Code() != dberrors.CodeLock {
		t.Fatalf("Lock() = %v", err)
	}
	if h := e.Detail("holder"); h != "alice" {
		t.Fatalf("holder = %v", h)
	}
	if _, err := tbl.Lock(t.Context(), "missing"); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("Lock(missing) = %v", err)
	}
}

func TestLockStopping(t *testing.T) {
	t.Parallel()
	tbl := open(t, newStore(t, t.TempDir()), WithLockWait(time.Minute, 5))
	if _, err := tbl.Insert(t.Context(), &counter{Key: "A"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := tbl.Lock(ctx, "A")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, dberrors.ErrStopping) {
			t.Fatalf("Lock() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Lock ignored cancellation")
	}
	// An already stopping caller fails without waiting.
	if _, err := tbl.Lock(ctx, "A"); !errors.Is(err, dberrors.ErrStopping) {
		t.Fatalf("Lock(cancelled) = %v", err)
	}
}

type failing struct {
	storage.Storage[*counter]
	fail bool
}

func (f *failing) Store(key string, v *counter) error {
	if f.fail {
		return dberrors.IO("disk full", errors.New("ENOSPC"))
	}
	return f.Storage.Store(key, v)
}

func (f *failing) Delete(key string) error {
	if f.fail {
		return dberrors.IO("disk full", errors.New("EIO"))
	}
	return f.Storage.Delete(key)
}

func TestStorageFirst(t *testing.T) {
	t.Parallel()
	s := &failing{Storage: newStore(t, t.TempDir())}
	tbl := open(t, s)
	var events []Event[*counter]
	sub := tbl.Subscribe(func(ev Event[*counter]) { events = append(events, ev) })
	defer sub.Close()

	l, err := tbl.Insert(t.Context(), &counter{Key: "A", Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	s.fail = true
	if _, err := tbl.Insert(t.Context(), &counter{Key: "B"}); !errors.Is(err, dberrors.ErrIO) {
		t.Fatalf("Insert() = %v", err)
	}
	if err := tbl.Update(&counter{Key: "A", Count: 2}, l); !errors.Is(err, dberrors.ErrIO) {
		t.Fatalf("Update() = %v", err)
	}
	if err := tbl.Delete("A", l); !errors.Is(err, dberrors.ErrIO) {
		t.Fatalf("Delete() = %v", err)
	}
	if tbl.Exists("B") {
		t.Error("B inserted in memory")
	}
	if got, _ := tbl.Get("A"); got.Count != 1 {
		t.Errorf("A.Count = %d", got.Count)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
	if h, ok := tbl.Holder("A"); !ok || h == "" {
		t.Error("lock lost after failed delete")
	}
}

func TestDefensiveCopies(t *testing.T) {
	t.Parallel()
	tbl := open(t, newStore(t, t.TempDir()))
	c := &counter{Key: "A", Count: 1}
	l, err := tbl.Insert(t.Context(), c)
	if err != nil {
		t.Fatal(err)
	}
	c.Count = 100
	got, _ := tbl.Get("A")
	got.Count = 200
	var seen []*counter
	sub := tbl.Subscribe(func(ev Event[*counter]) {
		ev.New.Count = 300
		seen = append(seen, ev.New)
	})
	defer sub.Close()
	sub2 := tbl.Subscribe(func(ev Event[*counter]) { seen = append(seen, ev.New) })
	defer sub2.Close()
	if err := tbl.Update(&counter{Key: "A", Count: 2}, l); err != nil {
		t.Fatal(err)
	}
	if got, _ := tbl.Get("A"); got.Count != 2 {
		t.Fatalf("Count = %d, want 2", got.Count)
	}
	if len(seen) != 2 || seen[1].Count != 2 || seen[0] == seen[1] {
		t.Fatalf("listeners share values: %+v", seen)
	}
}

func TestListeners(t *testing.T) {
	t.Parallel()
	tbl := open(t, newStore(t, t.TempDir()))
	var got []string
	sub := tbl.Subscribe(func(ev Event[*counter]) { got = append(got, ev.Op.String()+" "+ev.Key) })

	l, err := tbl.Insert(t.Context(), &counter{Key: "A"})
	if err != nil {
		t.Fatal(err)
	}
	// Without concurrent writers, delivery completes before Insert returns.
	if len(got) != 1 {
		t.Fatalf("events after Insert = %v", got)
	}
	// Listeners stay registered as long as the subscription is open.
	runtime.GC()
	if err := tbl.Update(&counter{Key: "A", Count: 1}, l); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Delete("A", l); err != nil {
		t.Fatal(err)
	}
	sub.Close()
	insert(t, tbl, &counter{Key: "B"})
	if want := []string{"insert A", "update A", "delete A"}; !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestListenerWrites(t *testing.T) {
	t.Parallel()
	tbl := open(t, newStore(t, t.TempDir()))
	var got []string
	var sub *Subscription
	sub = tbl.Subscribe(func(ev Event[*counter]) {
		got = append(got, ev.Op.String()+" "+ev.Key)
		if ev.Op == Insert && ev.Key == "A" {
			// Writing from a listener must not deadlock. Its event is delivered
			// once this listener returns.
			insert(t, tbl, &counter{Key: "A-copy", Count: ev.New.Count})
			if len(got) != 1 {
				t.Errorf("nested event delivered early: %v", got)
			}
		}
	})
	defer sub.Close()
	insert(t, tbl, &counter{Key: "A", Count: 5})
	if want := []string{"insert A", "insert A-copy"}; !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestSequence(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tbl := open(t, newStore(t, dir), WithSequence())
	for range 2 {
		insert(t, tbl, &counter{})
	}
	insert(t, tbl, &counter{Key: "7"})
	insert(t, tbl, &counter{Key: "name"})
	if want := []string{"0", "1", "7", "name"}; !slices.Equal(tbl.Keys(), want) {
		t.Fatalf("Keys() = %v, want %v", tbl.Keys(), want)
	}
	tbl = open(t, newStore(t, dir), WithSequence())
	if k := tbl.NextKey(); k != "8" {
		t.Fatalf("NextKey() = %q, want 8", k)
	}
	insert(t, tbl, &counter{})
	if got, ok := tbl.Get("8"); !ok || got.Key != "8" {
		t.Fatalf("Get(8) = %+v, %v", got, ok)
	}
	if _, err := open(t, newStore(t, t.TempDir())).Insert(t.Context(), &counter{}); !errors.Is(err, dberrors.ErrValidation) {
		t.Fatalf("Insert(empty key) without sequence = %v", err)
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()
	tbl := open(t, newStore(t, t.TempDir()))
	for i, k := range []string{"c", "a", "b"} {
		insert(t, tbl, &counter{Key: k, Count: i})
	}
	var keys []string
	for _, e := range tbl.Query(func(c *counter) bool { return c.Count > 0 }) {
		keys = append(keys, e.Key)
	}
	if want := []string{"a", "b"}; !slices.Equal(keys, want) {
		t.Fatalf("Query() = %v, want %v", keys, want)
	}
	if n := len(tbl.All()); n != 3 {
		t.Fatalf("All() = %d", n)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newStore(t, dir)
	tbl := open(t, s)
	insert(t, tbl, &counter{Key: "A", Count: 1})
	var got []string
	sub := tbl.Subscribe(func(ev Event[*counter]) { got = append(got, ev.Op.String()+" "+ev.Key) })
	defer sub.Close()

	// Another process edits the directory.
	other := newStore(t, dir)
	for _, c := range []*counter{{Key: "A", Count: 2}, {Key: "B"}} {
		if err := other.Store(c.Key, c); err != nil {
			t.Fatal(err)
		}
	}
	for _, k := range []string{"A", "B", "A", "missing"} {
		if err := tbl.Refresh(k); err != nil {
			t.Fatal(err)
		}
	}
	if c, _ := tbl.Get("A"); c.Count != 2 {
		t.Fatalf("A.Count = %d", c.Count)
	}
	if err := other.Delete("B"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Refresh("B"); err != nil {
		t.Fatal(err)
	}
	if want := []string{"update A", "insert B", "delete B"}; !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	l, err := tbl.Lock(t.Context(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Store("A", &counter{Key: "A", Count: 3}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Refresh("A"); err != nil {
		t.Fatal(err)
	}
	if c, _ := tbl.Get("A"); c.Count != 2 {
		t.Fatalf("locked record refreshed: Count = %d", c.Count)
	}
	if err := tbl.Release("A", l); err != nil {
		t.Fatal(err)
	}
}

func TestGitCommitFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	g, err := storage.OpenGit(newStore(t, dir), "", "")
	if err != nil {
		t.Fatal(err)
	}
	tbl := open(t, g)
	objects := filepath.Join(dir, ".git", "objects")
	if err := os.RemoveAll(objects); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(objects, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	insert(t, tbl, &counter{Key: "A", Count: 1})
	if c, ok := tbl.Get("A"); !ok || c.Count != 1 {
		t.Fatalf("Get(A) = %+v, %v", c, ok)
	}
	if _, err := os.Stat(filepath.Join(dir, "A.xml")); err != nil {
		t.Fatal(err)
	}
}
