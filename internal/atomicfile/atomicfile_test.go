package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	dberrors "github.com/maruel/labdb/internal/errors"
)

var testOpts = &Options{RetryDelay: time.Millisecond}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := ReadFile(path, testOpts)
	if err != nil {
		t.Fatalf("ReadFile(%s) failed: %v", path, err)
	}
	return string(data)
}

func TestNames(t *testing.T) {
	tests := []struct {
		path          string
		wantAlternate string
		wantTemp      string
	}{
		{"rec.xml", "rec.alt.xml", "rec.tmp.xml"},
		{"rec", "rec.alt", "rec.tmp"},
		{"a.b.xml", "a.b.alt.xml", "a.b.tmp.xml"},
		{".hidden", ".hidden.alt", ".hidden.tmp"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, alt, tmp := New(tt.path, nil).Names()
			if alt != tt.wantAlternate {
				t.Errorf("alternate = %q, want %q", alt, tt.wantAlternate)
			}
			if tmp != tt.wantTemp {
				t.Errorf("temp = %q, want %q", tmp, tt.wantTemp)
			}
		})
	}
}

func TestFile(t *testing.T) {
	t.Run("read missing", func(t *testing.T) {
		f := New(filepath.Join(t.TempDir(), "missing.xml"), testOpts)
		if _, err := f.BeginRead(); !errors.Is(err, dberrors.ErrNotFound) {
			t.Fatalf("BeginRead() error = %v, want not found", err)
		}
		if f.Exists() {
			t.Error("Exists() = true for missing file")
		}
	})

	t.Run("first write uses temp", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rec.xml")
		f := New(path, testOpts)
		_, alt, tmp := f.Names()
		w, err := f.BeginWrite()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, "v1"); err != nil {
			t.Fatal(err)
		}
		if !exists(tmp) || exists(alt) || exists(path) {
			t.Fatalf("during first write: tmp=%v alt=%v primary=%v", exists(tmp), exists(alt), exists(path))
		}
		if err := f.CommitWrite(""); err != nil {
			t.Fatal(err)
		}
		if err := f.EndWrite(); err != nil {
			t.Fatal(err)
		}
		if exists(tmp) || exists(alt) {
			t.Error("leftover physical files after commit")
		}
		if got := readString(t, path); got != "v1" {
			t.Errorf("content = %q, want v1", got)
		}
	})

	t.Run("update uses alternate", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rec.xml")
		if err := WriteFile(path, []byte("v1"), testOpts); err != nil {
			t.Fatal(err)
		}
		f := New(path, testOpts)
		_, alt, tmp := f.Names()
		w, err := f.BeginWrite()
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(w, "v2")
		if !exists(alt) || exists(tmp) {
			t.Fatalf("during update: alt=%v tmp=%v", exists(alt), exists(tmp))
		}
		if err := f.CommitWrite(""); err != nil {
			t.Fatal(err)
		}
		if err := f.EndWrite(); err != nil {
			t.Fatal(err)
		}
		if got := readString(t, path); got != "v2" {
			t.Errorf("content = %q, want v2", got)
		}
	})

	t.Run("abort keeps old content", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rec.xml")
		if err := WriteFile(path, []byte("v1"), testOpts); err != nil {
			t.Fatal(err)
		}
		f := New(path, testOpts)
		_, alt, _ := f.Names()
		w, err := f.BeginWrite()
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(w, "partial")
		if err := f.EndWrite(); err != nil {
			t.Fatal(err)
		}
		if exists(alt) {
			t.Error("alternate not removed on abort")
		}
		if got := readString(t, path); got != "v1" {
			t.Errorf("content = %q, want v1", got)
		}
	})

	t.Run("backup", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "rec.xml")
		backup := filepath.Join(dir, "rec.bak")
		if err := WriteFile(path, []byte("v1"), testOpts); err != nil {
			t.Fatal(err)
		}
		f := New(path, testOpts)
		w, err := f.BeginWrite()
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(w, "v2")
		if err := f.CommitWrite(backup); err != nil {
			t.Fatal(err)
		}
		_ = f.EndWrite()
		data, err := os.ReadFile(backup)
		if err != nil || string(data) != "v1" {
			t.Errorf("backup = %q, %v; want v1", data, err)
		}
		if got := readString(t, path); got != "v2" {
			t.Errorf("content = %q, want v2", got)
		}
	})

	t.Run("double open", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rec.xml")
		f := New(path, testOpts)
		if _, err := f.BeginWrite(); err != nil {
			t.Fatal(err)
		}
		defer func() { _ = f.EndWrite() }()
		if _, err := f.BeginRead(); err == nil {
			t.Error("BeginRead() while writing succeeded")
		}
	})

	t.Run("delete", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rec.xml")
		if err := WriteFile(path, []byte("v1"), testOpts); err != nil {
			t.Fatal(err)
		}
		f := New(path, testOpts)
		if err := f.Delete(); err != nil {
			t.Fatal(err)
		}
		if f.Exists() {
			t.Error("file still exists after Delete")
		}
		if err := New(path, testOpts).Delete(); !errors.Is(err, dberrors.ErrNotFound) {
			t.Errorf("second Delete() error = %v, want not found", err)
		}
	})
}

func TestCrashRecovery(t *testing.T) {
	t.Run("crash before delete of primary", func(t *testing.T) {
		// Target written, commit never started: both names exist.
		path := filepath.Join(t.TempDir(), "rec.xml")
		_, alt, _ := New(path, testOpts).Names()
		writeRaw(t, path, "old")
		writeRaw(t, alt, "new-but-maybe-partial")
		if got := readString(t, path); got != "old" {
			t.Errorf("content = %q, want old", got)
		}
		if exists(alt) {
			t.Error("alternate not deleted by repair")
		}
	})

	t.Run("crash between delete and rename", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rec.xml")
		_, alt, _ := New(path, testOpts).Names()
		writeRaw(t, alt, "new")
		if got := readString(t, path); got != "new" {
			t.Errorf("content = %q, want new", got)
		}
		if exists(alt) || !exists(path) {
			t.Error("alternate not promoted")
		}
	})

	t.Run("crash during first write", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "rec.xml")
		_, _, tmp := New(path, testOpts).Names()
		writeRaw(t, tmp, "half")
		if _, err := ReadFile(path, testOpts); !errors.Is(err, dberrors.ErrNotFound) {
			t.Errorf("ReadFile() error = %v, want not found", err)
		}
		names, err := List(dir, testOpts)
		if err != nil {
			t.Fatal(err)
		}
		if len(names) != 0 {
			t.Errorf("List() = %v, want empty", names)
		}
		if exists(tmp) {
			t.Error("orphaned temp file not deleted")
		}
	})

	t.Run("write repairs first", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rec.xml")
		_, alt, _ := New(path, testOpts).Names()
		writeRaw(t, alt, "promoted")
		f := New(path, testOpts)
		w, err := f.BeginWrite()
		if err != nil {
			t.Fatal(err)
		}
		// The promoted file counts as a previous version.
		if f.creating {
			t.Error("write after promotion treated as creation")
		}
		_, _ = io.WriteString(w, "next")
		if err := f.CommitWrite(""); err != nil {
			t.Fatal(err)
		}
		_ = f.EndWrite()
		if got := readString(t, path); got != "next" {
			t.Errorf("content = %q, want next", got)
		}
	})
}

// obstruct puts a non-empty directory at path so that it can be neither
// removed nor replaced by a rename.
func obstruct(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(path, "busy"), 0o755); err != nil {
		t.Fatal(err)
	}
}

// write writes content through f and commits it to backup.
func write(t *testing.T, f *File, content, backup string) error {
	t.Helper()
	w, err := f.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatal(err)
	}
	return f.CommitWrite(backup)
}

func TestCommitFailure(t *testing.T) {
	t.Run("update keeps the alternate", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rec.xml")
		obstruct(t, path)
		f := New(path, testOpts)
		retries := 0
		f.sleep = func(time.Duration) { retries++ }
		if err := write(t, f, "new", ""); err != nil {
			t.Fatalf("CommitWrite() = %v, want nil on update", err)
		}
		if err := f.EndWrite(); err != nil {
			t.Fatal(err)
		}
		// One retry for the delete of the old primary, one for the rename.
		if retries != 2 {
			t.Errorf("retries = %d, want 2", retries)
		}
		_, alt, _ := f.Names()
		if !exists(alt) {
			t.Fatal("alternate discarded")
		}
		if err := os.RemoveAll(path); err != nil {
			t.Fatal(err)
		}
		if got := readString(t, path); got != "new" {
			t.Errorf("content = %q, want new", got)
		}
	})

	t.Run("retry succeeds", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rec.xml")
		obstruct(t, path)
		f := New(path, testOpts)
		retries := 0
		f.sleep = func(time.Duration) {
			retries++
			if err := os.RemoveAll(path); err != nil {
				t.Error(err)
			}
		}
		if err := write(t, f, "new", ""); err != nil {
			t.Fatal(err)
		}
		if err := f.EndWrite(); err != nil {
			t.Fatal(err)
		}
		if retries != 1 {
			t.Errorf("retries = %d, want 1", retries)
		}
		if got := readString(t, path); got != "new" {
			t.Errorf("content = %q, want new", got)
		}
	})

	t.Run("creation fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rec.xml")
		f := New(path, testOpts)
		retries := 0
		f.sleep = func(time.Duration) { retries++ }
		w, err := f.BeginWrite()
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(w, "new")
		// Another writer creates the primary before the commit.
		obstruct(t, path)
		if err := f.CommitWrite(""); !errors.Is(err, dberrors.ErrIO) {
			t.Fatalf("CommitWrite() = %v, want IO error", err)
		}
		if retries != 1 {
			t.Errorf("retries = %d, want 1", retries)
		}
		if err := f.EndWrite(); err != nil {
			t.Fatal(err)
		}
		if _, _, tmp := f.Names(); exists(tmp) {
			t.Error("temporary file left behind")
		}
	})

	t.Run("backup falls back to delete", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "rec.xml")
		backup := filepath.Join(dir, "rec.bak")
		writeRaw(t, path, "old")
		obstruct(t, backup)
		f := New(path, testOpts)
		retries := 0
		f.sleep = func(time.Duration) { retries++ }
		if err := write(t, f, "new", backup); err != nil {
			t.Fatal(err)
		}
		if err := f.EndWrite(); err != nil {
			t.Fatal(err)
		}
		if retries != 1 {
			t.Errorf("retries = %d, want 1", retries)
		}
		if got := readString(t, path); got != "new" {
			t.Errorf("content = %q, want new", got)
		}
		if _, err := os.Stat(filepath.Join(backup, "busy")); err != nil {
			t.Errorf("backup obstruction touched: %v", err)
		}
	})
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, filepath.Join(dir, "a.xml"), "a")
	writeRaw(t, filepath.Join(dir, "b.alt.xml"), "b")
	writeRaw(t, filepath.Join(dir, "c.xml"), "c")
	writeRaw(t, filepath.Join(dir, "c.alt.xml"), "c2")
	writeRaw(t, filepath.Join(dir, "d.tmp.xml"), "d")
	writeRaw(t, filepath.Join(dir, "plain"), "p")
	writeRaw(t, filepath.Join(dir, ".hidden"), "h")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	names, err := List(dir, testOpts)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.xml", "b.xml", "c.xml", "plain"}
	if !slices.Equal(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}
	if exists(filepath.Join(dir, "d.tmp.xml")) {
		t.Error("temp file not deleted")
	}

	t.Run("missing dir", func(t *testing.T) {
		names, err := List(filepath.Join(dir, "nope"), testOpts)
		if err != nil || len(names) != 0 {
			t.Errorf("List(missing) = %v, %v", names, err)
		}
	})

	t.Run("Logical", func(t *testing.T) {
		tests := []struct {
			name        string
			wantLogical string
			wantPrimary bool
		}{
			{"a.xml", "a.xml", true},
			{"a.alt.xml", "a.xml", false},
			{"a.tmp.xml", "a.xml", false},
			{"a.tmp", "a", false},
		}
		for _, tt := range tests {
			l, p := Logical(tt.name, testOpts)
			if l != tt.wantLogical || p != tt.wantPrimary {
				t.Errorf("Logical(%q) = %q, %v; want %q, %v", tt.name, l, p, tt.wantLogical, tt.wantPrimary)
			}
		}
	})
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", Options{}, false},
		{"same infix", Options{AltInfix: ".x", TmpInfix: ".x"}, true},
		{"separator", Options{AltInfix: "/x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.opts.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
