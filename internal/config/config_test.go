package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/tree"
)

func TestLoadCreatesDefault(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "data")
	c, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if c.LockWait != time.Second || c.LockAttempts != 5 || c.RecordFormat() != tree.XML {
		t.Fatalf("defaults = %+v", c)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Fatal(err)
	}
	again, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if *again != *c {
		t.Fatalf("reloaded %+v, want %+v", again, c)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		check   func(*testing.T, *Config)
		wantErr bool
	}{
		{
			name:    "partial",
			content: "format: yaml\nlock_wait: 250ms\nwatch:\n  enabled: true\n  refresh_per_second: 4\n",
			check: func(t *testing.T, c *Config) {
				if c.RecordFormat() != tree.YAML || c.LockWait != 250*time.Millisecond || c.LoadWorkers != 8 {
					t.Errorf("got %+v", c)
				}
				if c.RefreshLimit() != rate.Limit(4) {
					t.Errorf("RefreshLimit() = %v", c.RefreshLimit())
				}
			},
		},
		{
			name:    "git",
			content: "git:\n  enabled: true\n  author_name: lab\n",
			check: func(t *testing.T, c *Config) {
				if !c.Git.Enabled || c.Git.AuthorName != "lab" || c.RefreshLimit() != rate.Inf {
					t.Errorf("got %+v", c)
				}
			},
		},
		{name: "bad format", content: "format: json\n", wantErr: true},
		{name: "bad backend", content: "backend: s3\n", wantErr: true},
		{name: "same infixes", content: "alt_infix: .x\ntmp_infix: .x\n", wantErr: true},
		{name: "git on sqlite", content: "backend: sqlite\ngit:\n  enabled: true\n", wantErr: true},
		{name: "negative rate", content: "watch:\n  refresh_per_second: -1\n", wantErr: true},
		{name: "malformed", content: "lock_wait: [\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			c, err := Load(dir)
			if tt.wantErr {
				if !errors.Is(err, dberrors.ErrValidation) {
					t.Fatalf("Load() = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, c)
		})
	}
}

func TestSave(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	c := Default()
	c.Backend = BackendSQLite
	c.RetryDelay = 50 * time.Millisecond
	if err := c.Save(dir); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "retry_delay: 50ms") {
		t.Errorf("saved:\n%s", data)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *c {
		t.Fatalf("Load() = %+v, want %+v", got, c)
	}
	if n := len(c.TableOptions()); n != 2 {
		t.Errorf("TableOptions() = %d options", n)
	}
}

func TestJSONSchema(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(JSONSchema())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"lock_attempts"`, `"refresh_per_second"`, `"enum":["xml","yaml"]`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("schema lacks %s:\n%s", want, b)
		}
	}
}
