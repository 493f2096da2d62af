package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/maruel/labdb/internal/config"
	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/tree"
)

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	return &env{dataDir: t.TempDir(), cfg: cfg, keyAttr: "id"}
}

func record(key string) *tree.Node {
	n := tree.New("sample")
	n.SetAttr("id", key)
	return n
}

func TestBackends(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"directory", nil},
		{"yaml", func(c *config.Config) { c.Format = "yaml" }},
		{"sqlite", func(c *config.Config) { c.Backend = config.BackendSQLite }},
		{"git", func(c *config.Config) { c.Git.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, tt.mutate)
			s, err := e.open("samples")
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = s.close() }()
			for _, k := range []string{"s1", "s2"} {
				if err := s.Store(k, record(k)); err != nil {
					t.Fatal(err)
				}
			}
			tbl, err := e.table(t.Context(), "samples", s)
			if err != nil {
				t.Fatal(err)
			}
			if n := tbl.Count(); n != 2 {
				t.Fatalf("Count() = %d", n)
			}
			if err := e.runCheck(t.Context(), []string{"samples"}); err != nil {
				t.Fatal(err)
			}
			if (s.git != nil) != e.cfg.Git.Enabled {
				t.Fatal("git decorator mismatch")
			}
		})
	}
}

func TestCheckDetectsMisnamedRecord(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	dir := filepath.Join(e.dataDir, "samples")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "s1.xml"), []byte(`<sample id="s2"/>`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.runCheck(t.Context(), []string{"samples"}); !errors.Is(err, dberrors.ErrCorrupt) {
		t.Fatalf("runCheck() = %v", err)
	}
}

func TestArgs(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	if err := e.runLs(t.Context(), nil); err == nil {
		t.Error("ls without table succeeded")
	}
	if err := e.runHistory(t.Context(), []string{"samples", "s1"}); err == nil {
		t.Error("history without git succeeded")
	}
	if _, err := e.open("../escape"); err == nil {
		t.Error("open accepted a path")
	}
	if err := runSchema([]string{"x"}); err == nil {
		t.Error("schema accepted arguments")
	}
}
