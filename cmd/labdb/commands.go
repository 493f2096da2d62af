package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/maruel/labdb/internal/config"
	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/metrics"
	"github.com/maruel/labdb/internal/storage"
	"github.com/maruel/labdb/internal/table"
	"github.com/maruel/labdb/internal/tree"
)

// nodeAdapter handles records as raw trees keyed by one attribute.
type nodeAdapter struct {
	attr   string
	format tree.Format
}

func (a nodeAdapter) Key(n *tree.Node) string {
	k, _ := n.Attr(a.attr)
	return k
}

func (a nodeAdapter) SetKey(n *tree.Node, key string) bool {
	n.SetAttr(a.attr, key)
	return true
}

func (a nodeAdapter) Clone(n *tree.Node) *tree.Node { return n.Clone() }

func (a nodeAdapter) Equal(x, y *tree.Node) bool { return x.Equal(y) }

func (a nodeAdapter) Decode(r io.Reader) (*tree.Node, error) {
	n, err := a.format.Decode(r)
	if err != nil {
		return nil, dberrors.Validation("cannot parse record").Wrap(err)
	}
	return n, nil
}

func (a nodeAdapter) Encode(w io.Writer, n *tree.Node) error {
	return a.format.Encode(w, n)
}

type env struct {
	dataDir string
	cfg     *config.Config
	keyAttr string
	metrics *metrics.Metrics
}

type store struct {
	storage.Storage[*tree.Node]
	dir   *storage.Directory[*tree.Node]
	git   *storage.Git[*tree.Node]
	close func() error
}

func (e *env) adapter() nodeAdapter {
	return nodeAdapter{attr: e.keyAttr, format: e.cfg.RecordFormat()}
}

func (e *env) open(name string) (*store, error) {
	if err := storage.ValidateKey(name); err != nil {
		return nil, fmt.Errorf("invalid table name: %w", err)
	}
	a := e.adapter()
	if e.cfg.Backend == config.BackendSQLite {
		s, err := storage.OpenSQLite[*tree.Node](filepath.Join(e.dataDir, "labdb.sqlite"), name, a, e.metrics)
		if err != nil {
			return nil, err
		}
		return &store{Storage: s, close: s.Close}, nil
	}
	d, err := storage.NewDirectory[*tree.Node](filepath.Join(e.dataDir, name), a, &storage.DirectoryOptions{
		Suffix:  a.format.Ext(),
		Files:   e.cfg.Files(),
		Metrics: e.metrics,
	})
	if err != nil {
		return nil, err
	}
	s := &store{Storage: d, dir: d, close: func() error { return nil }}
	if e.cfg.Git.Enabled {
		g, err := storage.OpenGit(d, e.cfg.Git.AuthorName, e.cfg.Git.AuthorEmail)
		if err != nil {
			return nil, err
		}
		s.Storage = g
		s.git = g
	}
	return s, nil
}

func (e *env) table(ctx context.Context, name string, s *store) (*table.Table[*tree.Node], error) {
	opts := append(e.cfg.TableOptions(), table.WithMetrics(e.metrics))
	return table.New(ctx, name, s.Storage, table.Adapter[*tree.Node](e.adapter()), opts...)
}

func oneTable(args []string, extra ...string) error {
	if len(args) != 1+len(extra) {
		want := "<table>"
		for _, x := range extra {
			want += " <" + x + ">"
		}
		return fmt.Errorf("expected %s", want)
	}
	return nil
}

func (e *env) runLs(ctx context.Context, args []string) error {
	if err := oneTable(args); err != nil {
		return err
	}
	s, err := e.open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()
	tbl, err := e.table(ctx, args[0], s)
	if err != nil {
		return err
	}
	for _, k := range tbl.Keys() {
		fmt.Println(k)
	}
	return nil
}

func (e *env) runCat(args []string) error {
	if err := oneTable(args, "key"); err != nil {
		return err
	}
	s, err := e.open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()
	n, err := s.Load(args[1])
	if err != nil {
		return err
	}
	return e.cfg.RecordFormat().Encode(os.Stdout, n)
}

func (e *env) runCheck(ctx context.Context, args []string) error {
	if err := oneTable(args); err != nil {
		return err
	}
	s, err := e.open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()
	if s.dir != nil {
		repaired, err := s.dir.Check()
		for _, k := range repaired {
			fmt.Printf("repaired %s\n", k)
		}
		if err != nil {
			return err
		}
	}
	tbl, err := e.table(ctx, args[0], s)
	if err != nil {
		return err
	}
	fmt.Printf("%d records ok\n", tbl.Count())
	return nil
}

func (e *env) gitStore(args []string, extra ...string) (*store, error) {
	if err := oneTable(args, extra...); err != nil {
		return nil, err
	}
	if !e.cfg.Git.Enabled {
		return nil, errors.New("git is not enabled in " + config.FileName)
	}
	return e.open(args[0])
}

func (e *env) runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	n := fs.Int("n", 20, "Maximum number of commits; 0 lists all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := e.gitStore(fs.Args(), "key")
	if err != nil {
		return err
	}
	revs, err := s.git.History(ctx, fs.Arg(1), *n)
	if err != nil {
		return err
	}
	for _, r := range revs {
		fmt.Printf("%s %s %-12s %s\n", r.Hash[:12], r.When.Format("2006-01-02 15:04"), r.Author, r.Message)
	}
	return nil
}

func (e *env) runShow(ctx context.Context, args []string) error {
	s, err := e.gitStore(args, "key", "commit")
	if err != nil {
		return err
	}
	n, err := s.git.LoadAt(ctx, args[1], args[2])
	if err != nil {
		return err
	}
	return e.cfg.RecordFormat().Encode(os.Stdout, n)
}

func (e *env) runWatch(ctx context.Context, args []string) error {
	if err := oneTable(args); err != nil {
		return err
	}
	s, err := e.open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()
	if s.dir == nil {
		return errors.New("watch requires the directory backend")
	}
	tbl, err := e.table(ctx, args[0], s)
	if err != nil {
		return err
	}
	sub := tbl.Subscribe(func(ev table.Event[*tree.Node]) {
		fmt.Printf("%s %s\n", ev.Op, ev.Key)
	})
	defer sub.Close()
	slog.InfoContext(ctx, "Watching", "table", args[0], "records", tbl.Count())
	return s.dir.Watch(ctx, &storage.WatchOptions{Limit: e.cfg.RefreshLimit(), Metrics: e.metrics}, func(key string) {
		if err := tbl.Refresh(key); err != nil {
			slog.WarnContext(ctx, "Failed to refresh record", "table", args[0], "key", key, "err", err)
		}
	})
}

func runSchema(args []string) error {
	if len(args) != 0 {
		return errors.New("schema takes no arguments")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(config.JSONSchema())
}
