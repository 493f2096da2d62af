package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"

	dberrors "github.com/maruel/labdb/internal/errors"
)

// Default commit identity.
const (
	DefaultGitName  = "labdb"
	DefaultGitEmail = "labdb@localhost"
)

// Revision is one commit touching a record.
type Revision struct {
	Hash    string
	Message string
	Author  string
	Email   string
	When    time.Time
}

// Git records every change of a [Directory] as a commit in a git repository
// rooted at the directory.
type Git[T any] struct {
	*Directory[T]
	name  string
	email string
	repo  *gogit.Repository

	mu      sync.Mutex
	pending map[string]struct{}
}

// OpenGit opens or initializes the repository in d's directory. Records
// already present but not yet tracked are committed at once.
func OpenGit[T any](d *Directory[T], name, email string) (*Git[T], error) {
	if name == "" {
		name = DefaultGitName
	}
	if email == "" {
		email = DefaultGitEmail
	}
	repo, err := gogit.PlainOpen(d.Dir())
	if err != nil {
		repo, err = gogit.PlainInit(d.Dir(), false)
		if err != nil {
			return nil, dberrors.IO("failed to initialize git repo", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, dberrors.IO("failed to read git config", err)
		}
		cfg.User.Name = name
		cfg.User.Email = email
		if err := repo.SetConfig(cfg); err != nil {
			return nil, dberrors.IO("failed to write git config", err)
		}
	}
	g := &Git[T]{Directory: d, name: name, email: email, repo: repo}
	keys, err := d.List()
	if err != nil {
		return nil, err
	}
	files := make([]string, len(keys))
	for i, k := range keys {
		files[i] = k + d.suffix
	}
	if err := g.commit(fmt.Sprintf("import %d records", len(keys)), files); err != nil {
		return nil, err
	}
	return g, nil
}

// Store stores the record and commits it.
//
// A failed commit does not fail Store since the record itself is stored; the
// change is logged and included in the next successful commit.
func (g *Git[T]) Store(key string, v T) error {
	if err := g.Directory.Store(key, v); err != nil {
		return err
	}
	g.commitLater("store "+key, key+g.suffix)
	return nil
}

// Delete deletes the record and commits the removal. Commit failures are
// handled as in [Git.Store].
func (g *Git[T]) Delete(key string) error {
	if err := g.Directory.Delete(key); err != nil {
		return err
	}
	g.commitLater("delete "+key, key+g.suffix)
	return nil
}

// pendingFiles returns the files changed since the last successful commit.
func (g *Git[T]) pendingFiles() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Sorted(maps.Keys(g.pending))
}

func (g *Git[T]) commitLater(msg, file string) {
	start := time.Now()
	err := g.commit(msg, []string{file})
	g.metrics.StorageOp("git", "commit", start, err)
	if err != nil {
		slog.Warn("Failed to commit record; retrying with the next change", "dir", g.dir, "file", file, "err", err)
	}
}

// commit stages files, along with those left over by failed commits, and
// commits them. A file present on disk is added, a missing one removed.
func (g *Git[T]) commit(msg string, files []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		g.pending = map[string]struct{}{}
	}
	for _, f := range files {
		g.pending[f] = struct{}{}
	}
	w, err := g.repo.Worktree()
	if err != nil {
		return dberrors.IO("failed to get worktree", err)
	}
	all := slices.Sorted(maps.Keys(g.pending))
	for _, f := range all {
		if _, err := os.Stat(filepath.Join(g.dir, f)); err == nil {
			if _, err := w.Add(f); err != nil {
				return dberrors.IO("failed to stage "+f, err)
			}
		} else if _, err := w.Remove(f); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
			return dberrors.IO("failed to stage removal of "+f, err)
		}
	}
	status, err := w.Status()
	if err != nil {
		return dberrors.IO("failed to get worktree status", err)
	}
	if staged(status, all) {
		sig := &object.Signature{Name: g.name, Email: g.email, When: time.Now()}
		if _, err := w.Commit(msg, &gogit.CommitOptions{Author: sig, Committer: sig}); err != nil {
			return dberrors.IO("failed to commit", err)
		}
	}
	clear(g.pending)
	return nil
}

func staged(status gogit.Status, files []string) bool {
	for _, f := range files {
		if s, ok := status[f]; ok && s.Staging != gogit.Unmodified && s.Staging != gogit.Untracked {
			return true
		}
	}
	return false
}

// History returns up to n revisions of key, most recent first. n <= 0 means
// no limit.
func (g *Git[T]) History(ctx context.Context, key string, n int) ([]Revision, error) {
	if err := g.validate(key); err != nil {
		return nil, err
	}
	name := key + g.suffix
	g.mu.Lock()
	defer g.mu.Unlock()
	iter, err := g.repo.Log(&gogit.LogOptions{FileName: &name})
	if err != nil {
		// No commits yet.
		return nil, nil
	}
	defer iter.Close()
	var revs []Revision
	for n <= 0 || len(revs) < n {
		if err := ctx.Err(); err != nil {
			return revs, dberrors.Stopping(err)
		}
		c, err := iter.Next()
		if err != nil {
			break
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		revs = append(revs, Revision{
			Hash:    c.Hash.String(),
			Message: subject,
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			When:    c.Author.When,
		})
	}
	return revs, nil
}

// LoadAt decodes the record of key as of the commit hash.
func (g *Git[T]) LoadAt(_ context.Context, key, hash string) (v T, err error) {
	if err := g.validate(key); err != nil {
		return v, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return v, dberrors.NotFound("commit " + hash).Wrap(err)
	}
	f, err := c.File(key + g.suffix)
	if err != nil {
		return v, dberrors.NotFound(key + " at " + hash).Wrap(err)
	}
	r, err := f.Reader()
	if err != nil {
		return v, dberrors.IO("failed to open "+key, err)
	}
	defer func() { _ = r.Close() }()
	v, err = g.codec.Decode(bufio.NewReader(r))
	if err != nil {
		return v, fmt.Errorf("%s@%s: %w", key, hash, err)
	}
	return v, nil
}
