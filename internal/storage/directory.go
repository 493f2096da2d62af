package storage

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maruel/labdb/internal/atomicfile"
	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/metrics"
)

// DirectoryOptions configures a [Directory].
type DirectoryOptions struct {
	// Suffix is appended to keys to name files, e.g. ".xml".
	Suffix string
	// Files configures the file triads.
	Files *atomicfile.Options
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Directory stores each record in its own file in a directory.
type Directory[T any] struct {
	dir     string
	suffix  string
	codec   Codec[T]
	files   *atomicfile.Options
	metrics *metrics.Metrics
}

// NewDirectory returns a Directory rooted at dir, creating it if needed.
func NewDirectory[T any](dir string, codec Codec[T], opts *DirectoryOptions) (*Directory[T], error) {
	var o DirectoryOptions
	if opts != nil {
		o = *opts
	}
	if err := o.Files.Validate(); err != nil {
		return nil, dberrors.Validation("invalid file options").Wrap(err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, dberrors.IO("failed to create directory", err)
	}
	return &Directory[T]{dir: dir, suffix: o.Suffix, codec: codec, files: o.Files, metrics: o.Metrics}, nil
}

// Dir returns the directory.
func (d *Directory[T]) Dir() string { return d.dir }

// Path returns the primary file name of key.
func (d *Directory[T]) Path(key string) string {
	return filepath.Join(d.dir, key+d.suffix)
}

func (d *Directory[T]) validate(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if l, primary := atomicfile.Logical(key+d.suffix, d.files); !primary || l != key+d.suffix {
		return dberrors.Validation("key %q collides with a reserved file name", key)
	}
	return nil
}

// Key maps a file name in the directory, including alternate and temporary
// names, to its key.
func (d *Directory[T]) Key(name string) (string, bool) {
	l, _ := atomicfile.Logical(filepath.Base(name), d.files)
	key, ok := strings.CutSuffix(l, d.suffix)
	if !ok || d.validate(key) != nil {
		return "", false
	}
	return key, true
}

// List returns the sorted keys. Orphaned temporary files are deleted.
func (d *Directory[T]) List() (keys []string, err error) {
	start := time.Now()
	defer func() { d.metrics.StorageOp("directory", "list", start, err) }()
	names, err := atomicfile.List(d.dir, d.files)
	if err != nil {
		return nil, err
	}
	keys = make([]string, 0, len(names))
	for _, n := range names {
		if k, ok := strings.CutSuffix(n, d.suffix); ok && d.validate(k) == nil {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Load decodes the record of key.
func (d *Directory[T]) Load(key string) (v T, err error) {
	start := time.Now()
	defer func() { d.metrics.StorageOp("directory", "load", start, err) }()
	if err := d.validate(key); err != nil {
		return v, err
	}
	f := atomicfile.New(d.Path(key), d.files)
	r, err := f.BeginRead()
	if err != nil {
		return v, err
	}
	defer func() { _ = f.EndRead() }()
	v, err = d.codec.Decode(bufio.NewReader(r))
	if err != nil {
		return v, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// Store atomically replaces the record of key.
func (d *Directory[T]) Store(key string, v T) (err error) {
	start := time.Now()
	defer func() { d.metrics.StorageOp("directory", "store", start, err) }()
	if err := d.validate(key); err != nil {
		return err
	}
	f := atomicfile.New(d.Path(key), d.files)
	w, err := f.BeginWrite()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, f.EndWrite()) }()
	bw := bufio.NewWriter(w)
	if err := d.codec.Encode(bw, v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := bw.Flush(); err != nil {
		return dberrors.IO("failed to write "+key, err)
	}
	return f.CommitWrite("")
}

// Delete removes the record of key.
func (d *Directory[T]) Delete(key string) (err error) {
	start := time.Now()
	defer func() { d.metrics.StorageOp("directory", "delete", start, err) }()
	if err := d.validate(key); err != nil {
		return err
	}
	return atomicfile.New(d.Path(key), d.files).Delete()
}

// Check repairs damaged file triads and returns the affected keys.
func (d *Directory[T]) Check() ([]string, error) {
	keys, err := d.List()
	if err != nil {
		return nil, err
	}
	var repaired []string
	var errs []error
	for _, k := range keys {
		f := atomicfile.New(d.Path(k), d.files)
		if !f.Damaged() {
			continue
		}
		if err := f.Repair(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		slog.Info("Repaired record", "dir", d.dir, "key", k)
		d.metrics.Repaired()
		repaired = append(repaired, k)
	}
	return repaired, errors.Join(errs...)
}
