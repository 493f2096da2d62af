// Package atomicfile implements crash-safe replacement of a single logical
// file using a primary, an alternate and a temporary name.
//
// # Protocol
//
// For a logical path "X.ext" three physical names exist: the primary "X.ext",
// the alternate "X<alt>.ext" and the temporary "X<tmp>.ext". At rest at most
// one of primary and alternate exists. A write goes to the alternate when a
// previous version exists, or to the temporary name on first creation. A
// commit deletes the old primary and renames the written file over it, so a
// reader is always one rename away from either the complete old or the
// complete new content.
//
// Every operation first repairs the triad by case analysis:
//
//	primary  alternate  action
//	yes      yes        alternate is a partial write; delete it
//	no       yes        crash after deleting primary; promote alternate
//	no       no         file does not exist
//
// A temporary file found by [List] belongs to an interrupted first write and
// is deleted.
//
// A [File] is single-use and not safe for concurrent use; construct one per
// operation.
package atomicfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	dberrors "github.com/maruel/labdb/internal/errors"
)

const (
	// DefaultAltInfix is inserted before the extension to name the alternate file.
	DefaultAltInfix = ".alt"
	// DefaultTmpInfix is inserted before the extension to name the temporary file.
	DefaultTmpInfix = ".tmp"
	// DefaultRetryDelay is the pause before retrying a failed rename or delete.
	DefaultRetryDelay = 200 * time.Millisecond
)

// Options configures the physical naming and retry behavior.
//
// The zero value uses the defaults.
type Options struct {
	AltInfix   string
	TmpInfix   string
	RetryDelay time.Duration
}

func (o *Options) withDefaults() Options {
	var r Options
	if o != nil {
		r = *o
	}
	if r.AltInfix == "" {
		r.AltInfix = DefaultAltInfix
	}
	if r.TmpInfix == "" {
		r.TmpInfix = DefaultTmpInfix
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = DefaultRetryDelay
	}
	return r
}

// Validate checks that the infixes are usable and distinct.
func (o *Options) Validate() error {
	r := o.withDefaults()
	if r.AltInfix == r.TmpInfix {
		return errors.New("alternate and temporary infixes must differ")
	}
	for _, s := range []string{r.AltInfix, r.TmpInfix} {
		if strings.ContainsAny(s, `/\`) {
			return fmt.Errorf("infix %q must not contain a path separator", s)
		}
	}
	return nil
}

// File is one logical file.
type File struct {
	primary   string
	alternate string
	temp      string
	opts      Options

	r         *os.File
	w         *os.File
	target    string
	creating  bool
	committed bool

	sleep func(time.Duration)
}

// New returns the logical file at path.
func New(path string, opts *Options) *File {
	o := opts.withDefaults()
	dir, base := filepath.Split(path)
	return &File{
		primary:   path,
		alternate: filepath.Join(dir, infixed(base, o.AltInfix)),
		temp:      filepath.Join(dir, infixed(base, o.TmpInfix)),
		opts:      o,
		sleep:     time.Sleep,
	}
}

// infixed inserts infix before the extension of base.
func infixed(base, infix string) string {
	ext := filepath.Ext(base)
	if ext == "" || ext == base {
		return base + infix
	}
	return strings.TrimSuffix(base, ext) + infix + ext
}

// Path returns the primary path.
func (f *File) Path() string {
	return f.primary
}

// Names returns the primary, alternate and temporary paths.
func (f *File) Names() (primary, alternate, temp string) {
	return f.primary, f.alternate, f.temp
}

// Exists reports whether a committed version of the file exists.
func (f *File) Exists() bool {
	return exists(f.primary) || exists(f.alternate)
}

// Damaged reports whether the next operation will have to repair the triad.
func (f *File) Damaged() bool {
	return exists(f.alternate)
}

// Repair brings the triad to a steady state without reading it.
func (f *File) Repair() error {
	pe := exists(f.primary)
	ae := exists(f.alternate)
	switch {
	case pe && ae:
		slog.Warn("Discarding partial write", "path", f.alternate)
		if err := f.retry(func() error { return remove(f.alternate) }); err != nil {
			return dberrors.IO("failed to delete partial write", err)
		}
	case ae:
		slog.Warn("Promoting alternate file", "path", f.alternate)
		if err := f.retry(func() error { return os.Rename(f.alternate, f.primary) }); err != nil {
			return dberrors.IO("failed to promote alternate file", err)
		}
	}
	return nil
}

// BeginRead repairs the triad and opens the primary for reading.
//
// The returned reader is valid until [File.EndRead].
func (f *File) BeginRead() (io.Reader, error) {
	if f.r != nil || f.w != nil {
		return nil, errors.New("file is already open")
	}
	if err := f.Repair(); err != nil {
		return nil, err
	}
	r, err := os.Open(f.primary)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, dberrors.NotFound(f.primary).Wrap(err)
		}
		return nil, dberrors.IO("failed to open file", err)
	}
	f.r = r
	return r, nil
}

// EndRead closes the reader returned by [File.BeginRead].
func (f *File) EndRead() error {
	if f.r == nil {
		return nil
	}
	err := f.r.Close()
	f.r = nil
	return err
}

// BeginWrite repairs the triad and opens the write target.
//
// The target is the alternate name when a previous version exists and the
// temporary name otherwise. The data becomes visible only after
// [File.CommitWrite]. [File.EndWrite] must always be called.
func (f *File) BeginWrite() (io.Writer, error) {
	if f.r != nil || f.w != nil {
		return nil, errors.New("file is already open")
	}
	if err := f.Repair(); err != nil {
		return nil, err
	}
	f.creating = !exists(f.primary)
	f.target = f.alternate
	if f.creating {
		f.target = f.temp
	}
	if err := os.MkdirAll(filepath.Dir(f.primary), 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, dberrors.IO("failed to create directory", err)
	}
	w, err := os.OpenFile(f.target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:gosec // G302: data files are world readable
	if err != nil {
		return nil, dberrors.IO("failed to create file", err)
	}
	f.w = w
	f.committed = false
	return w, nil
}

// CommitWrite flushes the written data and replaces the primary with it.
//
// If backup is not empty the old primary is renamed to backup instead of
// being deleted; a failed rename falls back to deletion.
//
// When the file already existed, failures after the data is safely on disk
// are logged rather than returned: the next read promotes the alternate.
func (f *File) CommitWrite(backup string) error {
	if f.w == nil {
		return errors.New("file is not open for writing")
	}
	w := f.w
	f.w = nil
	if err := w.Sync(); err != nil {
		_ = w.Close()
		return dberrors.IO("failed to sync file", err)
	}
	if err := w.Close(); err != nil {
		return dberrors.IO("failed to close file", err)
	}

	if exists(f.primary) {
		if err := f.discardPrimary(backup); err != nil {
			if f.creating {
				return dberrors.IO("failed to delete previous file", err)
			}
			slog.Warn("Failed to delete previous file; alternate kept", "path", f.primary, "err", err)
		}
	}
	if err := f.retry(func() error { return os.Rename(f.target, f.primary) }); err != nil {
		if f.creating {
			return dberrors.IO("failed to rename file into place", err)
		}
		slog.Warn("Failed to rename alternate into place; will be promoted on next access", "path", f.target, "err", err)
	}
	f.committed = true
	return nil
}

func (f *File) discardPrimary(backup string) error {
	if backup != "" {
		err := f.retry(func() error {
			if err := remove(backup); err != nil {
				return err
			}
			return os.Rename(f.primary, backup)
		})
		if err == nil {
			return nil
		}
		slog.Warn("Failed to keep backup; deleting", "path", f.primary, "backup", backup, "err", err)
	}
	return f.retry(func() error { return remove(f.primary) })
}

// EndWrite releases the write target. If [File.CommitWrite] was not called
// or failed, the written data is discarded.
func (f *File) EndWrite() error {
	var err error
	if f.w != nil {
		err = f.w.Close()
		f.w = nil
	}
	if f.target != "" && !f.committed {
		err = errors.Join(err, remove(f.target))
	}
	f.target = ""
	return err
}

// Delete removes every physical name of the file.
//
// Returns a not found error if no committed version existed.
func (f *File) Delete() error {
	if !f.Exists() {
		_ = remove(f.temp)
		return dberrors.NotFound(f.primary)
	}
	var errs []error
	for _, p := range []string{f.primary, f.alternate, f.temp} {
		if err := f.retry(func() error { return remove(p) }); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return dberrors.IO("failed to delete file", err)
	}
	return nil
}

// retry runs op and, on failure, retries it once after the configured delay.
func (f *File) retry(op func() error) error {
	if err := op(); err == nil {
		return nil
	}
	f.sleep(f.opts.RetryDelay)
	return op()
}

// ReadFile returns the committed content of the logical file at path.
func ReadFile(path string, opts *Options) ([]byte, error) {
	f := New(path, opts)
	r, err := f.BeginRead()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	return data, errors.Join(err, f.EndRead())
}

// WriteFile atomically replaces the logical file at path with data.
func WriteFile(path string, data []byte, opts *Options) (err error) {
	f := New(path, opts)
	w, err := f.BeginWrite()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.EndWrite())
	}()
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return dberrors.IO("failed to write file", err)
	}
	return f.CommitWrite("")
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// remove deletes path; a missing file is not an error.
func remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
