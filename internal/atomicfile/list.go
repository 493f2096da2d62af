package atomicfile

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	dberrors "github.com/maruel/labdb/internal/errors"
)

// kind classifies a physical file name.
type kind int

const (
	kindPrimary kind = iota
	kindAlternate
	kindTemp
)

// classify maps a physical file name to its logical name.
func (o *Options) classify(name string) (string, kind) {
	ext := filepath.Ext(name)
	if ext != "" && ext != name {
		stem := strings.TrimSuffix(name, ext)
		if s, ok := strings.CutSuffix(stem, o.AltInfix); ok && s != "" {
			return s + ext, kindAlternate
		}
		if s, ok := strings.CutSuffix(stem, o.TmpInfix); ok && s != "" {
			return s + ext, kindTemp
		}
	}
	if s, ok := strings.CutSuffix(name, o.AltInfix); ok && s != "" {
		return s, kindAlternate
	}
	if s, ok := strings.CutSuffix(name, o.TmpInfix); ok && s != "" {
		return s, kindTemp
	}
	return name, kindPrimary
}

// Logical returns the logical file name for a physical name in a directory,
// and whether the physical name is the primary one.
func Logical(name string, opts *Options) (string, bool) {
	o := opts.withDefaults()
	l, k := o.classify(name)
	return l, k == kindPrimary
}

// List returns the sorted logical file names in dir.
//
// Alternate names are folded into their logical name. Temporary files are
// leftovers of an interrupted first write and are deleted. Hidden files and
// subdirectories are ignored. A missing directory yields an empty list.
func List(dir string, opts *Options) ([]string, error) {
	o := opts.withDefaults()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, dberrors.IO("failed to read directory", err)
	}
	seen := make(map[string]struct{}, len(entries))
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		logical, k := o.classify(name)
		if k == kindTemp {
			p := filepath.Join(dir, name)
			slog.Warn("Deleting orphaned temporary file", "path", p)
			if err := remove(p); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		seen[logical] = struct{}{}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, dberrors.IO("failed to delete orphaned temporary file", err)
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}
