// Package storage persists records by key.
//
// [Directory] keeps one crash-safe file per key, [SQLite] one row per key,
// and [Git] records every change of a Directory in a git repository.
package storage

import (
	"io"
	"strings"

	dberrors "github.com/maruel/labdb/internal/errors"
)

// Storage is a key to record persistence.
//
// Load returns a not found error for unknown keys and a validation error for
// records that cannot be decoded.
type Storage[T any] interface {
	List() ([]string, error)
	Load(key string) (T, error)
	Store(key string, v T) error
	Delete(key string) error
}

// Codec serializes one record.
type Codec[T any] interface {
	Decode(r io.Reader) (T, error)
	Encode(w io.Writer, v T) error
}

// ValidateKey rejects keys that cannot name a file.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return dberrors.Validation("key is required")
	case strings.HasPrefix(key, "."):
		return dberrors.Validation("key %q must not start with a dot", key)
	case strings.ContainsAny(key, "/\\\x00"):
		return dberrors.Validation("key %q must not contain a path separator", key)
	}
	return nil
}
