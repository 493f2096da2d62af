package storage

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	dberrors "github.com/maruel/labdb/internal/errors"
	"github.com/maruel/labdb/internal/metrics"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLite stores records as rows of a single-file database.
//
// All tables of a process may share one database file: each SQLite uses its
// own SQL table.
type SQLite[T any] struct {
	db      *sql.DB
	table   string
	codec   Codec[T]
	metrics *metrics.Metrics
}

// OpenSQLite opens or creates the database at path and the SQL table named
// table within it.
func OpenSQLite[T any](path, table string, codec Codec[T], m *metrics.Metrics) (*SQLite[T], error) {
	if !isIdent(table) {
		return nil, dberrors.Validation("invalid table name %q", table)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, dberrors.IO("failed to create directory", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, dberrors.IO("failed to open sqlite", err)
	}
	// A single connection serializes writers; the driver otherwise returns
	// SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`, table)
	if _, err := db.Exec(q); err != nil {
		_ = db.Close()
		return nil, dberrors.IO("failed to create table", err)
	}
	return &SQLite[T]{db: db, table: table, codec: codec, metrics: m}, nil
}

// Close closes the database.
func (s *SQLite[T]) Close() error {
	return s.db.Close()
}

// List returns the sorted keys.
func (s *SQLite[T]) List() (keys []string, err error) {
	start := time.Now()
	defer func() { s.metrics.StorageOp("sqlite", "list", start, err) }()
	rows, err := s.db.Query(fmt.Sprintf(`SELECT key FROM %q ORDER BY key`, s.table))
	if err != nil {
		return nil, dberrors.IO("failed to list keys", err)
	}
	defer func() { _ = rows.Close() }()
	keys = []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, dberrors.IO("failed to scan key", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, dberrors.IO("failed to list keys", err)
	}
	return keys, nil
}

// Load decodes the record of key.
func (s *SQLite[T]) Load(key string) (v T, err error) {
	start := time.Now()
	defer func() { s.metrics.StorageOp("sqlite", "load", start, err) }()
	if err := ValidateKey(key); err != nil {
		return v, err
	}
	var data []byte
	err = s.db.QueryRow(fmt.Sprintf(`SELECT data FROM %q WHERE key = ?`, s.table), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return v, dberrors.NotFound(key).Wrap(err)
	}
	if err != nil {
		return v, dberrors.IO("failed to load "+key, err)
	}
	v, err = s.codec.Decode(bytes.NewReader(data))
	if err != nil {
		return v, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// Store replaces the record of key.
func (s *SQLite[T]) Store(key string, v T) (err error) {
	start := time.Now()
	defer func() { s.metrics.StorageOp("sqlite", "store", start, err) }()
	if err := ValidateKey(key); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := s.codec.Encode(&buf, v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	q := fmt.Sprintf(`INSERT INTO %q(key, data) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET data=excluded.data`, s.table)
	if _, err := s.db.Exec(q, key, buf.Bytes()); err != nil {
		return dberrors.IO("failed to store "+key, err)
	}
	return nil
}

// Delete removes the record of key.
func (s *SQLite[T]) Delete(key string) (err error) {
	start := time.Now()
	defer func() { s.metrics.StorageOp("sqlite", "delete", start, err) }()
	if err := ValidateKey(key); err != nil {
		return err
	}
	res, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, s.table), key)
	if err != nil {
		return dberrors.IO("failed to delete "+key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return dberrors.NotFound(key)
	}
	return nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
