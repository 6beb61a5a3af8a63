// Package sqlite provides the embedded SQLite dialect for the relational colony store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"mousecolony/internal/infra/persistence/sqlstore"
	"mousecolony/pkg/domain"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "mousecolony.db"

//go:embed schema.sql
var schema string

// timeLayout is fixed width so stored timestamps order correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Dialect implements sqlstore.Dialect for modernc.org/sqlite.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "sqlite" }

// Schema implements sqlstore.Dialect.
func (Dialect) Schema() string { return schema }

// Rebind implements sqlstore.Dialect; SQLite understands '?' natively.
func (Dialect) Rebind(query string) string { return query }

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// LockSuffix implements sqlstore.Dialect. The single connection already
// serializes writers, so no row locks are needed.
func (Dialect) LockSuffix() string { return "" }

// TimeValue implements sqlstore.Dialect.
func (Dialect) TimeValue(t time.Time) any { return t.UTC().Format(timeLayout) }

// Store is a SQLite-backed colony store.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (creating if needed) the SQLite database at path and applies the schema.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer and transactions must not
	// compete for the file lock.
	db.SetMaxOpenConns(1)
	store, err := sqlstore.New(context.Background(), db, Dialect{}, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func dsn(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
