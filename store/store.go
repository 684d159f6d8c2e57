// Package store is the data access layer for crashcache: one SQLite
// database holding the raw archives, the processing queue, projects,
// dictionary tables and the digested reports.
//
// Every query method runs against the Store's current handle, which is
// either the database itself or an open transaction; Tx derives a
// transactional view so multi-step units (ingest, digest) commit or roll
// back as a whole.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/crashcache/dbopen"
)

var (
	// ErrProjectNotFound is returned when an operation names a project
	// id with no row.
	ErrProjectNotFound = errors.New("store: project not found")

	// ErrArchiveNotFound is returned when an archive hash has no row.
	ErrArchiveNotFound = errors.New("store: archive not found")

	// ErrDuplicateEvent is returned by InsertReport when the event_id
	// has already been digested.
	ErrDuplicateEvent = errors.New("store: duplicate event id")
)

// DBTX is the query surface shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the crashcache database.
type Store struct {
	q  DBTX
	db *sql.DB
}

// Open opens (or creates) the database at path, applies the schema and
// sets the connection pool size.
func Open(path string, poolSize int) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
	}
	return &Store{q: db, db: db}, nil
}

// New wraps an already-opened database. The schema must be applied.
func New(db *sql.DB) *Store {
	return &Store{q: db, db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx runs fn against a transactional view of the store. The transaction
// commits when fn returns nil and rolls back otherwise; a write that hits
// SQLITE_BUSY is retried as a whole, so fn must be safe to re-run. Nested
// calls are not supported.
func (s *Store) Tx(ctx context.Context, fn func(*Store) error) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&Store{q: tx, db: s.db})
	})
}
