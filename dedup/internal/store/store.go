// Package store provides the data access layer for the global research cache.
//
// One Store wraps the shared SQLite database holding the run ledger, the
// artifact identity store, the mention log and its rollups, and the write
// pipeline bookkeeping. Every mutation is a single atomic statement (or one
// short transaction for the mention fold), which is the only concurrency
// control the shared store offers — correctness comes from row-level
// atomicity, never from process-level mutual exclusion.
package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when the referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrUnscopedEntity guards entity-scoped lookups against the "" sentinel.
// Issuing those with the sentinel would funnel all unscoped traffic into one
// index partition and serialize unrelated requests.
var ErrUnscopedEntity = errors.New("store: entity-scoped lookup requires a non-empty entity key")

// Store wraps the shared research-cache database.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}
