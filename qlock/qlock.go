// Package qlock implements a single-flight query lock backed by SQLite.
//
// At most one research run may execute per query key at any instant. A
// holder proves ownership with a random nonce; a lock whose holder has been
// silent longer than its staleness budget is presumed dead and can be taken
// over by a new run. Both acquisition and takeover are single atomic
// statements — no external lock service, no transaction spanning reads.
//
// The protocol:
//
//   - TryAcquire inserts a running lock row, or takes over an existing row
//     that is not running or is stale. Otherwise it reports the in-flight
//     run so the caller can collapse onto it.
//   - Release transitions the lock to completed/failed only if the caller's
//     nonce still matches. A preempted releaser becomes a no-op and must not
//     clobber the newer holder's row.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS query_locks (
//	    query_key      TEXT PRIMARY KEY,
//	    status         TEXT NOT NULL,
//	    run_id         TEXT NOT NULL,
//	    lock_nonce     TEXT NOT NULL,
//	    started_at     INTEGER NOT NULL,  -- milliseconds since epoch
//	    stale_after_ms INTEGER NOT NULL
//	);
package qlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Lock statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultStaleAfter bounds how long a crashed holder can block a query key.
const DefaultStaleAfter = 10 * time.Minute

// ErrBusy is reported when a fresh running lock already exists.
// Match with errors.Is; the concrete *BusyError carries the in-flight run.
var ErrBusy = errors.New("qlock: query already in flight")

// BusyError reports a failed acquisition and the run currently holding the lock.
type BusyError struct {
	InFlightRunID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("qlock: query already in flight (run %s)", e.InFlightRunID)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// Lock is one row of the query_locks table.
type Lock struct {
	QueryKey   string
	Status     string
	RunID      string
	Nonce      string
	StartedAt  time.Time
	StaleAfter time.Duration
}

// Stale reports whether the lock holder has exceeded its staleness budget.
func (l *Lock) Stale(now time.Time) bool {
	return now.Sub(l.StartedAt) > l.StaleAfter
}

// Options configures the lock manager.
type Options struct {
	// StaleAfter is the holder's time budget before takeover is allowed.
	// Default: 10 minutes.
	StaleAfter time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager is the lock handle.
type Manager struct {
	db   *sql.DB
	opts Options
}

// New creates a Manager. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Manager {
	opts.defaults()
	return &Manager{db: db, opts: opts}
}

// EnsureTable creates the query_locks table if it doesn't exist.
func (m *Manager) EnsureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS query_locks (
			query_key      TEXT PRIMARY KEY,
			status         TEXT NOT NULL,
			run_id         TEXT NOT NULL,
			lock_nonce     TEXT NOT NULL,
			started_at     INTEGER NOT NULL,
			stale_after_ms INTEGER NOT NULL
		);
	`)
	return err
}

// TryAcquire attempts to take the lock for queryKey on behalf of runID.
// It returns the ownership nonce on success. On contention it returns a
// *BusyError (errors.Is(err, ErrBusy)) naming the in-flight run; the caller
// must not start duplicate work and should await that run instead.
//
// Acquisition succeeds when no lock exists, when the existing lock is not
// running, or when it is running but stale. The whole decision is one upsert
// so concurrent callers cannot both win.
func (m *Manager) TryAcquire(ctx context.Context, queryKey, runID string) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	now := time.Now().UnixMilli()

	var got string
	err = m.db.QueryRowContext(ctx, `
		INSERT INTO query_locks (query_key, status, run_id, lock_nonce, started_at, stale_after_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(query_key) DO UPDATE SET
			status         = excluded.status,
			run_id         = excluded.run_id,
			lock_nonce     = excluded.lock_nonce,
			started_at     = excluded.started_at,
			stale_after_ms = excluded.stale_after_ms
		WHERE query_locks.status != ?
		   OR excluded.started_at - query_locks.started_at > query_locks.stale_after_ms
		RETURNING lock_nonce`,
		queryKey, StatusRunning, runID, nonce, now, m.opts.StaleAfter.Milliseconds(),
		StatusRunning,
	).Scan(&got)

	if errors.Is(err, sql.ErrNoRows) {
		// Upsert matched a fresh running lock — report its run.
		var inflight string
		if qerr := m.db.QueryRowContext(ctx,
			`SELECT run_id FROM query_locks WHERE query_key = ?`, queryKey,
		).Scan(&inflight); qerr != nil && !errors.Is(qerr, sql.ErrNoRows) {
			return "", qerr
		}
		return "", &BusyError{InFlightRunID: inflight}
	}
	if err != nil {
		return "", err
	}
	if got != nonce {
		// Should not happen: RETURNING reflects the row we just wrote.
		return "", fmt.Errorf("qlock: acquisition returned foreign nonce")
	}
	return nonce, nil
}

// Release transitions the lock to outcome (StatusCompleted or StatusFailed)
// if and only if nonce still matches. It returns false when the caller has
// been preempted by a stale takeover; that is not an error — the newer
// holder's row must stand.
func (m *Manager) Release(ctx context.Context, queryKey, nonce, outcome string) (bool, error) {
	if outcome != StatusCompleted && outcome != StatusFailed {
		return false, fmt.Errorf("qlock: invalid release outcome %q", outcome)
	}
	res, err := m.db.ExecContext(ctx,
		`UPDATE query_locks SET status = ? WHERE query_key = ? AND lock_nonce = ?`,
		outcome, queryKey, nonce,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		m.opts.Logger.Info("qlock: release preempted by takeover", "query_key", queryKey)
		return false, nil
	}
	return true, nil
}

// Get returns the current lock row for queryKey, or nil if none exists.
func (m *Manager) Get(ctx context.Context, queryKey string) (*Lock, error) {
	var l Lock
	var startedAt, staleMs int64
	err := m.db.QueryRowContext(ctx, `
		SELECT query_key, status, run_id, lock_nonce, started_at, stale_after_ms
		FROM query_locks WHERE query_key = ?`, queryKey,
	).Scan(&l.QueryKey, &l.Status, &l.RunID, &l.Nonce, &startedAt, &staleMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.StartedAt = time.UnixMilli(startedAt)
	l.StaleAfter = time.Duration(staleMs) * time.Millisecond
	return &l, nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("qlock: nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
