// CLAUDE:SUMMARY Research run ledger: schedule/start/finish state machine, cache-hit read path, sort_ts-ordered listings.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunScheduled = "scheduled"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one attempt to answer a query key. Rows are never deleted; a newer
// version supersedes the cached answer purely additively.
type Run struct {
	ID            string `json:"id"`
	QueryKey      string `json:"query_key"`
	EntityKey     string `json:"entity_key,omitempty"`
	Status        string `json:"status"`
	Version       int64  `json:"version"`
	TTLMs         int64  `json:"ttl_ms"`
	ScheduledAt   int64  `json:"scheduled_at"`
	StartedAt     *int64 `json:"started_at,omitempty"`
	FinishedAt    *int64 `json:"finished_at,omitempty"`
	SortTs        int64  `json:"sort_ts"`
	ExpiresAt     *int64 `json:"expires_at,omitempty"`
	ArtifactCount int64  `json:"artifact_count"`
	Error         string `json:"error,omitempty"`
}

const runColumns = `id, query_key, entity_key, status, version, ttl_ms,
	scheduled_at, started_at, finished_at, sort_ts, expires_at, artifact_count, error`

// ScheduleRun inserts a scheduled run. The version is assigned atomically as
// one greater than the highest version already recorded for the query key,
// inside the INSERT itself, so concurrent schedulers never reuse a version.
func (s *Store) ScheduleRun(ctx context.Context, r *Run) error {
	now := time.Now().UnixMilli()
	if r.ScheduledAt == 0 {
		r.ScheduledAt = now
	}
	r.Status = RunScheduled
	r.SortTs = r.ScheduledAt

	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO research_runs
			(id, query_key, entity_key, status, version, ttl_ms, scheduled_at, sort_ts)
		VALUES (?, ?, ?, ?,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM research_runs WHERE query_key = ?),
			?, ?, ?)
		RETURNING version`,
		r.ID, r.QueryKey, r.EntityKey, r.Status, r.QueryKey,
		r.TTLMs, r.ScheduledAt, r.SortTs,
	).Scan(&r.Version)
	if err != nil {
		return fmt.Errorf("schedule run: %w", err)
	}
	return nil
}

// StartRun transitions a scheduled run to running. It sets started_at,
// overwrites sort_ts with the real start time, and fixes expires_at to
// started_at + ttl_ms.
func (s *Store) StartRun(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE research_runs
		SET status = ?, started_at = ?, sort_ts = ?, expires_at = ? + ttl_ms
		WHERE id = ? AND status = ?`,
		RunRunning, now, now, now, id, RunScheduled,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("start run %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinishRun transitions a running run to completed or failed.
func (s *Store) FinishRun(ctx context.Context, id, status string, artifactCount int64, errMsg string) error {
	if status != RunCompleted && status != RunFailed {
		return fmt.Errorf("finish run: invalid status %q", status)
	}
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE research_runs
		SET status = ?, finished_at = ?, artifact_count = ?, error = ?
		WHERE id = ? AND status = ?`,
		status, now, artifactCount, errMsg, id, RunRunning,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID, or nil if absent.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM research_runs WHERE id = ?`, id)
	return scanRun(row)
}

// FreshCompletedRun is the cache-hit read path: the completed, unexpired run
// with the greatest sort_ts for the query key, or nil when there is no fresh
// cached answer.
func (s *Store) FreshCompletedRun(ctx context.Context, queryKey string) (*Run, error) {
	now := time.Now().UnixMilli()
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM research_runs
		WHERE query_key = ? AND status = ? AND expires_at > ?
		ORDER BY sort_ts DESC LIMIT 1`,
		queryKey, RunCompleted, now)
	return scanRun(row)
}

// ListRuns returns runs for a query key ordered by sort_ts descending.
// Ordering is on sort_ts, never started_at: sort_ts is always populated.
func (s *Store) ListRuns(ctx context.Context, queryKey string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM research_runs
		WHERE query_key = ?
		ORDER BY sort_ts DESC LIMIT ?`, queryKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row *sql.Row) (*Run, error) {
	r := &Run{}
	var startedAt, finishedAt, expiresAt sql.NullInt64
	err := row.Scan(
		&r.ID, &r.QueryKey, &r.EntityKey, &r.Status, &r.Version, &r.TTLMs,
		&r.ScheduledAt, &startedAt, &finishedAt, &r.SortTs, &expiresAt,
		&r.ArtifactCount, &r.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	assignNullable(r, startedAt, finishedAt, expiresAt)
	return r, nil
}

func scanRunRows(rows *sql.Rows) (*Run, error) {
	r := &Run{}
	var startedAt, finishedAt, expiresAt sql.NullInt64
	err := rows.Scan(
		&r.ID, &r.QueryKey, &r.EntityKey, &r.Status, &r.Version, &r.TTLMs,
		&r.ScheduledAt, &startedAt, &finishedAt, &r.SortTs, &expiresAt,
		&r.ArtifactCount, &r.Error,
	)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	assignNullable(r, startedAt, finishedAt, expiresAt)
	return r, nil
}

func assignNullable(r *Run, startedAt, finishedAt, expiresAt sql.NullInt64) {
	if startedAt.Valid {
		r.StartedAt = &startedAt.Int64
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Int64
	}
	if expiresAt.Valid {
		r.ExpiresAt = &expiresAt.Int64
	}
}
