// CLAUDE:SUMMARY Write pipeline bookkeeping: persist jobs, sharded run counters with fan-in read, dead letters.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Persist job statuses.
const (
	JobStarted = "started"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job is the idempotency record for one persistence attempt.
type Job struct {
	RunID          string `json:"run_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	Attempts       int64  `json:"attempts"`
	UpdatedAt      int64  `json:"updated_at"`
}

// ShardDelta is a set of counter increments applied to one stats shard.
type ShardDelta struct {
	JobsScheduled     int64
	JobsDeduped       int64
	DeadLetters       int64
	OCCRetries        int64
	NoopsSkipped      int64
	ArtifactsInserted int64
	ArtifactsPatched  int64
}

// RunStats is the fan-in sum of a run's shards.
type RunStats struct {
	RunID             string `json:"run_id"`
	Shards            int64  `json:"shards"`
	JobsScheduled     int64  `json:"jobs_scheduled"`
	JobsDeduped       int64  `json:"jobs_deduped"`
	DeadLetters       int64  `json:"dead_letters"`
	OCCRetries        int64  `json:"occ_retries"`
	NoopsSkipped      int64  `json:"noops_skipped"`
	ArtifactsInserted int64  `json:"artifacts_inserted"`
	ArtifactsPatched  int64  `json:"artifacts_patched"`
}

// DeadLetter is a terminally-failed persistence attempt kept for inspection.
type DeadLetter struct {
	ID             string   `json:"id"`
	RunID          string   `json:"run_id"`
	IdempotencyKey string   `json:"idempotency_key"`
	Category       string   `json:"category"`
	Error          string   `json:"error"`
	SampleURLs     []string `json:"sample_urls"`
	CreatedAt      int64    `json:"created_at"`
}

// GetJob retrieves a persist job, or nil if absent.
func (s *Store) GetJob(ctx context.Context, runID, idemKey string) (*Job, error) {
	j := &Job{}
	err := s.DB.QueryRowContext(ctx, `
		SELECT run_id, idempotency_key, status, attempts, updated_at
		FROM persist_jobs WHERE run_id = ? AND idempotency_key = ?`,
		runID, idemKey,
	).Scan(&j.RunID, &j.IdempotencyKey, &j.Status, &j.Attempts, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

// ClaimJob creates or re-arms the job row for an attempt. A new row starts
// at attempts=1; an existing non-done row is bumped back to started with
// attempts+1. A done job is left untouched and reported as not claimed so
// the caller can skip the write entirely.
// Returns (claimed, attempts).
func (s *Store) ClaimJob(ctx context.Context, runID, idemKey string) (bool, int64, error) {
	now := time.Now().UnixMilli()
	var attempts int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO persist_jobs (run_id, idempotency_key, status, attempts, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(run_id, idempotency_key) DO UPDATE SET
			status     = ?,
			attempts   = attempts + 1,
			updated_at = excluded.updated_at
		WHERE persist_jobs.status != ?
		RETURNING attempts`,
		runID, idemKey, JobStarted, now, JobStarted, JobDone,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		// Job already done — replay must not write again.
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("claim job: %w", err)
	}
	return true, attempts, nil
}

// FinishJob marks a claimed job done or failed.
func (s *Store) FinishJob(ctx context.Context, runID, idemKey, status string) error {
	if status != JobDone && status != JobFailed {
		return fmt.Errorf("finish job: invalid status %q", status)
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE persist_jobs SET status = ?, updated_at = ?
		WHERE run_id = ? AND idempotency_key = ?`,
		status, time.Now().UnixMilli(), runID, idemKey,
	)
	return err
}

// BumpShard applies a counter delta to one (run, shard) row, creating it on
// first touch. One upsert per outcome keeps contention bounded by the shard
// count rather than by the run.
func (s *Store) BumpShard(ctx context.Context, runID string, shardID int, d ShardDelta) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO run_stats_shards
			(run_id, shard_id, jobs_scheduled, jobs_deduped, dead_letters,
			 occ_retries, noops_skipped, artifacts_inserted, artifacts_patched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, shard_id) DO UPDATE SET
			jobs_scheduled     = jobs_scheduled     + excluded.jobs_scheduled,
			jobs_deduped       = jobs_deduped       + excluded.jobs_deduped,
			dead_letters       = dead_letters       + excluded.dead_letters,
			occ_retries        = occ_retries        + excluded.occ_retries,
			noops_skipped      = noops_skipped      + excluded.noops_skipped,
			artifacts_inserted = artifacts_inserted + excluded.artifacts_inserted,
			artifacts_patched  = artifacts_patched  + excluded.artifacts_patched`,
		runID, shardID, d.JobsScheduled, d.JobsDeduped, d.DeadLetters,
		d.OCCRetries, d.NoopsSkipped, d.ArtifactsInserted, d.ArtifactsPatched,
	)
	return err
}

// RunStats sums all shards for a run.
func (s *Store) RunStats(ctx context.Context, runID string) (*RunStats, error) {
	st := &RunStats{RunID: runID}
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(jobs_scheduled), 0),
		       COALESCE(SUM(jobs_deduped), 0),
		       COALESCE(SUM(dead_letters), 0),
		       COALESCE(SUM(occ_retries), 0),
		       COALESCE(SUM(noops_skipped), 0),
		       COALESCE(SUM(artifacts_inserted), 0),
		       COALESCE(SUM(artifacts_patched), 0)
		FROM run_stats_shards WHERE run_id = ?`, runID,
	).Scan(
		&st.Shards, &st.JobsScheduled, &st.JobsDeduped, &st.DeadLetters,
		&st.OCCRetries, &st.NoopsSkipped, &st.ArtifactsInserted, &st.ArtifactsPatched,
	)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	return st, nil
}

// InsertDeadLetter records a terminal failure. Failures are recorded, never
// silently dropped.
func (s *Store) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.CreatedAt == 0 {
		dl.CreatedAt = time.Now().UnixMilli()
	}
	sample, err := marshalURLs(dl.SampleURLs)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO dead_letters (id, run_id, idempotency_key, category, error, sample_urls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.RunID, dl.IdempotencyKey, dl.Category, dl.Error, sample, dl.CreatedAt,
	)
	return err
}

// ListDeadLetters returns dead letters, newest first, optionally filtered by
// error category.
func (s *Store) ListDeadLetters(ctx context.Context, category string, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, run_id, idempotency_key, category, error, sample_urls, created_at
		FROM dead_letters`
	args := []any{}
	if category != "" {
		q += ` WHERE category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var sample string
		if err := rows.Scan(
			&dl.ID, &dl.RunID, &dl.IdempotencyKey, &dl.Category, &dl.Error, &sample, &dl.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.SampleURLs, err = unmarshalURLs(sample)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func marshalURLs(urls []string) (string, error) {
	if len(urls) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return "", fmt.Errorf("marshal sample urls: %w", err)
	}
	return string(b), nil
}

func unmarshalURLs(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(s), &urls); err != nil {
		return nil, fmt.Errorf("unmarshal sample urls: %w", err)
	}
	return urls, nil
}
