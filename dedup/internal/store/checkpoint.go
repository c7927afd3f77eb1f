// CLAUDE:SUMMARY Singleton progress cursors for compaction and backfill, plus the historical run_artifacts backfill source.
package store

import (
	"context"
	"fmt"
	"time"
)

// Backfill statuses.
const (
	BackfillRunning   = "running"
	BackfillPaused    = "paused"
	BackfillCompleted = "completed"
)

// CompactionCheckpoint is the aggregator's resumable cursor. The cursor is
// the composite (seen_at, mention id) of the last scanned mention: paging by
// timestamp alone would stall on a same-millisecond tie set larger than one
// batch, because every scan would return the same already-folded head.
type CompactionCheckpoint struct {
	LastProcessedAt int64  `json:"last_processed_at"`
	LastProcessedID string `json:"last_processed_id"`
	FoldedCount     int64  `json:"folded_count"`
	UpdatedAt       int64  `json:"updated_at"`
}

// BackfillCheckpoint is the backfill worker's resumable cursor.
type BackfillCheckpoint struct {
	Status         string `json:"status"`
	LastRunID      string `json:"last_run_id"`
	LastSeq        int64  `json:"last_seq"`
	ProcessedCount int64  `json:"processed_count"`
	EligibleCount  int64  `json:"eligible_count"`
	UpdatedAt      int64  `json:"updated_at"`
}

// RunArtifact is a historical per-run artifact record, the backfill source.
type RunArtifact struct {
	RunID     string  `json:"run_id"`
	Seq       int64   `json:"seq"`
	URL       string  `json:"url"`
	Title     string  `json:"title,omitempty"`
	Snippet   string  `json:"snippet,omitempty"`
	QueryKey  string  `json:"query_key,omitempty"`
	EntityKey string  `json:"entity_key,omitempty"`
	SectionID string  `json:"section_id,omitempty"`
	Rank      int64   `json:"rank"`
	Score     float64 `json:"score"`
	CreatedAt int64   `json:"created_at"`
}

// GetCompactionCheckpoint reads the singleton cursor.
func (s *Store) GetCompactionCheckpoint(ctx context.Context) (*CompactionCheckpoint, error) {
	cp := &CompactionCheckpoint{}
	err := s.DB.QueryRowContext(ctx, `
		SELECT last_processed_at, last_processed_id, folded_count, updated_at
		FROM compaction_checkpoint WHERE id = 1`,
	).Scan(&cp.LastProcessedAt, &cp.LastProcessedID, &cp.FoldedCount, &cp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("compaction checkpoint: %w", err)
	}
	return cp, nil
}

// AdvanceCompactionCheckpoint moves the composite cursor forward, never
// backward: a concurrent or replayed batch with an older boundary leaves the
// row alone. Called only after a batch is fully folded, so a crash mid-batch
// simply reprocesses that batch (the fold itself is idempotent). The two
// cursor columns advance as a pair in (seen_at, id) order.
func (s *Store) AdvanceCompactionCheckpoint(ctx context.Context, lastProcessedAt int64, lastProcessedID string, foldedDelta int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE compaction_checkpoint SET
			last_processed_at = CASE
				WHEN ? > last_processed_at OR (? = last_processed_at AND ? > last_processed_id)
				THEN ? ELSE last_processed_at END,
			last_processed_id = CASE
				WHEN ? > last_processed_at OR (? = last_processed_at AND ? > last_processed_id)
				THEN ? ELSE last_processed_id END,
			folded_count      = folded_count + ?,
			updated_at        = ?
		WHERE id = 1`,
		lastProcessedAt, lastProcessedAt, lastProcessedID, lastProcessedAt,
		lastProcessedAt, lastProcessedAt, lastProcessedID, lastProcessedID,
		foldedDelta, time.Now().UnixMilli(),
	)
	return err
}

// GetBackfillCheckpoint reads the singleton cursor.
func (s *Store) GetBackfillCheckpoint(ctx context.Context) (*BackfillCheckpoint, error) {
	cp := &BackfillCheckpoint{}
	err := s.DB.QueryRowContext(ctx, `
		SELECT status, last_run_id, last_seq, processed_count, eligible_count, updated_at
		FROM backfill_checkpoint WHERE id = 1`,
	).Scan(&cp.Status, &cp.LastRunID, &cp.LastSeq, &cp.ProcessedCount, &cp.EligibleCount, &cp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("backfill checkpoint: %w", err)
	}
	return cp, nil
}

// AdvanceBackfillCursor records progress through (run, seq) order.
func (s *Store) AdvanceBackfillCursor(ctx context.Context, lastRunID string, lastSeq, processedDelta int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE backfill_checkpoint SET
			last_run_id     = ?,
			last_seq        = ?,
			processed_count = processed_count + ?,
			updated_at      = ?
		WHERE id = 1`,
		lastRunID, lastSeq, processedDelta, time.Now().UnixMilli(),
	)
	return err
}

// SetBackfillStatus transitions the worker between running/paused/completed
// and refreshes the eligible count.
func (s *Store) SetBackfillStatus(ctx context.Context, status string, eligibleCount int64) error {
	if status != BackfillRunning && status != BackfillPaused && status != BackfillCompleted {
		return fmt.Errorf("backfill: invalid status %q", status)
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE backfill_checkpoint SET status = ?, eligible_count = ?, updated_at = ?
		WHERE id = 1`,
		status, eligibleCount, time.Now().UnixMilli(),
	)
	return err
}

// InsertRunArtifact stores one historical per-run record.
func (s *Store) InsertRunArtifact(ctx context.Context, ra *RunArtifact) error {
	if ra.CreatedAt == 0 {
		ra.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO run_artifacts
			(run_id, seq, url, title, snippet, query_key, entity_key, section_id, rank, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ra.RunID, ra.Seq, ra.URL, ra.Title, ra.Snippet, ra.QueryKey,
		ra.EntityKey, ra.SectionID, ra.Rank, ra.Score, ra.CreatedAt,
	)
	return err
}

// RunArtifactsAfter returns up to limit historical records strictly after the
// (runID, seq) cursor, in (run_id, seq) order. Run IDs are UUIDv7, so this is
// run-creation-then-sequence order.
func (s *Store) RunArtifactsAfter(ctx context.Context, runID string, seq int64, limit int) ([]*RunArtifact, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT run_id, seq, url, title, snippet, query_key, entity_key, section_id, rank, score, created_at
		FROM run_artifacts
		WHERE run_id > ? OR (run_id = ? AND seq > ?)
		ORDER BY run_id ASC, seq ASC LIMIT ?`,
		runID, runID, seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunArtifact
	for rows.Next() {
		ra := &RunArtifact{}
		if err := rows.Scan(
			&ra.RunID, &ra.Seq, &ra.URL, &ra.Title, &ra.Snippet, &ra.QueryKey,
			&ra.EntityKey, &ra.SectionID, &ra.Rank, &ra.Score, &ra.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run artifact: %w", err)
		}
		out = append(out, ra)
	}
	return out, rows.Err()
}

// CountRunArtifacts returns the total number of historical records.
func (s *Store) CountRunArtifacts(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_artifacts`).Scan(&n)
	return n, err
}
