// CLAUDE:SUMMARY Append-only mention log, entity-scoped reads (sentinel-guarded), and the idempotent per-mention fold into day-bucketed aggregates.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Mention is one append-only provenance fact: artifact X surfaced for query Y
// (optionally scoped to an entity/section) at time T with rank and score.
type Mention struct {
	ID          string  `json:"id"`
	ArtifactKey string  `json:"artifact_key"`
	QueryKey    string  `json:"query_key"`
	EntityKey   string  `json:"entity_key,omitempty"`
	SectionID   string  `json:"section_id,omitempty"`
	RunID       string  `json:"run_id"`
	Rank        int64   `json:"rank"`
	Score       float64 `json:"score"`
	SeenAt      int64   `json:"seen_at"`
}

// Aggregate is the day-bucketed rollup of mentions for (artifact, query).
type Aggregate struct {
	AggKey       string `json:"agg_key"`
	ArtifactKey  string `json:"artifact_key"`
	QueryKey     string `json:"query_key"`
	DayBucket    int64  `json:"day_bucket"`
	MentionCount int64  `json:"mention_count"`
	BestRank     *int64 `json:"best_rank,omitempty"`
	FirstSeenAt  int64  `json:"first_seen_at"`
	LastSeenAt   int64  `json:"last_seen_at"`
}

// InsertMention appends one immutable mention row. Mentions are never
// updated or deleted by the write path; only the retention sweep removes
// rows whose bucket has been folded.
func (s *Store) InsertMention(ctx context.Context, m *Mention) error {
	if m.SeenAt == 0 {
		m.SeenAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO artifact_mentions
			(id, artifact_key, query_key, entity_key, section_id, run_id, rank, score, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ArtifactKey, m.QueryKey, m.EntityKey, m.SectionID,
		m.RunID, m.Rank, m.Score, m.SeenAt,
	)
	return err
}

// InsertMentionIfAbsent is InsertMention with replay tolerance: a row whose
// id already exists is left untouched. Callers that replay batches use
// deterministic ids so the second pass lands here.
func (s *Store) InsertMentionIfAbsent(ctx context.Context, m *Mention) (bool, error) {
	if m.SeenAt == 0 {
		m.SeenAt = time.Now().UnixMilli()
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO artifact_mentions
			(id, artifact_key, query_key, entity_key, section_id, run_id, rank, score, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ArtifactKey, m.QueryKey, m.EntityKey, m.SectionID,
		m.RunID, m.Rank, m.Score, m.SeenAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MentionsForEntity returns the most recent mentions scoped to an entity.
// The empty entity key is the reserved "unscoped" sentinel and is rejected:
// querying the entity index with it would turn the sentinel into a hot
// partition shared by all unscoped traffic.
func (s *Store) MentionsForEntity(ctx context.Context, entityKey string, limit int) ([]*Mention, error) {
	if entityKey == "" {
		return nil, ErrUnscopedEntity
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, artifact_key, query_key, entity_key, section_id, run_id, rank, score, seen_at
		FROM artifact_mentions
		WHERE entity_key = ?
		ORDER BY seen_at DESC LIMIT ?`, entityKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMentions(rows)
}

// MentionsAfter returns up to limit mentions strictly after the composite
// (sinceMs, sinceID) cursor, in (seen_at, id) order. This is the aggregator's
// scan path; the id tiebreak lets it page through a same-millisecond run of
// mentions wider than one batch.
func (s *Store) MentionsAfter(ctx context.Context, sinceMs int64, sinceID string, limit int) ([]*Mention, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, artifact_key, query_key, entity_key, section_id, run_id, rank, score, seen_at
		FROM artifact_mentions
		WHERE seen_at > ? OR (seen_at = ? AND id > ?)
		ORDER BY seen_at ASC, id ASC LIMIT ?`, sinceMs, sinceMs, sinceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMentions(rows)
}

// FoldMention applies one mention to its day-bucket aggregate, exactly once.
// The (agg_key, mention_id) pair is claimed with INSERT OR IGNORE inside the
// same transaction as the aggregate delta: replaying a mention that was
// already folded changes nothing. The delta itself is commutative (count
// increment, MIN best_rank, MIN/MAX seen bounds), so fold order across
// concurrent batches does not affect the result.
// Returns true when the mention was folded, false when it had been already.
func (s *Store) FoldMention(ctx context.Context, aggKey string, m *Mention, dayBucket int64) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO folded_mentions (agg_key, mention_id) VALUES (?, ?)`,
		aggKey, m.ID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Already folded — idempotent no-op.
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mention_aggregates
			(agg_key, artifact_key, query_key, day_bucket, mention_count, best_rank, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(agg_key) DO UPDATE SET
			mention_count = mention_count + 1,
			best_rank     = CASE
				WHEN best_rank IS NULL THEN excluded.best_rank
				WHEN excluded.best_rank IS NULL THEN best_rank
				ELSE MIN(best_rank, excluded.best_rank)
			END,
			first_seen_at = MIN(first_seen_at, excluded.first_seen_at),
			last_seen_at  = MAX(last_seen_at, excluded.last_seen_at)`,
		aggKey, m.ArtifactKey, m.QueryKey, dayBucket, rankOrNull(m.Rank), m.SeenAt, m.SeenAt,
	); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetAggregate retrieves an aggregate by key, or nil if absent.
func (s *Store) GetAggregate(ctx context.Context, aggKey string) (*Aggregate, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT agg_key, artifact_key, query_key, day_bucket, mention_count,
		       best_rank, first_seen_at, last_seen_at
		FROM mention_aggregates WHERE agg_key = ?`, aggKey)

	a := &Aggregate{}
	var bestRank sql.NullInt64
	err := row.Scan(
		&a.AggKey, &a.ArtifactKey, &a.QueryKey, &a.DayBucket, &a.MentionCount,
		&bestRank, &a.FirstSeenAt, &a.LastSeenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan aggregate: %w", err)
	}
	if bestRank.Valid {
		a.BestRank = &bestRank.Int64
	}
	return a, nil
}

// PurgeFoldedMentions deletes raw mentions older than cutoffMs whose facts
// have been folded into an aggregate. Unfolded mentions are never purged.
func (s *Store) PurgeFoldedMentions(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM artifact_mentions
		WHERE seen_at < ?
		  AND id IN (SELECT mention_id FROM folded_mentions)`, cutoffMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountMentions returns the raw mention count (observability).
func (s *Store) CountMentions(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifact_mentions`).Scan(&n)
	return n, err
}

func scanMentions(rows *sql.Rows) ([]*Mention, error) {
	var out []*Mention
	for rows.Next() {
		m := &Mention{}
		if err := rows.Scan(
			&m.ID, &m.ArtifactKey, &m.QueryKey, &m.EntityKey, &m.SectionID,
			&m.RunID, &m.Rank, &m.Score, &m.SeenAt,
		); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// rankOrNull maps rank 0 ("unranked") to NULL so it never wins a MIN.
func rankOrNull(rank int64) any {
	if rank <= 0 {
		return nil
	}
	return rank
}
