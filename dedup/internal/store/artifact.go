// CLAUDE:SUMMARY Global artifact identity store: single-statement sighting upsert and revision-gated (OCC) patches.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Artifact is the deduplicated identity of a discovered content item.
type Artifact struct {
	Key          string `json:"artifact_key"`
	CanonicalURL string `json:"canonical_url"`
	Domain       string `json:"domain,omitempty"`
	Title        string `json:"title,omitempty"`
	Snippet      string `json:"snippet,omitempty"`
	Thumbnail    string `json:"thumbnail,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
	FirstSeenAt  int64  `json:"first_seen_at"`
	LastSeenAt   int64  `json:"last_seen_at"`
	SeenCount    int64  `json:"seen_count"`
	Revision     int64  `json:"revision"`
}

// ResolveArtifact records a sighting: insert with seen_count=1 if the key is
// new, otherwise bump seen_count, refresh last_seen_at and content_hash, and
// keep the best-known metadata for fields the sighting left empty. One upsert
// statement, so concurrent sightings of the same URL never create two rows.
// Returns true when the sighting created the artifact.
func (s *Store) ResolveArtifact(ctx context.Context, a *Artifact) (bool, error) {
	now := time.Now().UnixMilli()
	a.FirstSeenAt = now
	a.LastSeenAt = now

	var seenCount int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO global_artifacts
			(artifact_key, canonical_url, domain, title, snippet, thumbnail,
			 content_hash, first_seen_at, last_seen_at, seen_count, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1)
		ON CONFLICT(artifact_key) DO UPDATE SET
			seen_count   = seen_count + 1,
			last_seen_at = excluded.last_seen_at,
			content_hash = CASE WHEN excluded.content_hash != '' THEN excluded.content_hash ELSE content_hash END,
			title        = CASE WHEN excluded.title        != '' THEN excluded.title        ELSE title        END,
			snippet      = CASE WHEN excluded.snippet      != '' THEN excluded.snippet      ELSE snippet      END,
			thumbnail    = CASE WHEN excluded.thumbnail    != '' THEN excluded.thumbnail    ELSE thumbnail    END
		RETURNING seen_count`,
		a.Key, a.CanonicalURL, a.Domain, a.Title, a.Snippet, a.Thumbnail,
		a.ContentHash, a.FirstSeenAt, a.LastSeenAt,
	).Scan(&seenCount)
	if err != nil {
		return false, fmt.Errorf("resolve artifact: %w", err)
	}
	a.SeenCount = seenCount
	return seenCount == 1, nil
}

// GetArtifact retrieves an artifact by key, or nil if absent.
func (s *Store) GetArtifact(ctx context.Context, key string) (*Artifact, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT artifact_key, canonical_url, domain, title, snippet, thumbnail,
		       content_hash, first_seen_at, last_seen_at, seen_count, revision
		FROM global_artifacts WHERE artifact_key = ?`, key)

	a := &Artifact{}
	err := row.Scan(
		&a.Key, &a.CanonicalURL, &a.Domain, &a.Title, &a.Snippet, &a.Thumbnail,
		&a.ContentHash, &a.FirstSeenAt, &a.LastSeenAt, &a.SeenCount, &a.Revision,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	return a, nil
}

// ArtifactPatch is the metadata a persistence job may rewrite.
type ArtifactPatch struct {
	Title       string `json:"title,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// PatchArtifact applies a patch conditioned on the revision being unchanged
// since the caller read it. Returns false on a revision conflict: another
// writer got there first and the caller must re-read and retry.
func (s *Store) PatchArtifact(ctx context.Context, key string, revision int64, p ArtifactPatch) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE global_artifacts SET
			title        = CASE WHEN ? != '' THEN ? ELSE title       END,
			snippet      = CASE WHEN ? != '' THEN ? ELSE snippet     END,
			thumbnail    = CASE WHEN ? != '' THEN ? ELSE thumbnail   END,
			content_hash = CASE WHEN ? != '' THEN ? ELSE content_hash END,
			last_seen_at = ?,
			revision     = revision + 1
		WHERE artifact_key = ? AND revision = ?`,
		p.Title, p.Title, p.Snippet, p.Snippet, p.Thumbnail, p.Thumbnail,
		p.ContentHash, p.ContentHash, now, key, revision,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountArtifacts returns the total number of deduplicated artifacts.
func (s *Store) CountArtifacts(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM global_artifacts`).Scan(&n)
	return n, err
}
