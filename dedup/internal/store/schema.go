// CLAUDE:SUMMARY Applies the complete research-cache SQL schema: run ledger, artifacts, mentions, rollups, pipeline bookkeeping, checkpoints.
package store

import "database/sql"

// Schema is the complete research-cache schema.
const Schema = `
-- Research run ledger: one row per attempt, never deleted.
-- sort_ts is always populated (scheduled_at until the run starts, then the
-- real start time) so listings never depend on the optional started_at.
CREATE TABLE IF NOT EXISTS research_runs (
    id             TEXT PRIMARY KEY,
    query_key      TEXT NOT NULL,
    entity_key     TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'scheduled',
    version        INTEGER NOT NULL,
    ttl_ms         INTEGER NOT NULL,
    scheduled_at   INTEGER NOT NULL,
    started_at     INTEGER,
    finished_at    INTEGER,
    sort_ts        INTEGER NOT NULL,
    expires_at     INTEGER,
    artifact_count INTEGER NOT NULL DEFAULT 0,
    error          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_query ON research_runs(query_key, sort_ts DESC);
CREATE INDEX IF NOT EXISTS idx_runs_entity ON research_runs(entity_key, sort_ts DESC);

-- Deduplicated artifact identities, keyed by hash of the canonical URL.
CREATE TABLE IF NOT EXISTS global_artifacts (
    artifact_key  TEXT PRIMARY KEY,
    canonical_url TEXT NOT NULL UNIQUE,
    domain        TEXT NOT NULL DEFAULT '',
    title         TEXT NOT NULL DEFAULT '',
    snippet       TEXT NOT NULL DEFAULT '',
    thumbnail     TEXT NOT NULL DEFAULT '',
    content_hash  TEXT NOT NULL DEFAULT '',
    first_seen_at INTEGER NOT NULL,
    last_seen_at  INTEGER NOT NULL,
    seen_count    INTEGER NOT NULL DEFAULT 1,
    revision      INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_artifacts_domain ON global_artifacts(domain);

-- Append-only provenance: which artifact surfaced for which query/entity/run.
CREATE TABLE IF NOT EXISTS artifact_mentions (
    id           TEXT PRIMARY KEY,
    artifact_key TEXT NOT NULL,
    query_key    TEXT NOT NULL,
    entity_key   TEXT NOT NULL DEFAULT '',
    section_id   TEXT NOT NULL DEFAULT '',
    run_id       TEXT NOT NULL,
    rank         INTEGER NOT NULL DEFAULT 0,
    score        REAL NOT NULL DEFAULT 0,
    seen_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mentions_seen ON artifact_mentions(seen_at, id);
CREATE INDEX IF NOT EXISTS idx_mentions_entity ON artifact_mentions(entity_key, seen_at DESC);

-- Day-bucketed rollups of the mention log.
CREATE TABLE IF NOT EXISTS mention_aggregates (
    agg_key       TEXT PRIMARY KEY,
    artifact_key  TEXT NOT NULL,
    query_key     TEXT NOT NULL,
    day_bucket    INTEGER NOT NULL,
    mention_count INTEGER NOT NULL DEFAULT 0,
    best_rank     INTEGER,
    first_seen_at INTEGER NOT NULL,
    last_seen_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aggregates_artifact ON mention_aggregates(artifact_key, day_bucket);

-- Fold ledger: (agg_key, mention_id) pairs already applied to an aggregate.
-- Re-folding the same mention is a no-op, which makes compaction idempotent.
CREATE TABLE IF NOT EXISTS folded_mentions (
    agg_key    TEXT NOT NULL,
    mention_id TEXT NOT NULL,
    PRIMARY KEY (agg_key, mention_id)
);

-- Idempotency records for the write pipeline.
CREATE TABLE IF NOT EXISTS persist_jobs (
    run_id          TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'started',
    attempts        INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL,
    PRIMARY KEY (run_id, idempotency_key)
);

-- Sharded per-run counters; a run's stats are the sum across its shards.
CREATE TABLE IF NOT EXISTS run_stats_shards (
    run_id             TEXT NOT NULL,
    shard_id           INTEGER NOT NULL,
    jobs_scheduled     INTEGER NOT NULL DEFAULT 0,
    jobs_deduped       INTEGER NOT NULL DEFAULT 0,
    dead_letters       INTEGER NOT NULL DEFAULT 0,
    occ_retries        INTEGER NOT NULL DEFAULT 0,
    noops_skipped      INTEGER NOT NULL DEFAULT 0,
    artifacts_inserted INTEGER NOT NULL DEFAULT 0,
    artifacts_patched  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, shard_id)
);

-- Terminally-failed persistence attempts, kept for offline inspection.
CREATE TABLE IF NOT EXISTS dead_letters (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    category        TEXT NOT NULL,
    error           TEXT NOT NULL DEFAULT '',
    sample_urls     TEXT NOT NULL DEFAULT '[]',
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_category ON dead_letters(category, created_at DESC);

-- Singleton progress cursors for the background workers.
CREATE TABLE IF NOT EXISTS compaction_checkpoint (
    id                INTEGER PRIMARY KEY CHECK (id = 1),
    last_processed_at INTEGER NOT NULL DEFAULT 0,
    last_processed_id TEXT NOT NULL DEFAULT '',
    folded_count      INTEGER NOT NULL DEFAULT 0,
    updated_at        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS backfill_checkpoint (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    status          TEXT NOT NULL DEFAULT 'running',
    last_run_id     TEXT NOT NULL DEFAULT '',
    last_seq        INTEGER NOT NULL DEFAULT 0,
    processed_count INTEGER NOT NULL DEFAULT 0,
    eligible_count  INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL DEFAULT 0
);

-- Historical per-run artifact records, the backfill source. Run IDs are
-- UUIDv7, so (run_id, seq) iterates in run-creation-then-sequence order.
CREATE TABLE IF NOT EXISTS run_artifacts (
    run_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    url        TEXT NOT NULL,
    title      TEXT NOT NULL DEFAULT '',
    snippet    TEXT NOT NULL DEFAULT '',
    query_key  TEXT NOT NULL DEFAULT '',
    entity_key TEXT NOT NULL DEFAULT '',
    section_id TEXT NOT NULL DEFAULT '',
    rank       INTEGER NOT NULL DEFAULT 0,
    score      REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (run_id, seq)
);
`

// ApplySchema creates all tables and indexes and seeds the checkpoint
// singletons. Idempotent, safe to call at every startup.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO compaction_checkpoint (id) VALUES (1)`,
	); err != nil {
		return err
	}
	_, err := db.Exec(
		`INSERT OR IGNORE INTO backfill_checkpoint (id) VALUES (1)`,
	)
	return err
}
