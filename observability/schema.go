package observability

import "database/sql"

// Schema contains the DDL for the worker liveness table. Call Init(db) to
// apply it, or embed the constant in your own schema management.
const Schema = `
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    worker_pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL, -- ms since epoch
    items_processed INTEGER NOT NULL DEFAULT 0,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_heartbeats_timestamp
    ON worker_heartbeats(timestamp DESC);
`

// Init applies the observability schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
