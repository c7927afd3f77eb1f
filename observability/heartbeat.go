// CLAUDE:SUMMARY Worker liveness: heartbeat rows with batch progress and runtime stats, staleness-aware latest-beat reads, retention cleanup.
// Package observability records background-worker liveness in SQLite so the
// ops API can answer "are the aggregator and backfill alive, and are they
// moving" without any external monitoring stack.
package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	GCCount         uint32
}

// CollectRuntimeMetrics reads current Go runtime stats (~10µs overhead).
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}

// HeartbeatWriter writes liveness probes for one worker. Beat accumulates
// batch progress between writes, so a heartbeat row reports both "I am
// alive" and "I did N items since the last beat".
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	workerPID  int
	processed  atomic.Int64
}

// NewHeartbeatWriter creates a writer for the named worker.
func NewHeartbeatWriter(db *sql.DB, workerName string) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		workerPID:  os.Getpid(),
	}
}

// Beat records batch progress and writes a heartbeat row. Designed to hang
// off a worker's per-batch callback; a failed write is reported but must not
// stop the worker.
func (hw *HeartbeatWriter) Beat(ctx context.Context, processed int64) error {
	total := hw.processed.Add(processed)
	m := CollectRuntimeMetrics()
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			items_processed, goroutines_count, memory_alloc_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.workerPID, time.Now().UnixMilli(),
		total, m.GoroutinesCount, m.MemoryAllocMB, m.GCCount)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// HeartbeatStatus is the latest heartbeat for a worker, enriched with a
// staleness check so callers don't have to compute it themselves.
type HeartbeatStatus struct {
	WorkerName      string         `json:"worker_name"`
	Hostname        string         `json:"hostname"`
	PID             int            `json:"pid"`
	Timestamp       time.Time      `json:"timestamp"`
	ItemsProcessed  int64          `json:"items_processed"`
	GoroutinesCount int            `json:"goroutines_count"`
	MemoryAllocMB   float64        `json:"memory_alloc_mb"`
	GCCount         int            `json:"gc_count"`
	Alive           bool           `json:"alive"`
	StaleSince      *time.Duration `json:"stale_since,omitempty"`
}

// LatestHeartbeat returns the most recent heartbeat for the given worker.
// stalenessThreshold controls the alive/stale boundary (typically 3× the
// worker's batch interval). Returns nil, nil if no heartbeat exists yet.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, stalenessThreshold time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, items_processed,
		       COALESCE(goroutines_count, 0), COALESCE(memory_alloc_mb, 0), COALESCE(gc_count, 0)
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`, workerName)

	var hs HeartbeatStatus
	var ts int64
	err := row.Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts,
		&hs.ItemsProcessed, &hs.GoroutinesCount, &hs.MemoryAllocMB, &hs.GCCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}

	hs.Timestamp = time.UnixMilli(ts)
	age := time.Since(hs.Timestamp)
	if age <= stalenessThreshold {
		hs.Alive = true
	} else {
		stale := age - stalenessThreshold
		hs.StaleSince = &stale
	}
	return &hs, nil
}

// CleanupHeartbeats deletes heartbeats older than retentionDays.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	result, err := db.ExecContext(ctx, `DELETE FROM worker_heartbeats WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup heartbeats: %w", err)
	}
	return result.RowsAffected()
}
