// CLAUDE:SUMMARY Backfill worker: resumable (run_id, seq) cursor over historical records, replayed through the same artifact/mention write path as live runs.
// Package backfill migrates historical per-run artifact records into the
// global identity store and mention log.
//
// Every record flows through the same canonicalization, identity upsert and
// mention insert as a live run, so a URL seen both historically and live
// converges on one artifact row. The cursor advances only after a batch has
// landed; a crash replays the batch and the upserts absorb the repeats.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rcache/dedup/internal/store"
)

// Canonicalize maps a raw historical URL to (canonicalURL, artifactKey).
type Canonicalize func(rawURL string) (canonical, key string, err error)

// Beat is called after each batch so the process can report liveness.
type Beat func(ctx context.Context, processed int64)

// Worker is the backfill loop. Pause and Resume may be called from any
// goroutine.
type Worker struct {
	store     *store.Store
	canon     Canonicalize
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	beat      Beat

	mu     sync.Mutex
	paused bool
}

// Options configures a Worker. Zero values fall back to defaults.
type Options struct {
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger
	Beat      Beat
}

// New creates a Worker. canon must not be nil.
func New(s *store.Store, canon Canonicalize, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		store:     s,
		canon:     canon,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		beat:      opts.Beat,
	}
}

// Pause stops the worker from taking new batches. In-flight batches finish.
func (w *Worker) Pause(ctx context.Context) error {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	eligible, err := w.store.CountRunArtifacts(ctx)
	if err != nil {
		return err
	}
	return w.store.SetBackfillStatus(ctx, store.BackfillPaused, eligible)
}

// Resume lets the worker take batches again.
func (w *Worker) Resume(ctx context.Context) error {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	eligible, err := w.store.CountRunArtifacts(ctx)
	if err != nil {
		return err
	}
	return w.store.SetBackfillStatus(ctx, store.BackfillRunning, eligible)
}

func (w *Worker) isPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Run drives batches until the backlog is drained or the context is
// cancelled. On a drained backlog the status flips to completed and the
// loop keeps polling: new historical records can still arrive while old
// runs are being imported.
func (w *Worker) Run(ctx context.Context) error {
	cp, err := w.store.GetBackfillCheckpoint(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("backfill starting",
		"status", cp.Status, "cursor_run", cp.LastRunID, "cursor_seq", cp.LastSeq,
		"processed", cp.ProcessedCount)

	if cp.Status == store.BackfillPaused {
		w.mu.Lock()
		w.paused = true
		w.mu.Unlock()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("backfill shutting down")
			return ctx.Err()
		case <-ticker.C:
			if w.isPaused() {
				continue
			}
			n, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("backfill batch failed", "error", err)
				continue
			}
			if w.beat != nil {
				w.beat(ctx, int64(n))
			}
		}
	}
}

// RunOnce processes one batch past the cursor. Returns how many records were
// read; zero means the backlog is drained.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	cp, err := w.store.GetBackfillCheckpoint(ctx)
	if err != nil {
		return 0, err
	}

	records, err := w.store.RunArtifactsAfter(ctx, cp.LastRunID, cp.LastSeq, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("scan run artifacts: %w", err)
	}
	if len(records) == 0 {
		eligible, err := w.store.CountRunArtifacts(ctx)
		if err != nil {
			return 0, err
		}
		if err := w.store.SetBackfillStatus(ctx, store.BackfillCompleted, eligible); err != nil {
			return 0, err
		}
		return 0, nil
	}

	for _, rec := range records {
		if err := w.process(ctx, rec); err != nil {
			// Cursor stays put; the batch replays from the top next tick.
			return 0, fmt.Errorf("backfill %s/%d: %w", rec.RunID, rec.Seq, err)
		}
	}

	last := records[len(records)-1]
	if err := w.store.AdvanceBackfillCursor(ctx, last.RunID, last.Seq, int64(len(records))); err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}
	w.logger.Debug("backfilled batch",
		"count", len(records), "cursor_run", last.RunID, "cursor_seq", last.Seq)
	return len(records), nil
}

// process imports one historical record: identity upsert, then a mention row
// carrying the original provenance.
func (w *Worker) process(ctx context.Context, rec *store.RunArtifact) error {
	canonical, key, err := w.canon(rec.URL)
	if err != nil {
		// Unparseable historical URLs are logged and skipped, not fatal.
		// They would fail identically on every replay.
		w.logger.Warn("skipping unnormalizable historical url",
			"run_id", rec.RunID, "seq", rec.Seq, "error", err)
		return nil
	}

	a := &store.Artifact{
		Key:          key,
		CanonicalURL: canonical,
		Title:        rec.Title,
		Snippet:      rec.Snippet,
	}
	if _, err := w.store.ResolveArtifact(ctx, a); err != nil {
		return fmt.Errorf("resolve artifact: %w", err)
	}

	// Deterministic id: replaying the batch after a crash re-lands on the
	// same row and the insert no-ops.
	m := &store.Mention{
		ID:          fmt.Sprintf("bfm-%s-%d", rec.RunID, rec.Seq),
		ArtifactKey: key,
		QueryKey:    rec.QueryKey,
		EntityKey:   rec.EntityKey,
		SectionID:   rec.SectionID,
		RunID:       rec.RunID,
		Rank:        rec.Rank,
		Score:       rec.Score,
		SeenAt:      rec.CreatedAt,
	}
	_, err = w.store.InsertMentionIfAbsent(ctx, m)
	return err
}
