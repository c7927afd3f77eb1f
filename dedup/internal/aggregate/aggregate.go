// CLAUDE:SUMMARY Mention aggregator worker: ticker-driven batch fold into day buckets, monotonic checkpoint, retention sweep of folded rows.
// Package aggregate folds the append-only mention log into per-day rollups.
//
// The fold is idempotent per (aggregate, mention) and commutative across
// mentions, so crashed or overlapping batches can replay any slice of the
// log without corrupting the rollups.
package aggregate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"rcache/dedup/internal/store"
)

// msPerDay fixes the UTC day-bucket width.
const msPerDay = 86_400_000

// DayBucket maps a millisecond timestamp to its UTC day index.
func DayBucket(seenAtMs int64) int64 {
	return seenAtMs / msPerDay
}

// AggKey derives the aggregate identity for a mention. Same artifact, same
// query, same day — same rollup row, no matter which worker folds it.
func AggKey(artifactKey, queryKey string, dayBucket int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", artifactKey, queryKey, dayBucket)))
	return hex.EncodeToString(sum[:])
}

// Beat is called after each batch so the process can report liveness.
type Beat func(ctx context.Context, processed int64)

// Aggregator is the fold worker.
type Aggregator struct {
	store     *store.Store
	interval  time.Duration
	batchSize int
	retention time.Duration
	logger    *slog.Logger
	beat      Beat
}

// Options configures an Aggregator. Zero values fall back to defaults.
type Options struct {
	Interval  time.Duration
	BatchSize int
	Retention time.Duration
	Logger    *slog.Logger
	Beat      Beat
}

// New creates an Aggregator over the given store.
func New(s *store.Store, opts Options) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		store:     s,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		retention: opts.Retention,
		logger:    opts.Logger,
		beat:      opts.Beat,
	}
}

// Run folds batches until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info("aggregator starting",
		"interval", a.interval, "batch_size", a.batchSize, "retention", a.retention)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	sweep := time.NewTicker(10 * a.interval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("aggregator shutting down")
			return ctx.Err()
		case <-sweep.C:
			if n, err := a.Sweep(ctx); err != nil {
				a.logger.Error("retention sweep failed", "error", err)
			} else if n > 0 {
				a.logger.Info("purged folded mentions", "count", n)
			}
		case <-ticker.C:
			n, err := a.RunOnce(ctx)
			if err != nil {
				a.logger.Error("fold batch failed", "error", err)
				continue
			}
			if a.beat != nil {
				a.beat(ctx, int64(n))
			}
		}
	}
}

// RunOnce folds one batch of mentions past the checkpoint and advances it.
// Returns how many mentions were newly folded.
func (a *Aggregator) RunOnce(ctx context.Context) (int, error) {
	cp, err := a.store.GetCompactionCheckpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}

	mentions, err := a.store.MentionsAfter(ctx, cp.LastProcessedAt, cp.LastProcessedID, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("scan mentions: %w", err)
	}
	if len(mentions) == 0 {
		return 0, nil
	}

	var folded int64
	for _, m := range mentions {
		bucket := DayBucket(m.SeenAt)
		ok, err := a.store.FoldMention(ctx, AggKey(m.ArtifactKey, m.QueryKey, bucket), m, bucket)
		if err != nil {
			// Checkpoint stays put; the whole batch replays next tick and
			// the already-folded prefix no-ops.
			return 0, fmt.Errorf("fold mention %s: %w", m.ID, err)
		}
		if ok {
			folded++
		}
	}

	// The scan is (seen_at, id)-ordered, so the last mention is the cursor.
	// Paging by timestamp alone would never get past a same-millisecond run
	// of mentions wider than one batch.
	last := mentions[len(mentions)-1]
	if err := a.store.AdvanceCompactionCheckpoint(ctx, last.SeenAt, last.ID, folded); err != nil {
		return 0, fmt.Errorf("advance checkpoint: %w", err)
	}

	a.logger.Debug("folded mention batch", "scanned", len(mentions), "folded", folded)
	return len(mentions), nil
}

// Sweep deletes folded mentions older than the retention window. Unfolded
// mentions are never touched regardless of age.
func (a *Aggregator) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-a.retention).UnixMilli()
	return a.store.PurgeFoldedMentions(ctx, cutoff)
}
