// CLAUDE:SUMMARY Main Service orchestrator: cached-run reads, run lifecycle, single-flight locks, artifact/mention writes, workers, ops reads.
// Package dedup is a global research deduplication and caching layer.
//
// Research is expensive and the same questions recur. The service
// fingerprints each query, answers from a fresh completed run when one
// exists, and otherwise coordinates exactly one worker per query through a
// single-flight lock. Discovered artifacts are deduplicated by canonical URL
// into one global identity each; every sighting is an append-only mention,
// folded into day-bucketed aggregates by a background worker. All writes go
// through an idempotency-keyed pipeline so retries never double-apply.
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"rcache/dedup/internal/aggregate"
	"rcache/dedup/internal/backfill"
	"rcache/dedup/internal/pipeline"
	"rcache/dedup/internal/store"
	"rcache/idgen"
	"rcache/kit"
	"rcache/qlock"
)

// Re-exported lock sentinels so callers need not import qlock directly.
var ErrLockBusy = qlock.ErrBusy

// LockBusyError carries the in-flight run holding the lock.
type LockBusyError = qlock.BusyError

// Beat is a liveness callback invoked by workers after each batch.
type Beat func(ctx context.Context, processed int64)

// Service is the dedup layer orchestrator. Safe for concurrent use.
type Service struct {
	store      *store.Store
	locks      *qlock.Manager
	pipeline   *pipeline.Pipeline
	aggregator *aggregate.Aggregator
	backfiller *backfill.Worker
	config     *Config
	logger     *slog.Logger
	newID      func() string
}

// ServiceOption customizes a Service at construction.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	aggregatorBeat Beat
	backfillBeat   Beat
	newID          func() string
}

// WithAggregatorBeat wires a liveness callback into the aggregator loop.
func WithAggregatorBeat(b Beat) ServiceOption {
	return func(o *serviceOptions) { o.aggregatorBeat = b }
}

// WithBackfillBeat wires a liveness callback into the backfill loop.
func WithBackfillBeat(b Beat) ServiceOption {
	return func(o *serviceOptions) { o.backfillBeat = b }
}

// WithIDGenerator overrides run/mention ID generation. IDs must remain
// time-sortable: backfill iteration order depends on it.
func WithIDGenerator(gen idgen.Generator) ServiceOption {
	return func(o *serviceOptions) { o.newID = gen }
}

// New creates a Service on db, applying the schema and lock table.
func New(ctx context.Context, db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	var so serviceOptions
	for _, opt := range opts {
		opt(&so)
	}
	if so.newID == nil {
		so.newID = idgen.Default
	}

	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := store.New(db)

	locks := qlock.New(db, qlock.Options{
		StaleAfter: cfg.Lock.StaleAfter,
		Logger:     logger.With("component", "qlock"),
	})
	if err := locks.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("lock table: %w", err)
	}

	svc := &Service{
		store:  s,
		locks:  locks,
		config: cfg,
		logger: logger,
		newID:  so.newID,
	}
	svc.pipeline = pipeline.New(s, pipeline.Options{
		Shards:         cfg.Pipeline.StatsShards,
		OCCMaxAttempts: cfg.Pipeline.OCCMaxAttempts,
		Logger:         logger.With("component", "pipeline"),
	})
	svc.aggregator = aggregate.New(s, aggregate.Options{
		Interval:  cfg.Aggregator.Interval,
		BatchSize: cfg.Aggregator.BatchSize,
		Retention: cfg.Aggregator.Retention,
		Logger:    logger.With("component", "aggregator"),
		Beat:      aggregate.Beat(so.aggregatorBeat),
	})
	svc.backfiller = backfill.New(s, func(raw string) (string, string, error) {
		canonical, err := CanonicalURL(raw)
		if err != nil {
			return "", "", err
		}
		return canonical, ArtifactKey(canonical), nil
	}, backfill.Options{
		Interval:  cfg.Backfill.Interval,
		BatchSize: cfg.Backfill.BatchSize,
		Logger:    logger.With("component", "backfill"),
		Beat:      backfill.Beat(so.backfillBeat),
	})
	return svc, nil
}

// --- Cached runs ---

// Fingerprint computes the query key for a research request.
func (svc *Service) Fingerprint(query, toolName string, toolConfig map[string]any, toolVersion string) (string, error) {
	return Fingerprint(query, toolName, toolConfig, toolVersion)
}

// GetCachedRun returns the freshest completed, unexpired run for a query
// key, or nil when a new run is needed.
func (svc *Service) GetCachedRun(ctx context.Context, queryKey string) (*Run, error) {
	if queryKey == "" {
		return nil, fmt.Errorf("%w: empty query key", ErrInvalidInput)
	}
	return svc.store.FreshCompletedRun(ctx, queryKey)
}

// ScheduleRun records a new versioned run for a query key.
func (svc *Service) ScheduleRun(ctx context.Context, req ScheduleRequest) (*Run, error) {
	if req.QueryKey == "" {
		return nil, fmt.Errorf("%w: empty query key", ErrInvalidInput)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = svc.config.Cache.DefaultTTL
	}
	r := &Run{
		ID:        svc.newID(),
		QueryKey:  req.QueryKey,
		EntityKey: req.EntityKey,
		TTLMs:     ttl.Milliseconds(),
	}
	if err := svc.store.ScheduleRun(ctx, r); err != nil {
		return nil, err
	}
	svc.logger.Info("run scheduled",
		"run_id", r.ID, "query_key", r.QueryKey, "version", r.Version,
		"caller", kit.GetCaller(ctx))
	return r, nil
}

// StartRun transitions a scheduled run to running and starts its TTL clock.
func (svc *Service) StartRun(ctx context.Context, runID string) error {
	return svc.store.StartRun(ctx, runID)
}

// FinishRun closes a running run as completed or failed. A failed run never
// serves as a cache hit; retry is a new ScheduleRun.
func (svc *Service) FinishRun(ctx context.Context, runID, status string, artifactCount int64, errMsg string) error {
	if status != RunCompleted && status != RunFailed {
		return fmt.Errorf("%w: finish status must be completed or failed, got %q", ErrInvalidInput, status)
	}
	if err := svc.store.FinishRun(ctx, runID, status, artifactCount, errMsg); err != nil {
		return err
	}
	svc.logger.Info("run finished", "run_id", runID, "status", status, "artifacts", artifactCount)
	return nil
}

// GetRun returns a run by ID.
func (svc *Service) GetRun(ctx context.Context, runID string) (*Run, error) {
	return svc.store.GetRun(ctx, runID)
}

// ListRuns returns a query key's runs, newest first.
func (svc *Service) ListRuns(ctx context.Context, queryKey string, limit int) ([]*Run, error) {
	return svc.store.ListRuns(ctx, queryKey, limit)
}

// --- Single-flight lock ---

// TryAcquireLock claims the right to execute a query. On success the
// returned nonce is the caller's proof of ownership for ReleaseLock. When
// another run holds the lock, the error matches ErrLockBusy and a
// *LockBusyError carries the in-flight run ID to piggyback on.
func (svc *Service) TryAcquireLock(ctx context.Context, queryKey, runID string) (string, error) {
	return svc.locks.TryAcquire(ctx, queryKey, runID)
}

// ReleaseLock releases a held lock with an outcome (completed or failed).
// Returns false without error when the nonce no longer owns the lock; a
// stale takeover already moved it on.
func (svc *Service) ReleaseLock(ctx context.Context, queryKey, nonce, outcome string) (bool, error) {
	return svc.locks.Release(ctx, queryKey, nonce, outcome)
}

// --- Artifacts and mentions ---

// RecordArtifact canonicalizes a discovered URL and records the sighting on
// its global identity. Returns the artifact and whether it was newly created.
func (svc *Service) RecordArtifact(ctx context.Context, in ArtifactInput) (*Artifact, bool, error) {
	canonical, err := CanonicalURL(in.URL)
	if err != nil {
		return nil, false, err
	}
	a := &Artifact{
		Key:          ArtifactKey(canonical),
		CanonicalURL: canonical,
		Domain:       RegistrableDomain(canonical),
		Title:        in.Title,
		Snippet:      in.Snippet,
		Thumbnail:    in.Thumbnail,
		ContentHash:  in.ContentHash,
	}
	created, err := svc.store.ResolveArtifact(ctx, a)
	if err != nil {
		return nil, false, err
	}
	return a, created, nil
}

// RecordMention appends one provenance fact to the mention log.
func (svc *Service) RecordMention(ctx context.Context, in MentionInput) (*Mention, error) {
	if in.ArtifactKey == "" || in.QueryKey == "" || in.RunID == "" {
		return nil, fmt.Errorf("%w: mention requires artifact_key, query_key and run_id", ErrInvalidInput)
	}
	m := &Mention{
		ID:          svc.newID(),
		ArtifactKey: in.ArtifactKey,
		QueryKey:    in.QueryKey,
		EntityKey:   in.EntityKey,
		SectionID:   in.SectionID,
		RunID:       in.RunID,
		Rank:        in.Rank,
		Score:       in.Score,
	}
	if err := svc.store.InsertMention(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MentionsForEntity returns recent mentions scoped to an entity. The
// unscoped sentinel is rejected.
func (svc *Service) MentionsForEntity(ctx context.Context, entityKey string, limit int) ([]*Mention, error) {
	return svc.store.MentionsForEntity(ctx, entityKey, limit)
}

// GetAggregate returns a day-bucketed rollup, or nil if absent.
func (svc *Service) GetAggregate(ctx context.Context, artifactKey, queryKey string, dayBucket int64) (*Aggregate, error) {
	return svc.store.GetAggregate(ctx, aggregate.AggKey(artifactKey, queryKey, dayBucket))
}

// PersistArtifact pushes one artifact write through the idempotent pipeline.
func (svc *Service) PersistArtifact(ctx context.Context, req PersistRequest) (*PersistOutcome, error) {
	if req.RunID == "" || req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: persist requires run_id and idempotency_key", ErrInvalidInput)
	}
	job := pipeline.Job{
		RunID:          req.RunID,
		IdempotencyKey: req.IdempotencyKey,
		Title:          req.Artifact.Title,
		Snippet:        req.Artifact.Snippet,
		Thumbnail:      req.Artifact.Thumbnail,
		ContentHash:    req.Artifact.ContentHash,
	}
	// Canonicalize up front; a URL that cannot be normalized still goes
	// through the pipeline so it is dead-lettered, not dropped.
	if canonical, err := CanonicalURL(req.Artifact.URL); err == nil {
		job.URL = canonical
		job.ArtifactKey = ArtifactKey(canonical)
	}
	out, err := svc.pipeline.Persist(ctx, job)
	if err != nil {
		return nil, err
	}
	return &PersistOutcome{
		ArtifactKey: job.ArtifactKey,
		Applied:     out.Applied,
		Skipped:     out.Skipped,
		DeadLetter:  out.DeadLetter,
		Attempts:    out.Attempts,
	}, nil
}

// --- Ops reads ---

// RunStats sums a run's sharded counters.
func (svc *Service) RunStats(ctx context.Context, runID string) (*RunStats, error) {
	return svc.store.RunStats(ctx, runID)
}

// ListDeadLetters returns recent dead letters, optionally filtered by
// category ("" means all).
func (svc *Service) ListDeadLetters(ctx context.Context, category string, limit int) ([]*DeadLetter, error) {
	return svc.store.ListDeadLetters(ctx, category, limit)
}

// CheckpointStatus reports both background cursors for health dashboards.
func (svc *Service) CheckpointStatus(ctx context.Context) (*CheckpointStatus, error) {
	comp, err := svc.store.GetCompactionCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	bf, err := svc.store.GetBackfillCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	return &CheckpointStatus{Compaction: comp, Backfill: bf}, nil
}

// --- Workers ---

// RunAggregator runs the mention fold worker until ctx is cancelled.
func (svc *Service) RunAggregator(ctx context.Context) error {
	return svc.aggregator.Run(ctx)
}

// FoldOnce folds one batch of pending mentions synchronously. Intended for
// tests and manual catch-up.
func (svc *Service) FoldOnce(ctx context.Context) (int, error) {
	return svc.aggregator.RunOnce(ctx)
}

// RunBackfill runs the historical migration worker until ctx is cancelled.
func (svc *Service) RunBackfill(ctx context.Context) error {
	return svc.backfiller.Run(ctx)
}

// BackfillOnce processes one backfill batch synchronously.
func (svc *Service) BackfillOnce(ctx context.Context) (int, error) {
	return svc.backfiller.RunOnce(ctx)
}

// PauseBackfill stops the backfill worker after its in-flight batch.
func (svc *Service) PauseBackfill(ctx context.Context) error {
	return svc.backfiller.Pause(ctx)
}

// ResumeBackfill lets a paused backfill worker continue.
func (svc *Service) ResumeBackfill(ctx context.Context) error {
	return svc.backfiller.Resume(ctx)
}

// ImportHistoricalRecord stages one per-run record for backfill.
func (svc *Service) ImportHistoricalRecord(ctx context.Context, rec *HistoricalRecord) error {
	if rec.RunID == "" || rec.Seq <= 0 || rec.URL == "" {
		return fmt.Errorf("%w: historical record requires run_id, positive seq and url", ErrInvalidInput)
	}
	return svc.store.InsertRunArtifact(ctx, rec)
}
