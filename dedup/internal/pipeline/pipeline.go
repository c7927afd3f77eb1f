// CLAUDE:SUMMARY Idempotent write pipeline: job claim, validation + sanitization, bounded OCC patch loop, sharded counters, categorized dead letters.
// Package pipeline applies artifact writes exactly once per idempotency key.
//
// Every outcome is accounted for: a job either lands as an insert/patch, is
// skipped because it already landed, or is dead-lettered with a category.
// Nothing is dropped silently.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"rcache/dedup/internal/store"
	"rcache/idgen"
)

// Dead-letter categories. The category names the stage that gave up.
const (
	CategoryOCCConflict = "OCC_CONFLICT"
	CategoryValidation  = "VALIDATION"
	CategoryExtractor   = "EXTRACTOR"
	CategoryScheduler   = "SCHEDULER"
	CategoryUnknown     = "UNKNOWN"
)

// Validation limits. Oversized fields usually mean a broken extractor
// upstream, so they dead-letter rather than truncate silently.
const (
	maxURLLen     = 2048
	maxTitleLen   = 512
	maxSnippetLen = 4096
)

// Job is one artifact write to apply. ArtifactKey and URL are expected in
// their canonical forms; the pipeline does not re-normalize.
type Job struct {
	RunID          string
	IdempotencyKey string
	ArtifactKey    string
	URL            string
	Title          string
	Snippet        string
	Thumbnail      string
	ContentHash    string
}

// Outcome reports where a job landed.
type Outcome struct {
	Applied    bool // inserted or patched
	Skipped    bool // already done under this idempotency key
	DeadLetter string
	Attempts   int64
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	store          *store.Store
	shards         int
	occMaxAttempts int
	sanitizer      *bluemonday.Policy
	logger         *slog.Logger
	newID          func() string

	// beforePatch, when set, runs between the revision read and the patch
	// attempt. Tests use it to interleave a competing writer.
	beforePatch func(attempt int)
}

// Options configures a Pipeline. Zero values fall back to defaults.
type Options struct {
	Shards         int
	OCCMaxAttempts int
	Logger         *slog.Logger
}

// New creates a Pipeline over the given store.
func New(s *store.Store, opts Options) *Pipeline {
	if opts.Shards <= 0 {
		opts.Shards = 8
	}
	if opts.OCCMaxAttempts <= 0 {
		opts.OCCMaxAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		store:          s,
		shards:         opts.Shards,
		occMaxAttempts: opts.OCCMaxAttempts,
		sanitizer:      bluemonday.StrictPolicy(),
		logger:         opts.Logger,
		newID:          idgen.Prefixed("dl_", idgen.Default),
	}
}

// shardFor routes an idempotency key to a stats shard. The modulo happens in
// uint32 so a high hash bit cannot produce a negative shard on 32-bit ints.
func (p *Pipeline) shardFor(idemKey string) int {
	h := fnv.New32a()
	h.Write([]byte(idemKey))
	return int(h.Sum32() % uint32(p.shards))
}

// Persist applies one job. Re-invocations with the same (runID,
// idempotencyKey) after success are no-ops counted as noops_skipped; retries
// after failure re-run the work under the same key.
func (p *Pipeline) Persist(ctx context.Context, job Job) (Outcome, error) {
	shard := p.shardFor(job.IdempotencyKey)

	claimed, attempts, err := p.store.ClaimJob(ctx, job.RunID, job.IdempotencyKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		if err := p.store.BumpShard(ctx, job.RunID, shard, store.ShardDelta{NoopsSkipped: 1}); err != nil {
			return Outcome{}, err
		}
		p.logger.Debug("persist no-op, already done",
			"run_id", job.RunID, "idempotency_key", job.IdempotencyKey)
		return Outcome{Skipped: true}, nil
	}
	if attempts == 1 {
		if err := p.store.BumpShard(ctx, job.RunID, shard, store.ShardDelta{JobsScheduled: 1}); err != nil {
			return Outcome{}, err
		}
	}

	if reason := p.validate(&job); reason != "" {
		return p.deadLetter(ctx, job, shard, attempts, CategoryValidation, reason)
	}

	out, err := p.apply(ctx, job, shard)
	if err != nil {
		return Outcome{}, err
	}
	out.Attempts = attempts
	if out.DeadLetter != "" {
		return out, nil
	}

	if err := p.store.FinishJob(ctx, job.RunID, job.IdempotencyKey, store.JobDone); err != nil {
		return Outcome{}, fmt.Errorf("finish job: %w", err)
	}
	return out, nil
}

// validate returns a rejection reason, or "" when the job is acceptable.
// Sanitization happens here too: snippets and titles are reduced to plain
// text before any length check, so markup alone cannot trip the limits.
func (p *Pipeline) validate(job *Job) string {
	if job.ArtifactKey == "" {
		return "missing artifact key"
	}
	if job.URL == "" {
		return "missing url"
	}
	if len(job.URL) > maxURLLen {
		return fmt.Sprintf("url exceeds %d bytes", maxURLLen)
	}
	// The key must be the hash of the URL. An inconsistent pair would either
	// attach this URL's metadata to a foreign identity or collide with the
	// canonical_url uniqueness in the store; reject it here so the failure is
	// a categorized dead letter, not a raw constraint error.
	if sum := sha256.Sum256([]byte(job.URL)); hex.EncodeToString(sum[:]) != job.ArtifactKey {
		return "artifact key is not the hash of the url"
	}
	job.Title = strings.TrimSpace(p.sanitizer.Sanitize(job.Title))
	job.Snippet = strings.TrimSpace(p.sanitizer.Sanitize(job.Snippet))
	if len(job.Title) > maxTitleLen {
		return fmt.Sprintf("title exceeds %d bytes", maxTitleLen)
	}
	if len(job.Snippet) > maxSnippetLen {
		return fmt.Sprintf("snippet exceeds %d bytes", maxSnippetLen)
	}
	return ""
}

// apply resolves the artifact row and patches it under OCC with a bounded
// retry budget. Exhausting the budget dead-letters the job; concurrent
// writers converging on the same row is the expected cause.
func (p *Pipeline) apply(ctx context.Context, job Job, shard int) (Outcome, error) {
	a := &store.Artifact{
		Key:          job.ArtifactKey,
		CanonicalURL: job.URL,
		ContentHash:  job.ContentHash,
	}
	created, err := p.store.ResolveArtifact(ctx, a)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve artifact: %w", err)
	}
	if created {
		if err := p.store.BumpShard(ctx, job.RunID, shard, store.ShardDelta{ArtifactsInserted: 1}); err != nil {
			return Outcome{}, err
		}
	}

	patch := store.ArtifactPatch{
		Title:       job.Title,
		Snippet:     job.Snippet,
		Thumbnail:   job.Thumbnail,
		ContentHash: job.ContentHash,
	}
	if patch == (store.ArtifactPatch{}) {
		return Outcome{Applied: true}, nil
	}

	for attempt := 1; attempt <= p.occMaxAttempts; attempt++ {
		current, err := p.store.GetArtifact(ctx, a.Key)
		if err != nil {
			return Outcome{}, fmt.Errorf("read artifact for patch: %w", err)
		}
		if p.beforePatch != nil {
			p.beforePatch(attempt)
		}
		applied, err := p.store.PatchArtifact(ctx, a.Key, current.Revision, patch)
		if err != nil {
			return Outcome{}, fmt.Errorf("patch artifact: %w", err)
		}
		if applied {
			if err := p.store.BumpShard(ctx, job.RunID, shard, store.ShardDelta{ArtifactsPatched: 1}); err != nil {
				return Outcome{}, err
			}
			return Outcome{Applied: true}, nil
		}
		if err := p.store.BumpShard(ctx, job.RunID, shard, store.ShardDelta{OCCRetries: 1}); err != nil {
			return Outcome{}, err
		}
		p.logger.Debug("patch revision conflict, retrying",
			"artifact_key", a.Key, "attempt", attempt)
	}

	out, err := p.deadLetter(ctx, job, shard, 0, CategoryOCCConflict,
		fmt.Sprintf("revision conflict persisted across %d attempts", p.occMaxAttempts))
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// deadLetter records a terminal failure and marks the job failed. The job
// stays claimable so a later retry under the same key can still succeed.
func (p *Pipeline) deadLetter(ctx context.Context, job Job, shard int, attempts int64, category, reason string) (Outcome, error) {
	dl := &store.DeadLetter{
		ID:             p.newID(),
		RunID:          job.RunID,
		IdempotencyKey: job.IdempotencyKey,
		Category:       category,
		Error:          reason,
	}
	if job.URL != "" {
		dl.SampleURLs = []string{job.URL}
	}
	if err := p.store.InsertDeadLetter(ctx, dl); err != nil {
		return Outcome{}, fmt.Errorf("insert dead letter: %w", err)
	}
	if err := p.store.BumpShard(ctx, job.RunID, shard, store.ShardDelta{DeadLetters: 1}); err != nil {
		return Outcome{}, err
	}
	if err := p.store.FinishJob(ctx, job.RunID, job.IdempotencyKey, store.JobFailed); err != nil {
		return Outcome{}, fmt.Errorf("finish job: %w", err)
	}
	p.logger.Warn("job dead-lettered",
		"run_id", job.RunID, "idempotency_key", job.IdempotencyKey,
		"category", category, "reason", reason)
	return Outcome{DeadLetter: category, Attempts: attempts}, nil
}
