// CLAUDE:SUMMARY Public type surface: aliases over the internal store rows plus request/status structs for the service API.
package dedup

import (
	"time"

	"rcache/dedup/internal/store"
)

// Rows returned by the service are the store's structs verbatim; the store
// is internal only so its write paths stay behind the service methods.
type (
	Run        = store.Run
	Artifact   = store.Artifact
	Mention    = store.Mention
	Aggregate  = store.Aggregate
	RunStats   = store.RunStats
	DeadLetter = store.DeadLetter
)

// Run statuses.
const (
	RunScheduled = store.RunScheduled
	RunRunning   = store.RunRunning
	RunCompleted = store.RunCompleted
	RunFailed    = store.RunFailed
)

// ScheduleRequest describes a run to schedule.
type ScheduleRequest struct {
	QueryKey  string
	EntityKey string
	TTL       time.Duration // zero means the configured default
}

// ArtifactInput is a discovered content item in raw form.
type ArtifactInput struct {
	URL         string
	Title       string
	Snippet     string
	Thumbnail   string
	ContentHash string
}

// MentionInput records that an artifact surfaced for a query.
type MentionInput struct {
	ArtifactKey string
	QueryKey    string
	EntityKey   string
	SectionID   string
	RunID       string
	Rank        int64
	Score       float64
}

// PersistRequest is one idempotent write through the pipeline.
type PersistRequest struct {
	RunID          string
	IdempotencyKey string
	Artifact       ArtifactInput
}

// PersistOutcome reports where a persist landed.
type PersistOutcome struct {
	ArtifactKey string `json:"artifact_key"`
	Applied     bool   `json:"applied"`
	Skipped     bool   `json:"skipped"`
	DeadLetter  string `json:"dead_letter,omitempty"`
	Attempts    int64  `json:"attempts"`
}

// CheckpointStatus is the combined progress view for health dashboards.
type CheckpointStatus struct {
	Compaction *store.CompactionCheckpoint `json:"compaction"`
	Backfill   *store.BackfillCheckpoint   `json:"backfill"`
}

// HistoricalRecord is one per-run artifact record awaiting backfill.
type HistoricalRecord = store.RunArtifact
