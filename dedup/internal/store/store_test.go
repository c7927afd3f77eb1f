package store

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"rcache/dbopen"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return New(db)
}

func TestScheduleRun_VersionMonotonicPerQueryKey(t *testing.T) {
	// WHAT: Each scheduled run gets previousVersion+1 for its query key.
	// WHY: Version is how a newer run supersedes the cached answer; reuse
	// would make two runs claim the same cache generation.
	s := newStore(t)
	ctx := context.Background()

	r1 := &Run{ID: "r1", QueryKey: "q1", TTLMs: 1000}
	r2 := &Run{ID: "r2", QueryKey: "q1", TTLMs: 1000}
	other := &Run{ID: "r3", QueryKey: "q2", TTLMs: 1000}

	for _, r := range []*Run{r1, r2, other} {
		if err := s.ScheduleRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if r1.Version != 1 || r2.Version != 2 {
		t.Fatalf("q1 versions: got %d, %d; want 1, 2", r1.Version, r2.Version)
	}
	if other.Version != 1 {
		t.Fatalf("q2 version: got %d, want 1", other.Version)
	}
}

func TestRunLifecycle_SortTsAndExpiry(t *testing.T) {
	// WHAT: sort_ts equals scheduled_at until StartRun overwrites it with the
	// real start time, and expires_at = started_at + ttl_ms.
	// WHY: Listings order by sort_ts because started_at is optional.
	s := newStore(t)
	ctx := context.Background()

	r := &Run{ID: "r1", QueryKey: "q1", TTLMs: 60_000}
	if err := s.ScheduleRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetRun(ctx, "r1")
	if got.SortTs != got.ScheduledAt {
		t.Fatalf("scheduled sort_ts: got %d, want %d", got.SortTs, got.ScheduledAt)
	}
	if got.ExpiresAt != nil {
		t.Fatal("expires_at should be unset before start")
	}

	if err := s.StartRun(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRun(ctx, "r1")
	if got.StartedAt == nil || got.SortTs != *got.StartedAt {
		t.Fatalf("started sort_ts: got %d, started_at %v", got.SortTs, got.StartedAt)
	}
	if got.ExpiresAt == nil || *got.ExpiresAt != *got.StartedAt+60_000 {
		t.Fatalf("expires_at: got %v, want started_at+60000", got.ExpiresAt)
	}

	if err := s.FinishRun(ctx, "r1", RunCompleted, 5, ""); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRun(ctx, "r1")
	if got.Status != RunCompleted || got.ArtifactCount != 5 || got.FinishedAt == nil {
		t.Fatalf("finished run: %+v", got)
	}
}

func TestStartRun_InvalidTransition(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.StartRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}

	r := &Run{ID: "r1", QueryKey: "q1", TTLMs: 1000}
	if err := s.ScheduleRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.StartRun(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	// Double start is rejected — the run is no longer scheduled.
	if err := s.StartRun(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double start, got: %v", err)
	}
}

func TestFreshCompletedRun_CacheHitAndExpiry(t *testing.T) {
	// WHAT: A completed run within TTL is a cache hit; an expired one is not.
	// WHY: This is the read path every worker consults before paying for a run.
	s := newStore(t)
	ctx := context.Background()

	r := &Run{ID: "r1", QueryKey: "q1", TTLMs: 60_000}
	if err := s.ScheduleRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.StartRun(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, "r1", RunCompleted, 5, ""); err != nil {
		t.Fatal(err)
	}

	hit, err := s.FreshCompletedRun(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil || hit.ID != "r1" {
		t.Fatalf("expected cache hit on r1, got: %+v", hit)
	}

	// Force expiry and check the hit disappears.
	if _, err := s.DB.Exec(`UPDATE research_runs SET expires_at = ? WHERE id = 'r1'`,
		time.Now().UnixMilli()-1); err != nil {
		t.Fatal(err)
	}
	hit, err = s.FreshCompletedRun(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Fatalf("expected expired run to miss, got: %+v", hit)
	}
}

func TestFreshCompletedRun_IgnoresFailedRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r := &Run{ID: "r1", QueryKey: "q1", TTLMs: 60_000}
	if err := s.ScheduleRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.StartRun(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, "r1", RunFailed, 0, "upstream timeout"); err != nil {
		t.Fatal(err)
	}

	hit, err := s.FreshCompletedRun(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Fatalf("failed run must not serve as cache hit: %+v", hit)
	}
}

func TestResolveArtifact_IdempotentOnIdentity(t *testing.T) {
	// WHAT: Resolving the same artifact key twice never creates two rows and
	// seen_count increases monotonically.
	// WHY: Content-addressed identity is the load-bearing dedup guarantee.
	s := newStore(t)
	ctx := context.Background()

	a := &Artifact{Key: "k1", CanonicalURL: "https://example.com/a", Domain: "example.com", Title: "A"}
	created, err := s.ResolveArtifact(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if !created || a.SeenCount != 1 {
		t.Fatalf("first sighting: created=%v count=%d", created, a.SeenCount)
	}

	again := &Artifact{Key: "k1", CanonicalURL: "https://example.com/a", ContentHash: "h2"}
	created, err = s.ResolveArtifact(ctx, again)
	if err != nil {
		t.Fatal(err)
	}
	if created || again.SeenCount != 2 {
		t.Fatalf("second sighting: created=%v count=%d", created, again.SeenCount)
	}

	n, _ := s.CountArtifacts(ctx)
	if n != 1 {
		t.Fatalf("artifact rows: got %d, want 1", n)
	}

	got, _ := s.GetArtifact(ctx, "k1")
	if got.ContentHash != "h2" {
		t.Fatalf("content_hash not refreshed: %q", got.ContentHash)
	}
	if got.Title != "A" {
		t.Fatalf("best-known title lost: %q", got.Title)
	}
}

func TestPatchArtifact_RevisionConflict(t *testing.T) {
	// WHAT: A patch conditioned on a stale revision is rejected.
	// WHY: OCC is the write discipline for shared artifact rows.
	s := newStore(t)
	ctx := context.Background()

	a := &Artifact{Key: "k1", CanonicalURL: "https://example.com/a"}
	if _, err := s.ResolveArtifact(ctx, a); err != nil {
		t.Fatal(err)
	}

	ok, err := s.PatchArtifact(ctx, "k1", 1, ArtifactPatch{Title: "first"})
	if err != nil || !ok {
		t.Fatalf("patch at rev 1: ok=%v err=%v", ok, err)
	}

	// Same revision again — conflict.
	ok, err = s.PatchArtifact(ctx, "k1", 1, ArtifactPatch{Title: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale revision must conflict")
	}

	got, _ := s.GetArtifact(ctx, "k1")
	if got.Title != "first" || got.Revision != 2 {
		t.Fatalf("artifact after conflict: title=%q rev=%d", got.Title, got.Revision)
	}
}

func TestMentionsForEntity_RejectsSentinel(t *testing.T) {
	// WHAT: The entity-scoped read path rejects the "" sentinel outright.
	// WHY: Sentinel lookups would funnel all unscoped traffic into one
	// index partition.
	s := newStore(t)
	if _, err := s.MentionsForEntity(context.Background(), "", 10); !errors.Is(err, ErrUnscopedEntity) {
		t.Fatalf("expected ErrUnscopedEntity, got: %v", err)
	}
}

func TestFoldMention_IdempotentAndCommutative(t *testing.T) {
	// WHAT: Folding the same mention twice changes nothing; folds from
	// different mentions accumulate counts and take the best (lowest) rank.
	// WHY: The aggregator may reprocess a batch after a crash; double
	// counting would corrupt the rollups.
	s := newStore(t)
	ctx := context.Background()

	m1 := &Mention{ID: "m1", ArtifactKey: "k1", QueryKey: "q1", RunID: "r1", Rank: 3, SeenAt: 1000}
	m2 := &Mention{ID: "m2", ArtifactKey: "k1", QueryKey: "q1", RunID: "r1", Rank: 1, SeenAt: 2000}
	for _, m := range []*Mention{m1, m2} {
		if err := s.InsertMention(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	const agg = "agg1"
	for i := 0; i < 3; i++ { // replay m1 three times
		if _, err := s.FoldMention(ctx, agg, m1, 0); err != nil {
			t.Fatal(err)
		}
	}
	folded, err := s.FoldMention(ctx, agg, m2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !folded {
		t.Fatal("m2 should fold")
	}

	a, err := s.GetAggregate(ctx, agg)
	if err != nil {
		t.Fatal(err)
	}
	if a.MentionCount != 2 {
		t.Fatalf("mention_count: got %d, want 2", a.MentionCount)
	}
	if a.BestRank == nil || *a.BestRank != 1 {
		t.Fatalf("best_rank: got %v, want 1", a.BestRank)
	}
	if a.FirstSeenAt != 1000 || a.LastSeenAt != 2000 {
		t.Fatalf("seen bounds: %d..%d", a.FirstSeenAt, a.LastSeenAt)
	}
}

func TestPurgeFoldedMentions_KeepsUnfolded(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	folded := &Mention{ID: "m1", ArtifactKey: "k1", QueryKey: "q1", RunID: "r1", SeenAt: 1000}
	pending := &Mention{ID: "m2", ArtifactKey: "k1", QueryKey: "q1", RunID: "r1", SeenAt: 1000}
	for _, m := range []*Mention{folded, pending} {
		if err := s.InsertMention(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.FoldMention(ctx, "agg1", folded, 0); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeFoldedMentions(ctx, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged: got %d, want 1", n)
	}
	left, _ := s.CountMentions(ctx)
	if left != 1 {
		t.Fatalf("remaining mentions: got %d, want 1 (the unfolded one)", left)
	}
}

func TestClaimJob_DoneShortCircuits(t *testing.T) {
	// WHAT: A done job cannot be re-claimed; a failed one can.
	// WHY: Exactly-once application under retries hinges on the done check.
	s := newStore(t)
	ctx := context.Background()

	claimed, attempts, err := s.ClaimJob(ctx, "r1", "k1")
	if err != nil || !claimed || attempts != 1 {
		t.Fatalf("first claim: claimed=%v attempts=%d err=%v", claimed, attempts, err)
	}

	claimed, attempts, err = s.ClaimJob(ctx, "r1", "k1")
	if err != nil || !claimed || attempts != 2 {
		t.Fatalf("retry claim: claimed=%v attempts=%d err=%v", claimed, attempts, err)
	}

	if err := s.FinishJob(ctx, "r1", "k1", JobDone); err != nil {
		t.Fatal(err)
	}
	claimed, _, err = s.ClaimJob(ctx, "r1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Fatal("done job must not be claimable")
	}

	// A failed job is claimable again.
	if _, _, err := s.ClaimJob(ctx, "r1", "k2"); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishJob(ctx, "r1", "k2", JobFailed); err != nil {
		t.Fatal(err)
	}
	claimed, attempts, err = s.ClaimJob(ctx, "r1", "k2")
	if err != nil || !claimed || attempts != 2 {
		t.Fatalf("claim after failure: claimed=%v attempts=%d err=%v", claimed, attempts, err)
	}
}

func TestRunStats_SumsAcrossShards(t *testing.T) {
	// WHAT: RunStats fans in across shard rows.
	// WHY: Stats are sharded to avoid a hot row; reads must re-assemble them.
	s := newStore(t)
	ctx := context.Background()

	if err := s.BumpShard(ctx, "r1", 0, ShardDelta{JobsScheduled: 2, ArtifactsInserted: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.BumpShard(ctx, "r1", 3, ShardDelta{JobsScheduled: 1, OCCRetries: 2, ArtifactsPatched: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.BumpShard(ctx, "r1", 3, ShardDelta{NoopsSkipped: 1}); err != nil {
		t.Fatal(err)
	}
	// Another run's shard must not leak in.
	if err := s.BumpShard(ctx, "r2", 0, ShardDelta{DeadLetters: 9}); err != nil {
		t.Fatal(err)
	}

	st, err := s.RunStats(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Shards != 2 || st.JobsScheduled != 3 || st.OCCRetries != 2 ||
		st.ArtifactsInserted != 1 || st.ArtifactsPatched != 1 || st.NoopsSkipped != 1 || st.DeadLetters != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestDeadLetters_RoundTripAndFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	dls := []*DeadLetter{
		{ID: "d1", RunID: "r1", IdempotencyKey: "k1", Category: "VALIDATION", Error: "no url", SampleURLs: []string{"https://bad"}},
		{ID: "d2", RunID: "r1", IdempotencyKey: "k2", Category: "UNKNOWN", Error: "boom"},
	}
	for _, dl := range dls {
		if err := s.InsertDeadLetter(ctx, dl); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListDeadLetters(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all: got %d", len(all))
	}

	val, err := s.ListDeadLetters(ctx, "VALIDATION", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(val) != 1 || val[0].ID != "d1" || len(val[0].SampleURLs) != 1 {
		t.Fatalf("filtered: %+v", val)
	}
}

func TestCompactionCheckpoint_MonotonicAdvance(t *testing.T) {
	// WHAT: The cursor never moves backward, even if a replayed batch reports
	// an older boundary.
	// WHY: A backslide would re-open already-purged ground.
	s := newStore(t)
	ctx := context.Background()

	if err := s.AdvanceCompactionCheckpoint(ctx, 5000, "m9", 10); err != nil {
		t.Fatal(err)
	}
	if err := s.AdvanceCompactionCheckpoint(ctx, 3000, "zz", 2); err != nil {
		t.Fatal(err)
	}

	cp, err := s.GetCompactionCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cp.LastProcessedAt != 5000 || cp.LastProcessedID != "m9" {
		t.Fatalf("older boundary moved the cursor: %+v", cp)
	}
	if cp.FoldedCount != 12 {
		t.Fatalf("folded_count: got %d, want 12", cp.FoldedCount)
	}

	// Same timestamp: the id tiebreak decides, in both directions.
	if err := s.AdvanceCompactionCheckpoint(ctx, 5000, "m2", 0); err != nil {
		t.Fatal(err)
	}
	cp, _ = s.GetCompactionCheckpoint(ctx)
	if cp.LastProcessedID != "m9" {
		t.Fatalf("smaller id at same timestamp moved the cursor: %+v", cp)
	}
	if err := s.AdvanceCompactionCheckpoint(ctx, 5000, "ma", 0); err != nil {
		t.Fatal(err)
	}
	cp, _ = s.GetCompactionCheckpoint(ctx)
	if cp.LastProcessedAt != 5000 || cp.LastProcessedID != "ma" {
		t.Fatalf("larger id at same timestamp did not advance: %+v", cp)
	}
}

func TestRunArtifactsAfter_CursorOrder(t *testing.T) {
	// WHAT: Iteration strictly follows (run_id, seq) past the cursor.
	// WHY: The backfill cursor must neither skip nor repeat records.
	s := newStore(t)
	ctx := context.Background()

	seed := []*RunArtifact{
		{RunID: "ra", Seq: 1, URL: "https://a/1"},
		{RunID: "ra", Seq: 2, URL: "https://a/2"},
		{RunID: "rb", Seq: 1, URL: "https://b/1"},
	}
	for _, ra := range seed {
		if err := s.InsertRunArtifact(ctx, ra); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.RunArtifactsAfter(ctx, "ra", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].URL != "https://a/2" || got[1].URL != "https://b/1" {
		t.Fatalf("cursor iteration: %+v", got)
	}

	got, err = s.RunArtifactsAfter(ctx, "", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].URL != "https://a/1" {
		t.Fatalf("from origin: %+v", got)
	}
}
