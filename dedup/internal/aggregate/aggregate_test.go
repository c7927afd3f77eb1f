package aggregate

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"rcache/dbopen"
	"rcache/dedup/internal/store"
)

func newAggregator(t *testing.T, opts Options) (*Aggregator, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	s := store.New(db)
	return New(s, opts), s
}

func seedMention(t *testing.T, s *store.Store, id string, rank, seenAt int64) *store.Mention {
	t.Helper()
	m := &store.Mention{
		ID: id, ArtifactKey: "k1", QueryKey: "q1", RunID: "r1",
		Rank: rank, SeenAt: seenAt,
	}
	if err := s.InsertMention(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDayBucket(t *testing.T) {
	if DayBucket(0) != 0 || DayBucket(msPerDay-1) != 0 || DayBucket(msPerDay) != 1 {
		t.Fatal("bucket boundaries wrong")
	}
}

func TestAggKey_GroupsByArtifactQueryDay(t *testing.T) {
	base := AggKey("k1", "q1", 100)
	if AggKey("k1", "q1", 100) != base {
		t.Error("same inputs diverged")
	}
	for _, other := range []string{
		AggKey("k2", "q1", 100),
		AggKey("k1", "q2", 100),
		AggKey("k1", "q1", 101),
	} {
		if other == base {
			t.Error("distinct inputs collided")
		}
	}
}

func TestRunOnce_FoldsAndAdvancesCheckpoint(t *testing.T) {
	// WHAT: One pass folds every pending mention and moves the cursor.
	// WHY: The cursor is what keeps steady-state work O(new mentions)
	// instead of O(log).
	a, s := newAggregator(t, Options{BatchSize: 10})
	ctx := context.Background()

	day0 := int64(1000)
	day1 := int64(msPerDay + 1000)
	seedMention(t, s, "m1", 3, day0)
	seedMention(t, s, "m2", 1, day0+500)
	seedMention(t, s, "m3", 2, day1) // next day, separate rollup

	n, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("scanned: got %d, want 3", n)
	}

	agg, err := s.GetAggregate(ctx, AggKey("k1", "q1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if agg.MentionCount != 2 || agg.BestRank == nil || *agg.BestRank != 1 {
		t.Fatalf("day-0 aggregate: %+v", agg)
	}
	if agg.FirstSeenAt != day0 || agg.LastSeenAt != day0+500 {
		t.Fatalf("day-0 seen bounds: %+v", agg)
	}

	next, err := s.GetAggregate(ctx, AggKey("k1", "q1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if next.MentionCount != 1 {
		t.Fatalf("day-1 aggregate: %+v", next)
	}

	cp, err := s.GetCompactionCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cp.LastProcessedAt != day1 || cp.LastProcessedID != "m3" || cp.FoldedCount != 3 {
		t.Fatalf("checkpoint: %+v", cp)
	}
}

func TestRunOnce_ReplayIsNoop(t *testing.T) {
	// WHAT: Folding the same log twice equals folding it once.
	// WHY: A crash between fold and checkpoint advance replays the batch.
	a, s := newAggregator(t, Options{BatchSize: 10})
	ctx := context.Background()

	seedMention(t, s, "m1", 2, 1000)
	seedMention(t, s, "m2", 1, 2000)

	if _, err := a.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	// Drag the cursor back, as if the advance had been lost.
	if _, err := s.DB.Exec(`UPDATE compaction_checkpoint SET last_processed_at = 0, last_processed_id = ''`); err != nil {
		t.Fatal(err)
	}
	if _, err := a.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	agg, err := s.GetAggregate(ctx, AggKey("k1", "q1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if agg.MentionCount != 2 {
		t.Fatalf("replay double-counted: %+v", agg)
	}
	cp, _ := s.GetCompactionCheckpoint(ctx)
	if cp.FoldedCount != 2 {
		t.Fatalf("folded_count after replay: %d, want 2", cp.FoldedCount)
	}
}

func TestRunOnce_SameMillisecondStragglerNotSkipped(t *testing.T) {
	// WHAT: A mention logged at the checkpoint's exact timestamp after the
	// batch was folded is still picked up by the next pass.
	a, s := newAggregator(t, Options{BatchSize: 10})
	ctx := context.Background()

	seedMention(t, s, "m1", 1, 5000)
	if _, err := a.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	seedMention(t, s, "m2", 1, 5000) // straggler, same millisecond
	if _, err := a.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	agg, err := s.GetAggregate(ctx, AggKey("k1", "q1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if agg.MentionCount != 2 {
		t.Fatalf("straggler lost: %+v", agg)
	}
}

func TestRunOnce_PagesThroughSameMillisecondTieSet(t *testing.T) {
	// WHAT: A run of mentions sharing one timestamp, wider than a batch, is
	// fully folded across successive passes.
	// WHY: Bulk imports stamp whole batches in the same millisecond; a cursor
	// on timestamp alone would rescan the same folded head forever and the
	// tail would starve.
	a, s := newAggregator(t, Options{BatchSize: 2})
	ctx := context.Background()

	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, id := range ids {
		seedMention(t, s, id, 1, 7000)
	}

	for i := 0; i < len(ids); i++ {
		n, err := a.RunOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
	}

	agg, err := s.GetAggregate(ctx, AggKey("k1", "q1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if agg.MentionCount != int64(len(ids)) {
		t.Fatalf("tie set starved: folded %d of %d", agg.MentionCount, len(ids))
	}
	cp, _ := s.GetCompactionCheckpoint(ctx)
	if cp.LastProcessedAt != 7000 || cp.LastProcessedID != "m5" {
		t.Fatalf("checkpoint: %+v", cp)
	}
}

func TestRunOnce_EmptyLogIsQuiet(t *testing.T) {
	a, s := newAggregator(t, Options{})
	n, err := a.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("scanned %d on empty log", n)
	}
	cp, _ := s.GetCompactionCheckpoint(context.Background())
	if cp.LastProcessedAt != 0 {
		t.Fatalf("checkpoint moved on empty log: %+v", cp)
	}
}

func TestSweep_PurgesOnlyFoldedAndOld(t *testing.T) {
	// WHAT: The sweep removes folded mentions past retention and nothing else.
	// WHY: The mention log is provenance; rows may only go once their
	// contribution is safely in an aggregate.
	a, s := newAggregator(t, Options{Retention: time.Hour, BatchSize: 10})
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	seedMention(t, s, "m-old-folded", 1, old)
	seedMention(t, s, "m-recent", 1, time.Now().UnixMilli())

	if _, err := a.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// An old mention that never got folded must survive.
	unfolded := &store.Mention{ID: "m-old-unfolded", ArtifactKey: "k9", QueryKey: "q9", RunID: "r1", SeenAt: old}
	if err := s.InsertMention(ctx, unfolded); err != nil {
		t.Fatal(err)
	}

	n, err := a.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged: got %d, want 1", n)
	}
	left, _ := s.CountMentions(ctx)
	if left != 2 {
		t.Fatalf("remaining: got %d, want 2", left)
	}
}
