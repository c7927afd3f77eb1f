package qlock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"rcache/dbopen"
	"rcache/qlock"
)

func newManager(t *testing.T, opts qlock.Options) *qlock.Manager {
	t.Helper()
	db := dbopen.OpenMemory(t)
	m := qlock.New(db, opts)
	if err := m.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTryAcquire_Fresh(t *testing.T) {
	m := newManager(t, qlock.Options{})
	ctx := context.Background()

	nonce, err := m.TryAcquire(ctx, "q1", "runA")
	if err != nil {
		t.Fatal(err)
	}
	if nonce == "" {
		t.Fatal("expected a nonce")
	}

	l, err := m.Get(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if l == nil || l.Status != qlock.StatusRunning || l.RunID != "runA" {
		t.Fatalf("unexpected lock state: %+v", l)
	}
}

func TestTryAcquire_BusyReportsInFlightRun(t *testing.T) {
	// WHAT: A second acquire against a fresh running lock fails with ErrBusy
	// and names the run holding the lock.
	// WHY: Callers collapse onto the in-flight run instead of duplicating work.
	m := newManager(t, qlock.Options{})
	ctx := context.Background()

	if _, err := m.TryAcquire(ctx, "q1", "runA"); err != nil {
		t.Fatal(err)
	}

	_, err := m.TryAcquire(ctx, "q1", "runB")
	if !errors.Is(err, qlock.ErrBusy) {
		t.Fatalf("expected ErrBusy, got: %v", err)
	}
	var busy *qlock.BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected *BusyError, got: %T", err)
	}
	if busy.InFlightRunID != "runA" {
		t.Fatalf("in-flight run: got %q, want runA", busy.InFlightRunID)
	}
}

func TestTryAcquire_StaleTakeover(t *testing.T) {
	// WHAT: A running lock older than its staleness budget can be acquired.
	// WHY: A crashed holder must not block a query key forever.
	m := newManager(t, qlock.Options{StaleAfter: 10 * time.Millisecond})
	ctx := context.Background()

	if _, err := m.TryAcquire(ctx, "q1", "runA"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)

	nonce, err := m.TryAcquire(ctx, "q1", "runB")
	if err != nil {
		t.Fatalf("expected takeover, got: %v", err)
	}
	if nonce == "" {
		t.Fatal("expected a nonce")
	}

	l, _ := m.Get(ctx, "q1")
	if l.RunID != "runB" {
		t.Fatalf("holder: got %q, want runB", l.RunID)
	}
}

func TestRelease_NonceGated(t *testing.T) {
	// WHAT: Release with a superseded nonce is a no-op; the new holder's row stands.
	// WHY: A preempted releaser must not clobber a takeover's result.
	m := newManager(t, qlock.Options{StaleAfter: 10 * time.Millisecond})
	ctx := context.Background()

	oldNonce, err := m.TryAcquire(ctx, "q1", "runA")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, err := m.TryAcquire(ctx, "q1", "runB"); err != nil {
		t.Fatal(err)
	}

	ok, err := m.Release(ctx, "q1", oldNonce, qlock.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale release should be a no-op")
	}

	l, _ := m.Get(ctx, "q1")
	if l.Status != qlock.StatusRunning || l.RunID != "runB" {
		t.Fatalf("takeover clobbered: %+v", l)
	}
}

func TestRelease_ThenReacquire(t *testing.T) {
	m := newManager(t, qlock.Options{})
	ctx := context.Background()

	nonce, err := m.TryAcquire(ctx, "q1", "runA")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := m.Release(ctx, "q1", nonce, qlock.StatusCompleted)
	if err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}

	// Completed lock — next run may acquire immediately.
	if _, err := m.TryAcquire(ctx, "q1", "runB"); err != nil {
		t.Fatalf("reacquire after completion: %v", err)
	}
}

func TestRelease_InvalidOutcome(t *testing.T) {
	m := newManager(t, qlock.Options{})
	if _, err := m.Release(context.Background(), "q1", "n", "scheduled"); err == nil {
		t.Fatal("expected error for invalid outcome")
	}
}

func TestTryAcquire_ConcurrentSingleWinner(t *testing.T) {
	// WHAT: Many concurrent acquisitions for the same key produce exactly one winner.
	// WHY: Single-flight is the correctness backbone of the dedup layer.
	m := newManager(t, qlock.Options{})
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nonce, err := m.TryAcquire(ctx, "q1", "run")
			if err == nil {
				wins <- nonce
				return
			}
			if !errors.Is(err, qlock.ErrBusy) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("winners: got %d, want 1", count)
	}
}
