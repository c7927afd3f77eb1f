package idgen

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7_TimeSortable(t *testing.T) {
	// WHAT: IDs generated later sort lexically after IDs generated earlier.
	// WHY: Backfill iterates run_artifacts ORDER BY run_id — creation order
	// must match lexical order or the cursor would skip records.
	gen := UUIDv7()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, gen())
		time.Sleep(2 * time.Millisecond)
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("ids not time-sorted: %v", ids)
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("run_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "run_")); err != nil {
		t.Fatalf("suffix not a UUID: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}
