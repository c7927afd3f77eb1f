package dbopen_test

import (
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"rcache/dbopen"
)

func TestOpenMemory_SameDatabaseAcrossQueries(t *testing.T) {
	// WHAT: OpenMemory pins the pool to one connection so all queries see one DB.
	// WHY: Each new connection to ":memory:" would otherwise get a fresh, empty DB.
	db := dbopen.OpenMemory(t)

	if _, err := db.Exec(`CREATE TABLE t (v INTEGER)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO t (v) VALUES (42)`); err != nil {
		t.Fatal(err)
	}

	var v int
	if err := db.QueryRow(`SELECT v FROM t`).Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Fatalf("got %d, want 42", v)
	}
}

func TestOpen_AppliesSchema(t *testing.T) {
	// WHAT: WithSchema executes queued DDL after the pragmas.
	// WHY: Callers rely on Open returning a ready-to-use database.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE s (id TEXT PRIMARY KEY)`))

	if _, err := db.Exec(`INSERT INTO s (id) VALUES ('a')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestOpen_MkdirAll(t *testing.T) {
	// WHAT: WithMkdirAll creates missing parent directories.
	// WHY: First deployment on a fresh host has no data directory yet.
	path := filepath.Join(t.TempDir(), "nested", "deep", "rcache.db")

	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open with mkdir: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode: got %q, want wal", mode)
	}
}

func TestOpen_BadDriverFails(t *testing.T) {
	// WHAT: Open surfaces driver resolution errors instead of deferring them.
	// WHY: The ping-on-open default catches misconfiguration at startup.
	_, err := dbopen.Open(":memory:", dbopen.WithDriver("no-such-driver"))
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
