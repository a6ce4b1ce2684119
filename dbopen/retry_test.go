package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/hazyhaar/domguard/dbopen"
)

// WHAT: busy detection matches the lock messages SQLite drivers produce
// and nothing else.
func TestIsBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unrelated", errors.New("no such table: blocked_maps"), false},
		{"busy code", errors.New("SQLITE_BUSY"), true},
		{"wrapped busy", errors.New("store: write map: SQLITE_BUSY (5)"), true},
		{"db locked", errors.New("database is locked"), true},
		{"table locked", errors.New("database table is locked"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dbopen.IsBusy(tt.err); got != tt.want {
				t.Errorf("IsBusy(%v): got %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func retryDB(t *testing.T) *sql.DB {
	return dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE events (id TEXT PRIMARY KEY, detail TEXT)`))
}

// WHAT: a transaction function that returns nil commits, and its writes
// are visible afterwards.
func TestRunTx_Commits(t *testing.T) {
	db := retryDB(t)

	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO events (id, detail) VALUES ('evt_1', 'blocked')`)
		return err
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	var detail string
	if err := db.QueryRow(`SELECT detail FROM events WHERE id = 'evt_1'`).Scan(&detail); err != nil {
		t.Fatal(err)
	}
	if detail != "blocked" {
		t.Fatalf("detail: got %q, want blocked", detail)
	}
}

// WHAT: an error out of the transaction function rolls everything back
// and surfaces unchanged.
func TestRunTx_RollsBack(t *testing.T) {
	db := retryDB(t)

	boom := errors.New("map decode failed")
	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO events (id) VALUES ('evt_1')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunTx: got %v, want %v", err, boom)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rows after rollback: got %d, want 0", n)
	}
}

// WHAT: Exec writes through the retry wrapper.
func TestExec(t *testing.T) {
	db := retryDB(t)

	if _, err := dbopen.Exec(context.Background(), db, `INSERT INTO events (id) VALUES (?)`, "evt_1"); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rows: got %d, want 1", n)
	}
}

// WHAT: a cancelled context fails the transaction instead of running it.
func TestRunTx_CancelledContext(t *testing.T) {
	db := retryDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := dbopen.RunTx(ctx, db, func(*sql.Tx) error { return nil }); err == nil {
		t.Fatal("RunTx on cancelled context succeeded")
	}
}
