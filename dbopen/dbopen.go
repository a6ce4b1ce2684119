// Package dbopen opens the SQLite files domguard keeps state in: the
// blocked-map store and the guard event log.
//
// Every open applies the same pragmas:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// WAL matters in local storage mode, where the change watcher and other
// service instances read the file the popup writes. Pragmas are issued as
// statements rather than DSN parameters, so any database/sql SQLite driver
// works. The caller registers one with a blank import:
//
//	import _ "modernc.org/sqlite"
//
//	db, err := dbopen.Open("domguard.db")
//
// Tests use OpenMemory, which scopes a throwaway database to the test.
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const driverName = "sqlite"

// Open opens the SQLite database at path with the package pragmas applied.
// The returned pool is ready for concurrent use. For ":memory:" the pool
// is pinned to one connection, since every further connection would get a
// private empty database.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{busyTimeoutMS: 10_000, synchronous: "NORMAL", foreignKeys: true}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, p := range cfg.pragmas() {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: apply schema: %w", err)
		}
	}

	// A ping forces a real connection, so a bad path or an unreadable
	// file fails here instead of on the first query.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory database scoped to a test. It closes the
// database in t.Cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen: open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Option adjusts how Open prepares the database.
type Option func(*config)

// WithBusyTimeout overrides PRAGMA busy_timeout, in milliseconds.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeoutMS = ms } }

// WithSynchronous overrides PRAGMA synchronous. NORMAL is safe under WAL;
// FULL trades write speed for durability across power loss.
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithoutForeignKeys leaves foreign key enforcement off.
func WithoutForeignKeys() Option { return func(c *config) { c.foreignKeys = false } }

// WithMkdirAll creates the parent directory of the database path before
// opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues SQL to execute once the pragmas are in place.
// Repeated options queue in order.
func WithSchema(schema string) Option {
	return func(c *config) { c.schemas = append(c.schemas, schema) }
}

type config struct {
	busyTimeoutMS int
	synchronous   string
	foreignKeys   bool
	mkdirAll      bool
	schemas       []string
}

func (c *config) pragmas() []string {
	fk := "ON"
	if !c.foreignKeys {
		fk = "OFF"
	}
	return []string{
		"PRAGMA foreign_keys = " + fk,
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", c.busyTimeoutMS),
		"PRAGMA synchronous = " + c.synchronous,
	}
}
