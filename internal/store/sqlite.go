// CLAUDE:SUMMARY SQLite blocked-map store: one row per tab key, JSON map column, busy-retry writes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/domguard/dbopen"
	"github.com/hazyhaar/domguard/horosafe"
)

// Schema holds the blocked-map table. updated_at is epoch millis and feeds
// the change watcher.
const Schema = `
CREATE TABLE IF NOT EXISTS blocked_maps (
    key        TEXT PRIMARY KEY,
    map_json   TEXT NOT NULL DEFAULT '{}',
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blocked_maps_updated ON blocked_maps(updated_at DESC);
`

// ApplySchema creates the blocked-map table on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// SQLite persists blocked maps in a local database, surviving service and
// browser restarts.
type SQLite struct {
	DB *sql.DB
}

// NewSQLite creates a SQLite store from an already-opened database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db}
}

// Get returns the map stored under key, or the empty map.
func (s *SQLite) Get(ctx context.Context, key string) (Map, error) {
	if err := horosafe.ValidateIdentifier(key); err != nil {
		return nil, fmt.Errorf("store: key %q: %w", key, err)
	}

	var raw string
	err := s.DB.QueryRowContext(ctx,
		`SELECT map_json FROM blocked_maps WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Map{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %q: %w", key, err)
	}
	return decodeMap(raw)
}

// Set stores m under key. An empty map removes the row.
func (s *SQLite) Set(ctx context.Context, key string, m Map) error {
	if err := horosafe.ValidateIdentifier(key); err != nil {
		return fmt.Errorf("store: key %q: %w", key, err)
	}
	if len(m) == 0 {
		return s.Remove(ctx, key)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: encode map: %w", err)
	}
	_, err = dbopen.Exec(ctx, s.DB,
		`INSERT INTO blocked_maps (key, map_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET map_json = excluded.map_json, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: set %q: %w", key, err)
	}
	return nil
}

// Update toggles one URL inside a transaction and returns the new map.
// The read-modify-write runs under the row's write lock so concurrent
// toggles on the same tab cannot lose each other's entries.
func (s *SQLite) Update(ctx context.Context, key, url string, blocked bool) (Map, error) {
	if err := horosafe.ValidateIdentifier(key); err != nil {
		return nil, fmt.Errorf("store: key %q: %w", key, err)
	}

	var out Map
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT map_json FROM blocked_maps WHERE key = ?`, key).Scan(&raw)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		m := Map{}
		if raw != "" {
			m, err = decodeMap(raw)
			if err != nil {
				return err
			}
		}
		m.Apply(url, blocked)

		if len(m) == 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM blocked_maps WHERE key = ?`, key); err != nil {
				return err
			}
			out = m
			return nil
		}

		enc, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blocked_maps (key, map_json, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET map_json = excluded.map_json, updated_at = excluded.updated_at`,
			key, string(enc), time.Now().UnixMilli()); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: update %q: %w", key, err)
	}
	return out, nil
}

// Remove deletes the row for key. Missing keys are a no-op.
func (s *SQLite) Remove(ctx context.Context, key string) error {
	if err := horosafe.ValidateIdentifier(key); err != nil {
		return fmt.Errorf("store: key %q: %w", key, err)
	}
	if _, err := dbopen.Exec(ctx, s.DB, `DELETE FROM blocked_maps WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: remove %q: %w", key, err)
	}
	return nil
}

// Keys returns all stored keys.
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key FROM blocked_maps ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("store: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// decodeMap parses stored JSON and drops explicit false entries.
func decodeMap(raw string) (Map, error) {
	m := Map{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("store: decode map: %w", err)
	}
	m.Normalize()
	return m, nil
}
