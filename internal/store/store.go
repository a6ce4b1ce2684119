// Package store persists per-tab blocked maps.
//
// Two backends implement the same interface: an in-memory store scoped to
// the browser session, and a SQLite store that survives restarts. The
// configured storage mode picks one at startup.
package store

import (
	"context"
	"strings"
)

// KeyPrefix namespaces blocked-map keys in storage.
const KeyPrefix = "blocked_"

// Store is the blocked-map persistence contract.
//
// Get returns the empty map for unknown keys. Update is get-modify-set
// under the backend's lock so concurrent toggles cannot lose writes.
type Store interface {
	Get(ctx context.Context, key string) (Map, error)
	Set(ctx context.Context, key string, m Map) error
	Update(ctx context.Context, key, url string, blocked bool) (Map, error)
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// KeyFor returns the storage key for a tab's blocked map.
func KeyFor(tabKey string) string {
	return KeyPrefix + tabKey
}

// TabFromKey extracts the tab key from a storage key. ok is false when the
// key is not a blocked-map key.
func TabFromKey(key string) (tabKey string, ok bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}
	return key[len(KeyPrefix):], true
}
