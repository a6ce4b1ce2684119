// CLAUDE:SUMMARY Session-preferred store that falls back to a local backend between browser sessions.
package store

import (
	"context"
	"sync"
)

// Dual routes blocked-map operations to a session store while a browser
// session is live and to a local backend otherwise. Callers get one Store
// and must not assume either lifetime: session maps vanish when the
// session ends, local maps survive restarts.
type Dual struct {
	mu      sync.RWMutex
	live    bool
	session *Memory
	local   Store
}

// NewDual creates a dual store. It starts routing to local; call
// SessionStarted once a browser session is attached.
func NewDual(session *Memory, local Store) *Dual {
	return &Dual{session: session, local: local}
}

// SessionStarted switches routing to the session store.
func (d *Dual) SessionStarted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live = true
}

// SessionEnded drops every session map and switches routing back to the
// local backend. Called when the browser is recycled or shut down: tab
// keys from the dead session are meaningless afterwards.
func (d *Dual) SessionEnded() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live = false
	d.session.Reset()
}

func (d *Dual) backend() Store {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.live {
		return d.session
	}
	return d.local
}

// Get returns the map stored under key in the active backend.
func (d *Dual) Get(ctx context.Context, key string) (Map, error) {
	return d.backend().Get(ctx, key)
}

// Set stores m under key in the active backend.
func (d *Dual) Set(ctx context.Context, key string, m Map) error {
	return d.backend().Set(ctx, key, m)
}

// Update toggles one URL in the active backend.
func (d *Dual) Update(ctx context.Context, key, url string, blocked bool) (Map, error) {
	return d.backend().Update(ctx, key, url, blocked)
}

// Remove deletes the map under key from the active backend.
func (d *Dual) Remove(ctx context.Context, key string) error {
	return d.backend().Remove(ctx, key)
}

// Keys lists keys of the active backend.
func (d *Dual) Keys(ctx context.Context) ([]string, error) {
	return d.backend().Keys(ctx)
}
