// Package watch notices external writes to a SQLite database.
//
// In local storage mode more than one domguard instance may share the
// blocked-map file. Each instance polls a version token; when the token
// moves and the debounce window closes quietly, the instance runs an
// action, here re-syncing the maps on its armed tabs. The detector is
// pluggable, so the loop works for any SQLite-backed state.
//
// Typical usage:
//
//	w := watch.New(db, watch.Options{Interval: time.Second, Debounce: 500 * time.Millisecond})
//	go w.OnChange(ctx, func() error { return svc.Resync(ctx) })
package watch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ChangeDetector reads a version token from the database. Two calls that
// return different values mean "something changed". int64 fits both
// PRAGMA data_version and MAX(column) style queries.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration

	// Debounce is the quiet period between the first detected change and
	// the action. A burst of writes collapses into a single action. Zero
	// fires immediately.
	Debounce time.Duration

	// Detector reads the version token. Default: PragmaDataVersion.
	Detector ChangeDetector

	// Logger for watch events. Default: slog.Default().
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls one database and runs an action when it changes.
// Create with New; OnChange starts the loop.
type Watcher struct {
	db      *sql.DB
	opts    Options
	version int64
}

// New returns a Watcher for db. Nothing happens until OnChange runs.
func New(db *sql.DB, opts Options) *Watcher {
	opts.setDefaults()
	return &Watcher{db: db, opts: opts}
}

// OnChange polls until ctx ends. When the detector reports a new version
// and the debounce window passes without further movement, action runs.
// A failed action keeps the old version, so the next tick retries it.
// OnChange blocks; run it on its own goroutine.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	// Baseline. Changes before the first successful read are invisible,
	// which is fine: the caller arms its state from the same database
	// right before starting the loop.
	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version read failed", "error", err)
	} else {
		w.version = v
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
		pending   = w.version
	)

	log.Info("watch: started",
		"interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			log.Info("watch: stopped")
			return

		case <-ticker.C:
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				log.Warn("watch: version read failed", "error", err)
				continue
			}
			if cur == pending {
				// Steady state, or an outstanding change whose action
				// failed. Retry the latter once the window is closed.
				if pending != w.version && debounceC == nil {
					w.fire(action, pending)
				}
				continue
			}
			pending = cur
			if cur == w.version {
				// The database moved back to the version we already
				// acted on. Cancel any open window.
				if debounce != nil {
					debounce.Stop()
					debounceC = nil
				}
				continue
			}
			if w.opts.Debounce <= 0 {
				w.fire(action, pending)
				continue
			}
			// Every further write restarts the window.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceC = debounce.C
			log.Debug("watch: change detected", "version", cur)

		case <-debounceC:
			debounceC = nil
			if pending != w.version {
				w.fire(action, pending)
			}
		}
	}
}

func (w *Watcher) fire(action func() error, version int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.opts.Logger.Error("watch: action failed",
			"error", err, "version", version)
		return
	}
	w.version = version
	w.opts.Logger.Info("watch: action complete",
		"version", version, "duration", time.Since(start))
}

// PragmaDataVersion reads PRAGMA data_version, which SQLite bumps whenever
// a different connection commits to the file. The database/sql pool hands
// out many connections, so even this process's own writes can register;
// the action must tolerate running with nothing new to do.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	if err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("watch: data_version: %w", err)
	}
	return v, nil
}

// MaxColumnDetector watches MAX(column) on one table. Deployments that keep
// the blocked maps and the event log in the same file use it to confine the
// trigger to map writes, pointed at the maps table's update timestamp.
// Deletes that leave the maximum in place go unnoticed until the next write.
func MaxColumnDetector(table, column string) ChangeDetector {
	query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s",
		quoteIdent(column), quoteIdent(table))
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		if err := db.QueryRowContext(ctx, query).Scan(&v); err != nil {
			return 0, fmt.Errorf("watch: max(%s.%s): %w", table, column, err)
		}
		return v, nil
	}
}

// quoteIdent doubles embedded quotes and wraps the identifier, since table
// and column names cannot ride in placeholders.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
