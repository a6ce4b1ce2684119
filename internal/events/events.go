// CLAUDE:SUMMARY Async script event log: buffered inserts, filtered queries, retention cleanup.
// Package events records what happened to scripts: toggles, saves, probe
// removals, prunes. Writes are buffered so guard report bursts never block
// a page evaluation.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/domguard/idgen"
)

// Event ops.
const (
	OpBlocked   = "blocked"   // a URL was toggled on
	OpUnblocked = "unblocked" // a URL was toggled off
	OpSaved     = "saved"     // a blocked map was saved and applied
	OpRemoved   = "removed"   // the probe removed a script element
	OpArmed     = "armed"     // the probe installed in a document
	OpPruned    = "pruned"    // a map for a dead tab was dropped
)

// Event is one entry in the script event log.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TabKey    string    `json:"tab_key"`
	PageURL   string    `json:"page_url,omitempty"`
	ScriptURL string    `json:"script_url,omitempty"`
	Op        string    `json:"op"`
	Phase     string    `json:"phase,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Filter controls event queries.
type Filter struct {
	TabKey   *string
	Op       *string
	Since    *time.Time
	Until    *time.Time
	Limit    int // default 100
	Offset   int
	OrderDir string // "ASC" or "DESC", default DESC
}

// Log persists events asynchronously.
type Log struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *Event
	stop  chan struct{}
	done  chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithIDGenerator sets a custom event ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Log) { l.newID = gen }
}

// NewLog creates an async event log. Recommended bufferSize: 1000.
func NewLog(db *sql.DB, bufferSize int, opts ...Option) *Log {
	l := &Log{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
		ch:    make(chan *Event, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// RecordSync inserts an event synchronously.
func (l *Log) RecordSync(ctx context.Context, e *Event) error {
	l.fillDefaults(e)
	return l.insert(ctx, e)
}

// Record queues an event for async persistence. Falls back to a synchronous
// insert when the buffer is full.
func (l *Log) Record(e *Event) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		slog.Warn("events: buffer full, sync fallback", "op", e.Op)
		if err := l.insert(context.Background(), e); err != nil {
			slog.Error("events: sync fallback failed", "error", err)
		}
	}
}

// Query retrieves events matching the filter, newest first by default.
func (l *Log) Query(ctx context.Context, f *Filter) ([]*Event, error) {
	q := `SELECT event_id, timestamp, tab_key, page_url, script_url, op, phase, detail
		FROM script_events WHERE 1=1`
	var args []interface{}

	if f.TabKey != nil {
		q += " AND tab_key = ?"
		args = append(args, *f.TabKey)
	}
	if f.Op != nil {
		q += " AND op = ?"
		args = append(args, *f.Op)
	}
	if f.Since != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if f.Until != nil {
		q += " AND timestamp <= ?"
		args = append(args, f.Until.UnixMilli())
	}

	orderDir := "DESC"
	if f.OrderDir != "" {
		switch strings.ToUpper(f.OrderDir) {
		case "ASC", "DESC":
			orderDir = strings.ToUpper(f.OrderDir)
		default:
			return nil, fmt.Errorf("events: invalid order_dir: %q", f.OrderDir)
		}
	}
	q += " ORDER BY timestamp " + orderDir

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("events: query: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.TabKey, &e.PageURL, &e.ScriptURL,
			&e.Op, &e.Phase, &e.Detail); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than the retention window.
func (l *Log) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM script_events WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("events: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (l *Log) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

func (l *Log) fillDefaults(e *Event) {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}

func (l *Log) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*Event, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("events: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO script_events
			(event_id, timestamp, tab_key, page_url, script_url, op, phase, detail)
			VALUES (?,?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			slog.Error("events: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.Timestamp.UnixMilli(), e.TabKey, e.PageURL, e.ScriptURL,
				e.Op, e.Phase, e.Detail,
			); err != nil {
				slog.Error("events: insert", "error", err, "event_id", e.ID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("events: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *Log) insert(ctx context.Context, e *Event) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO script_events
		(event_id, timestamp, tab_key, page_url, script_url, op, phase, detail)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Timestamp.UnixMilli(), e.TabKey, e.PageURL, e.ScriptURL,
		e.Op, e.Phase, e.Detail)
	return err
}
