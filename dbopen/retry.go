package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// The blocked-map file can have more than one writer: the popup service
// plus, in local storage mode, any other instance sharing the database.
// WAL keeps readers out of the way, but overlapping writes still surface
// as SQLITE_BUSY. A short bounded retry absorbs them; anything that stays
// busy past that is real contention the caller should see.
const (
	busyRetries = 3
	busyBackoff = 100 * time.Millisecond
)

// IsBusy reports whether err is an SQLite busy/locked condition. Driver
// error types differ, so this matches on message text.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs fn, retrying on busy with 100/200/300 ms backoff.
func withRetry(ctx context.Context, op string, fn func() error) error {
	for i := range busyRetries {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsBusy(err) || i == busyRetries-1 {
			return err
		}
		wait := time.Duration(i+1) * busyBackoff
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: %s: retry cancelled: %w", op, ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("dbopen: %s: still busy after %d attempts", op, busyRetries)
}

// Exec executes one statement with busy retry.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withRetry(ctx, "exec", func() error {
		var execErr error
		res, execErr = db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RunTx runs fn inside a transaction with busy retry. fn may run more than
// once; it must be safe to repeat.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withRetry(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}
