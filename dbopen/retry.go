package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// A busy write is retried this many times with a growing backoff before
// the error is surfaced.
const busyRetries = 3

// IsBusy reports whether err is an SQLITE_BUSY condition. The driver
// exposes it only through the message, so this matches the known texts.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn inside a transaction, retrying the whole transaction on
// SQLITE_BUSY. fn must tolerate being re-run from scratch.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		if err = attempt(ctx, db, fn); err == nil || !IsBusy(err) || i == busyRetries-1 {
			return err
		}
		if werr := backoff(ctx, i); werr != nil {
			return fmt.Errorf("dbopen: retry interrupted: %w", werr)
		}
	}
	return err
}

func attempt(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
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
}

// Exec runs one statement with the same busy retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for i := 0; i < busyRetries; i++ {
		if res, err = db.ExecContext(ctx, query, args...); err == nil || !IsBusy(err) || i == busyRetries-1 {
			return res, err
		}
		if werr := backoff(ctx, i); werr != nil {
			return nil, fmt.Errorf("dbopen: retry interrupted: %w", werr)
		}
	}
	return nil, err
}

// backoff waits 100ms more per attempt, aborting when ctx ends.
func backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(100*(attempt+1)) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
