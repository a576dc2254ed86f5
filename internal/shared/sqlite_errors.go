// Package shared holds helpers used by more than one storage path.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
)

// Primary SQLite result codes; extended codes keep these in the low byte.
const (
	codeBusy   = 5
	codeLocked = 6
)

// IsSQLiteConflictError reports whether err is a SQLITE_BUSY or SQLITE_LOCKED
// failure, the two errors that clear up on their own once the competing
// writer finishes.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case codeBusy, codeLocked:
			return true
		}
		return false
	}
	// Errors that were flattened to text on the way up.
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Retry is an exponential backoff policy for SQLite write conflicts.
type Retry struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetry waits 100ms then 200ms between three attempts.
var DefaultRetry = Retry{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// Do runs op until it succeeds, fails with a non-conflict error, the attempts
// run out, or ctx is done.
func (r Retry) Do(ctx context.Context, what string, op func() error) error {
	attempts := max(r.Attempts, 1)

	var err error
	for i := range attempts {
		if err = op(); err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) || i == attempts-1 {
			break
		}
		delay := r.BaseDelay << i
		slog.Debug("SQLite busy, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
