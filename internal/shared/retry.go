// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteConflictError reports whether err is a SQLITE_BUSY or
// "database is locked" error. Both are transient and worth retrying.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Backoff describes an exponential retry schedule.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultSQLiteBackoff makes three attempts, backing off 50ms then 100ms.
var DefaultSQLiteBackoff = Backoff{Attempts: 3, BaseDelay: 50 * time.Millisecond}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. The delay doubles after each retryable failure.
func Retry(ctx context.Context, b Backoff, op string, retryable func(error) bool, fn func() error) error {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	var err error
	for i := 0; i < b.Attempts; i++ {
		err = fn()
		if err == nil || !retryable(err) || i == b.Attempts-1 {
			return err
		}

		delay := b.BaseDelay * time.Duration(1<<i)
		slog.Debug("Retrying after transient failure", "op", op, "attempt", i+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return err
}
