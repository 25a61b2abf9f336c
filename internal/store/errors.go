package store

import (
	"context"
	"log"
	"strings"
	"time"
)

// IsConflictError reports SQLite lock contention (SQLITE_BUSY or "database is
// locked"), which is worth retrying.
func IsConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// withRetry runs fn, retrying lock contention with exponential backoff:
// 50ms, 100ms, 200ms.
func withRetry(ctx context.Context, op string, fn func() error) error {
	const maxAttempts = 4
	delay := 50 * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsConflictError(err) || attempt == maxAttempts {
			return err
		}
		log.Printf("[store] %s hit sqlite lock contention, retry %d in %s", op, attempt, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
