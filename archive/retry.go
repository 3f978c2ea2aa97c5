package archive

import (
	"math/rand"
	"strings"
	"time"
)

// Retry runs fn up to attempts times, sleeping a jittered exponential
// backoff between tries while isTransient(err) holds. It returns the
// last error once attempts is exhausted or isTransient reports false.
func Retry(attempts int, base time.Duration, isTransient func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		backoff := base << attempt
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		time.Sleep(backoff + jitter)
	}
	return err
}

// IsTransientSQLiteError reports whether err looks like a transient
// SQLITE_BUSY/SQLITE_LOCKED condition worth retrying, recognized by
// message substring since modernc.org/sqlite wraps the underlying
// driver error without exporting a typed sentinel for it.
func IsTransientSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
