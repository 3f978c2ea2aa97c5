package archive

import (
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(5, time.Millisecond, func(error) bool { return true }, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_StopsImmediatelyOnNonTransientError(t *testing.T) {
	attempts := 0
	wantErr := errors.New("syntax error")
	err := Retry(5, time.Millisecond, IsTransientSQLiteError, func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected non-transient error to surface immediately, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-transient error, got %d", attempts)
	}
}

func TestRetry_GivesUpAfterAttemptsExhausted(t *testing.T) {
	attempts := 0
	err := Retry(3, time.Millisecond, func(error) bool { return true }, func() error {
		attempts++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected an error once attempts are exhausted")
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestIsTransientSQLiteError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("SQLITE_BUSY: database is busy"), true},
		{errors.New("no such table: foo"), false},
	}
	for _, tc := range cases {
		if got := IsTransientSQLiteError(tc.err); got != tc.want {
			t.Errorf("IsTransientSQLiteError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
