package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy text", errors.New("exec: SQLITE_BUSY"), true},
		{"locked text", fmt.Errorf("append event: %w", errors.New("database is locked (5)")), true},
		{"other", errors.New("no such table: sessions"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSQLiteConflictError(tt.err); got != tt.want {
				t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryDo(t *testing.T) {
	t.Parallel()

	r := Retry{Attempts: 3, BaseDelay: time.Millisecond}
	busy := errors.New("SQLITE_BUSY")

	calls := 0
	err := r.Do(context.Background(), "flaky", func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Do = %v after %d calls, want success after 3", err, calls)
	}

	calls = 0
	err = r.Do(context.Background(), "exhausted", func() error {
		calls++
		return busy
	})
	if !errors.Is(err, busy) || calls != 3 {
		t.Errorf("Do = %v after %d calls, want busy after 3", err, calls)
	}

	calls = 0
	fatal := errors.New("constraint failed")
	err = r.Do(context.Background(), "fatal", func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Errorf("Do = %v after %d calls, want immediate failure", err, calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := Retry{Attempts: 3, BaseDelay: time.Hour}
	if err := slow.Do(ctx, "cancelled", func() error { return busy }); !errors.Is(err, context.Canceled) {
		t.Errorf("Do with cancelled ctx = %v", err)
	}
}
