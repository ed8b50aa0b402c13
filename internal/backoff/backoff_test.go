package backoff

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestWithFixedRetriesStopsAfterMaxAttempts(t *testing.T) {
	SetJitterRNG(rand.New(rand.NewSource(1)))

	calls := 0
	wantErr := errors.New("still failing")
	err := WithFixedRetries(context.Background(), 3, time.Microsecond, func(_ context.Context, attempt int) error {
		if attempt != calls {
			t.Fatalf("expected attempt %d, got %d", calls, attempt)
		}
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the last error back, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestWithFixedRetriesReturnsNilOnSuccess(t *testing.T) {
	calls := 0
	err := WithFixedRetries(context.Background(), 5, time.Microsecond, func(context.Context, int) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected success on the second attempt, got %d calls", calls)
	}
}

func TestShouldRetryClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled context", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"permission", os.ErrPermission, false},
		{"no space", syscall.ENOSPC, false},
		{"invalid argument", syscall.EINVAL, false},
		{"connection reset", syscall.ECONNRESET, true},
		{"generic network hiccup", errors.New("connection refused"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldRetry(tc.err); got != tc.want {
				t.Fatalf("ShouldRetry(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestSleepReturnsEarlyOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	Sleep(ctx, time.Minute)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Sleep ignored the canceled context, slept %v", elapsed)
	}
}
