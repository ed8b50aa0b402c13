// Package backoff provides the jitter and bounded-retry helpers used by the harvester
// (transient writeback retries) and the manager client (retry-once semantics and connection
// reestablishment). The write-commit protocol drives go-retry directly.
package backoff

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"math/rand"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// jitterRNG is the random source used for sleep jitter, seeded once at init time.
var jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// SetJitterRNG overrides the RNG used for sleep jitter. Useful for deterministic tests.
func SetJitterRNG(r *rand.Rand) {
	if r != nil {
		jitterRNG = r
	}
}

// Sleep blocks for the specified duration or until the context is done, whichever is first.
func Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	<-t.Done()
}

// Jitter sleeps a random multiple (1..4) of unit, staggering the manager client's retry so
// callers that failed together do not all retry at the same instant.
func Jitter(ctx context.Context, unit time.Duration) {
	mult := time.Duration(jitterRNG.Intn(4) + 1)
	d := mult * unit
	log.Debug("capfs: retry jitter", "multiplier", mult, "unit", unit, "duration", d)
	Sleep(ctx, d)
}

// WithFixedRetries runs task up to maxAttempts times total (the first attempt plus
// maxAttempts-1 retries), sleeping a jitter unit between attempts, and returns the last error.
// No package in this module calls it outside its tests.
func WithFixedRetries(ctx context.Context, maxAttempts int, unit time.Duration, task func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			Jitter(ctx, unit)
		}
		if err = task(ctx, attempt); err == nil {
			return nil
		}
	}
	return err
}

// RetryTransient executes task with Fibonacci backoff up to 5 retries; the harvester uses it for
// transient writeback failures. gaveUpTask, if non-nil, runs once retries are exhausted.
func RetryTransient(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(fmt.Sprintf("%v, gave up", err))
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether err is a transient condition worth retrying (network hiccup,
// timeout that hasn't exceeded the caller's budget) versus a permanent failure (bad handle,
// permission denied, disk full) that retrying cannot fix.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrClosed) || errors.Is(err, os.ErrExist) {
		return false
	}
	switch {
	case errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.EINVAL):
		return false
	}
	if strings.Contains(err.Error(), "read-only file system") {
		return false
	}
	return true
}
