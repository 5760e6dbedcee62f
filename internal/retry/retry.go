// Package retry implements the bounded retry/backoff helper shared by the
// source watcher, the remote fetcher, and config loading.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Schedule describes how an operation is retried: up to MaxAttempts
// invocations, sleeping Delays[attempt-1] between them. When attempts
// outrun the delay slice the last entry repeats.
type Schedule struct {
	MaxAttempts int
	Delays      []time.Duration
}

func (s Schedule) delay(attempt int) time.Duration {
	if len(s.Delays) == 0 {
		return 0
	}
	if attempt >= len(s.Delays) {
		return s.Delays[len(s.Delays)-1]
	}
	return s.Delays[attempt]
}

// Do invokes fn until it succeeds or the schedule is exhausted. Every failed
// attempt is logged with its attempt number. The returned error wraps the
// last failure; context cancellation aborts any pending wait immediately.
func Do(ctx context.Context, logger *slog.Logger, name string, s Schedule, fn func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < s.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s aborted: %w", name, err)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		logger.Warn("attempt failed", "op", name, "attempt", attempt+1, "max", s.MaxAttempts, "err", lastErr)
		if attempt == s.MaxAttempts-1 {
			break
		}
		if err := sleep(ctx, s.delay(attempt)); err != nil {
			return fmt.Errorf("%s aborted: %w", name, err)
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, s.MaxAttempts, lastErr)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, logger *slog.Logger, name string, s Schedule, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, logger, name, s, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// DoValueFallback is the best-effort mode: after exhausting the schedule it
// logs a warning and hands back fallback instead of an error. Used where a
// stale value beats an absent one.
func DoValueFallback[T any](ctx context.Context, logger *slog.Logger, name string, s Schedule, fallback T, fn func(context.Context) (T, error)) T {
	if logger == nil {
		logger = slog.Default()
	}
	v, err := DoValue(ctx, logger, name, s, fn)
	if err != nil {
		logger.Warn("falling back to previous value", "op", name, "err", err)
		return fallback
	}
	return v
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
