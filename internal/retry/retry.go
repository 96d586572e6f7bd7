// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/menta2k/ar-target/internal/logging"
)

// Config bounds a retry loop.
type Config struct {
	MaxAttempts int           // total attempts including the first
	Delay       time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for the doubled delay
}

// ErrExhausted is wrapped by the error returned when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do calls fn until it succeeds, returns a Permanent error, the context ends
// or MaxAttempts is reached. The final error wraps both ErrExhausted and the
// last attempt's error.
func Do(ctx context.Context, cfg Config, logger *slog.Logger, op string, fn Func) error {
	log := logging.OrDefault(logger)
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(last, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		delay := Backoff(attempt, cfg)
		log.Warn("retrying", "op", op, "attempt", attempt, "max_attempts", attempts, "delay", delay, "error", last)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, attempts, last)
}

// Backoff returns Delay * 2^(attempt-1), capped at MaxDelay.
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := cfg.Delay * time.Duration(1<<uint(attempt-1))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
