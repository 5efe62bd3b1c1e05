// Package retry decides whether a failure is worth retrying and how long
// to wait before the next attempt, independent of what is being retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCancelled is returned when the abort signal fires before or during
// a retry sleep.
var ErrCancelled = errors.New("retry cancelled")

// Strategy answers the two retry questions: should this error be retried,
// and how long to wait before attempt+1.
type Strategy interface {
	// ShouldRetry reports whether the error is worth another attempt.
	ShouldRetry(err error) bool
	// NextDelay returns the wait after the given 1-based failed attempt,
	// or false when attempts are exhausted.
	NextDelay(attempt int) (time.Duration, bool)
}

// OnRetry is invoked before each retry sleep for observability.
// attempt is the 1-based attempt that just failed.
type OnRetry func(attempt int, delay time.Duration, err error)

type backoffStrategy struct {
	cfg Config
}

// NewStrategy builds a Strategy from the given config, classifying errors
// with Classify and computing delays with Delay.
func NewStrategy(cfg Config) Strategy {
	return &backoffStrategy{cfg: cfg.Normalize()}
}

func (s *backoffStrategy) ShouldRetry(err error) bool {
	return Classify(err).Retryable
}

func (s *backoffStrategy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt >= s.cfg.MaxAttempts {
		return 0, false
	}
	return Delay(attempt, s.cfg, nil), true
}

// Do runs op, retrying per strategy until success, a non-retryable error,
// attempt exhaustion, or context cancellation. The sleep between attempts
// is abortable: ctx cancellation settles it immediately and Do returns an
// error wrapping ErrCancelled without further attempts. onRetry may be nil.
func Do(ctx context.Context, op func(context.Context) error, strategy Strategy, onRetry OnRetry) error {
	attempt := 0
	for {
		attempt++
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w before attempt %d: %v", ErrCancelled, attempt, err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !strategy.ShouldRetry(err) {
			return err
		}
		delay, more := strategy.NextDelay(attempt)
		if !more {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
// The timer is released on both paths.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w during sleep: %v", ErrCancelled, ctx.Err())
	}
}
