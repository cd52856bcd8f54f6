package upstream

import (
	"context"
	"time"
)

// RetryPolicy describes how a failed upstream call is retried: one delay per
// retry, and a predicate deciding which errors qualify.
type RetryPolicy struct {
	Delays    []time.Duration
	Retryable func(error) bool

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy waits 1s, 2s and 4s before the three retries.
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(3, time.Second)
}

// NewRetryPolicy builds an exponential schedule of maxRetries delays starting
// at base and doubling each time.
func NewRetryPolicy(maxRetries int, base time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	delays := make([]time.Duration, maxRetries)
	d := base
	for i := range delays {
		delays[i] = d
		d *= 2
	}
	return RetryPolicy{Delays: delays, Retryable: IsRetryable}
}

// MaxAttempts is the initial attempt plus every retry.
func (p RetryPolicy) MaxAttempts() int { return len(p.Delays) + 1 }

// Next returns the delay before the retry following a failed attempt
// (1-based), or false when err is not retryable or the schedule is spent.
func (p RetryPolicy) Next(attempt int, err error) (time.Duration, bool) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	if !retryable(err) || attempt < 1 || attempt > len(p.Delays) {
		return 0, false
	}
	return p.Delays[attempt-1], true
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// schedule is exhausted. onRetry, when set, is called before each wait.
// A cancelled ctx stops immediately with ctx.Err().
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error, onRetry func(attempt int, err error, delay time.Duration)) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		delay, ok := p.Next(attempt, err)
		if !ok {
			if attempt == p.MaxAttempts() && p.retryable(err) {
				return &ExhaustedError{Attempts: attempt, Err: err}
			}
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsRetryable(err)
	}
	return p.Retryable(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
