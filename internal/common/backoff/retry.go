// Package backoff implements the declarative per-step retry policy:
// a bounded number of attempts with none, linear, or exponential backoff.
package backoff

import (
	"context"
	"time"

	"github.com/keboola/osiris-sub003/internal/common/logger"
	"github.com/keboola/osiris-sub003/internal/core"
)

// Operation is a single attempt of a retried step.
// The attempt counter starts at 1.
type Operation func(ctx context.Context, attempt int) error

// IsRetriableFunc reports whether an error is worth another attempt.
type IsRetriableFunc func(err error) bool

// Retry runs op once plus up to policy.Max retries. If isRetriable is nil all
// errors are retriable. The delay before a retry is a constant policy.DelayMS
// for none, scaled by the attempt number for linear, and doubled per attempt
// for exp.
func Retry(ctx context.Context, op Operation, policy core.RetryPolicy, isRetriable IsRetriableFunc) error {
	if isRetriable == nil {
		isRetriable = func(_ error) bool { return true }
	}

	var lastErr error
	for attempt := 1; attempt <= policy.Max+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !isRetriable(lastErr) || attempt > policy.Max {
			return lastErr
		}

		interval := Interval(policy, attempt)
		logger.Debug(ctx, "step attempt failed; scheduling retry",
			"attempt", attempt, "next_attempt_in", interval, "err", lastErr)

		if interval > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// Interval computes the backoff delay after the given attempt (1-based).
func Interval(policy core.RetryPolicy, attempt int) time.Duration {
	base := time.Duration(policy.DelayMS) * time.Millisecond
	switch policy.Backoff {
	case core.BackoffLinear:
		return base * time.Duration(attempt)
	case core.BackoffExp:
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	default:
		return base
	}
}
