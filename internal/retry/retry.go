// Package retry bounds calls to external collaborators with a per-attempt
// timeout and an exponential-backoff retry budget.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
)

// Policy controls the retry behaviour.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt; later waits double.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// Timeout bounds each individual attempt. Zero disables the bound.
	Timeout time.Duration
	// Permanent classifies errors that must not be retried. When nil every
	// error is retried.
	Permanent func(err error) bool
}

// DefaultPolicy suits short store and embedding calls.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Timeout:      10 * time.Second,
}

// Do calls fn until it succeeds, returns a permanent error, the attempt budget
// is spent, or ctx is done. The error of the last attempt is returned.
func Do(ctx context.Context, p Policy, logger *log.Logger, op string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, logger, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, p Policy, logger *log.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultPolicy.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0.2

	attempt := func() (T, error) {
		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		v, err := fn(attemptCtx)
		if err != nil && p.Permanent != nil && p.Permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if logger != nil {
				logger.Debug("retrying after failure", "op", op, "error", err, "wait", wait)
			}
		}),
	)
}
