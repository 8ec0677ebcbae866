// Package retry provides the composable retry + per-attempt timeout policy
// connectors use for probes such as isAuthorized.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds an operation by attempts and per-attempt timeout.
type Policy struct {
	// Retries after the first attempt
	Retries int
	// Delay between attempts
	Delay time.Duration
	// Timeout per attempt; zero disables it
	Timeout time.Duration
	// ShouldRetry decides whether a failure is retried; nil retries everything
	ShouldRetry func(error) bool
}

// DefaultProbe is used for isAuthorized: three retries, 100ms per attempt.
var DefaultProbe = Policy{Retries: 3, Timeout: 100 * time.Millisecond}

// WithRetries returns a copy with n retries.
func (p Policy) WithRetries(n int) Policy {
	p.Retries = n
	return p
}

// WithTimeout returns a copy with the given per-attempt timeout.
func (p Policy) WithTimeout(d time.Duration) Policy {
	p.Timeout = d
	return p
}

// WithDelay returns a copy with the given delay between attempts.
func (p Policy) WithDelay(d time.Duration) Policy {
	p.Delay = d
	return p
}

// Do runs fn under p. Each attempt receives a context bounded by p.Timeout.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(retries)),
		ctx,
	)

	op := func() (T, error) {
		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		v, err := fn(attemptCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.RetryWithData(op, b)
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsTimeout reports whether err is a per-attempt timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
