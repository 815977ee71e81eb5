package cloud

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds retries of transient AWS errors.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when callers do not supply one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     20 * time.Second,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Retry runs op until it succeeds, returns a non-transient error, or the
// policy's attempts are used up. The last error is returned unchanged.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		res, err := op(ctx)
		if err != nil && !IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(attempts),
	)
}
