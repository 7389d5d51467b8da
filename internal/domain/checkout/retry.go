package checkout

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	Tries           uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetry is used for zero RetryConfig fields.
var DefaultRetry = RetryConfig{
	Tries:           3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Tries == 0 {
		c.Tries = DefaultRetry.Tries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultRetry.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultRetry.MaxInterval
	}
	return c
}

// retry runs op until it succeeds, fails with an error retryable rejects, or
// the configured tries are used up. The last error is returned.
func retry[T any](ctx context.Context, cfg RetryConfig, retryable func(error) bool, op func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.Tries),
	)
}
