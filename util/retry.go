package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the retries of a transient operation.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig is used by the durable write paths.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:      5,
	InitialInterval: 20 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
	MaxElapsedTime:  3 * time.Second,
}

// Retry runs op with exponential backoff until it succeeds, returns an error
// for which permanent reports true, the retries are exhausted or ctx is
// done. It returns the last error of op, or the context error.
func Retry(ctx context.Context, cfg RetryConfig, op func() error, permanent func(error) bool) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime
	policy := backoff.WithContext(backoff.WithMaxRetries(b, cfg.MaxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && (permanent(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
