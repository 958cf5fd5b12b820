package syncengine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/errkind"
)

const (
	retryInitialInterval = 1 * time.Second
	retryMaxInterval     = 8 * time.Second
	retryMaxAttempts     = 3
)

// newRetryBackOff returns a fresh policy per call; BackOff
// implementations are stateful.
func newRetryBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	return backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx)
}

// withRetry runs fn, retrying only transient failures (network,
// timeout). Rejections, auth failures, and conflicts are permanent.
func withRetry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if errkind.Retryable(err) {
			debug.Warnf("syncengine: %s attempt %d failed (retryable): %v", op, attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}, newRetryBackOff(ctx))
}
