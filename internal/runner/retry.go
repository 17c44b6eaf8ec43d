package runner

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lyndonlyu/freemark/internal/remote"
)

const (
	defaultMaxRetries    = 3
	defaultRetryInterval = 500 * time.Millisecond
)

// retryable reports whether an error is worth another attempt. Only
// transient connection errors qualify; everything else (command failures,
// verification mismatches, auth errors) is permanent.
func retryable(err error) bool {
	var ce *remote.ConnError
	return errors.As(err, &ce) && ce.Retryable()
}

// withRetry runs op, retrying transient connection errors with exponential
// backoff up to maxRetries extra attempts. onRetry is called before each
// re-attempt with the error that triggered it.
func withRetry(ctx context.Context, maxRetries uint64, interval time.Duration, op func() error, onRetry func(error)) error {
	attempt := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)

	return backoff.RetryNotify(attempt, policy, func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(err)
		}
	})
}
