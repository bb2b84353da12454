package batch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pharmatrace/docstore"
	"pharmatrace/ledger"
)

func retryable(err error) bool {
	return errors.Is(err, ledger.ErrUnavailable) || errors.Is(err, docstore.ErrUnavailable)
}

// withRetry runs fn until it succeeds, fails permanently or the attempt
// budget is spent. Only Unavailable errors are retried.
func (m *Manager) withRetry(ctx context.Context, what string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.RetryBaseDelay
	eb.MaxInterval = m.cfg.RetryMaxDelay
	eb.MaxElapsedTime = 0

	policy := backoff.WithMaxRetries(eb, uint64(max(m.cfg.RetryAttempts-1, 0)))

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		m.logger.Printf("batch: %s failed, retrying in %s: %v", what, wait.Round(time.Millisecond), err)
	})
}
