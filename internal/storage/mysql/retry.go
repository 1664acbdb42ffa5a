package mysql

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// withRetry runs fn, retrying with exponential backoff when fn returns an
// error isRetryable accepts (deadlock, lock wait timeout, too many
// connections, invalid connection). Grounded on
// steveyegge-beads/internal/storage/dolt's retry wrapper around
// cenkalti/backoff/v4; capped at two seconds of total retrying since the
// storage core's callers are request-scoped, not background jobs.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	bk := backoff.WithContext(bo, ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			if attempt > 1 {
				storeMetrics.retryCount.Add(ctx, 1)
			}
			return err
		}
		return backoff.Permanent(err)
	}, bk)

	if err == nil {
		return nil
	}
	if perm, ok := err.(*backoff.PermanentError); ok {
		return perm.Err
	}
	return err
}
