package spanner

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/cenkalti/backoff/v4"
)

// runTx wraps client.ReadWriteTransaction with the same exponential-backoff
// retry shape internal/storage/mysql uses, since the native Spanner client
// itself already retries ABORTED internally for simple cases but not across
// the read-then-decide patterns this package uses (read existing batch
// staging keys, then decide insert vs. update).
func (s *Store) runTx(ctx context.Context, op string, fn func(ctx context.Context, tx *spanner.ReadWriteTransaction) error) (time.Time, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second
	bk := backoff.WithContext(bo, ctx)

	var commitTS time.Time
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ts, err := s.client.ReadWriteTransaction(ctx, fn)
		if err == nil {
			commitTS = ts
			return nil
		}
		if isRetryable(err) {
			if attempt > 1 {
				storeMetrics.abortRetryCount.Add(ctx, 1)
			}
			return err
		}
		return backoff.Permanent(err)
	}, bk)

	if err == nil {
		return commitTS, nil
	}
	if perm, ok := err.(*backoff.PermanentError); ok {
		return time.Time{}, perm.Err
	}
	return time.Time{}, err
}
