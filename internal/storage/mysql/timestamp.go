package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// nowMillis is the wall-clock reference used by read-only queries to decide
// whether a record's expiry has passed . Unlike txNow, this isn't
// required to be transaction-monotonic: it only ever feeds an `expiry > ?`
// filter, never a stored modified/expiry value.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// txNow reads the database's current time once per transaction, in
// microseconds, so every write inside a single transaction shares one
// timestamp ("strictly increasing within a transaction" is
// trivially satisfied when a transaction issues one timestamp for all of its
// writes; monotonicity across transactions is enforced separately by
// bumpModified).
func txNow(ctx context.Context, tx *sql.Tx) (int64, error) {
	var micros int64
	err := tx.QueryRowContext(ctx, `SELECT UNIX_TIMESTAMP(UTC_TIMESTAMP(6)) * 1000000`).Scan(&micros)
	if err != nil {
		return 0, fmt.Errorf("txNow: %w", err)
	}
	return micros / 1000, nil // store as milliseconds
}

// bumpModified returns a value for "now" that is guaranteed to be strictly
// greater than previous, enforcing the (user, collection) monotonicity
// invariant ;s*even when the wall clock hasn't advanced or has gone
// backwards relative to a prior write.
func bumpModified(now, previous int64) int64 {
	if now <= previous {
		return previous + 1
	}
	return now
}

// currentUserCollectionModified reads the last_modified value recorded for
// (userid, collection), treating the pretouch sentinel as "no prior write".
func currentUserCollectionModified(ctx context.Context, tx *sql.Tx, userid int64, collection int32) (int64, bool, error) {
	var modified int64
	err := tx.QueryRowContext(ctx,
		`SELECT last_modified FROM user_collections WHERE userid = ? AND collection = ?`,
		userid, collection,
	).Scan(&modified)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("currentUserCollectionModified: %w", err)
	}
	if modified == syncstorage.PretouchTimestamp {
		return 0, false, nil
	}
	return modified, true, nil
}
