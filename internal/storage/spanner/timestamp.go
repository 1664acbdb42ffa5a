package spanner

import (
	"context"

	"cloud.google.com/go/spanner"
)

// bumpModified returns a value for "now" guaranteed strictly greater than
// previous, enforcing the (user, collection) monotonicity invariant even
// when the wall clock hasn't advanced or has gone backwards relative to a
// prior write — identical in shape to internal/storage/mysql's bumpModified.
func bumpModified(now, previous int64) int64 {
	if now <= previous {
		return previous + 1
	}
	return now
}

// currentUserCollectionModifiedTx reads the last_modified recorded for
// (userid, collection) inside an in-flight transaction, treating the
// pretouch sentinel as "no prior write" exactly like the relational
// backend's equivalent helper.
func currentUserCollectionModifiedTx(ctx context.Context, tx *spanner.ReadWriteTransaction, userid string, collection int32) (int64, bool, error) {
	row, err := tx.ReadRow(ctx, "user_collections", spanner.Key{userid, int64(collection)}, []string{"last_modified"})
	if spanner.ErrCode(err) == spannerCodeNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var modified int64
	if err := row.Columns(&modified); err != nil {
		return 0, false, err
	}
	if modified == pretouchTimestamp {
		return 0, false, nil
	}
	return modified, true, nil
}
