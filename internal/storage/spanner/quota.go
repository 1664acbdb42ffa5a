package spanner

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// CheckQuota returns the collection's last-recomputed payload byte total,
// or nil if quota accounting is disabled, mirroring
// internal/storage/mysql.CheckQuota.
func (s *Store) CheckQuota(ctx context.Context, user syncstorage.UserID, cid int32) (*int64, error) {
	ctx, end := startSpan(ctx, "spanner.CheckQuota")
	var err error
	defer func() { end(err) }()

	if !s.quotaEnabled {
		return nil, nil
	}

	userid, err := s.resolveUserID(ctx, user)
	if err != nil {
		return nil, syncstorage.WrapOp("CheckQuota", err)
	}

	total, err := currentTotalBytes(ctx, s.client.Single(), userid, cid)
	if err != nil {
		err = fmt.Errorf("CheckQuota: %w", err)
		return nil, err
	}
	return &total, nil
}

// currentTotalBytes reads user_collections.total_bytes, treating a NULL
// value or an absent row as zero.
func currentTotalBytes(ctx context.Context, ro *spanner.ReadOnlyTransaction, userid string, cid int32) (int64, error) {
	row, err := ro.ReadRow(ctx, "user_collections", spanner.Key{userid, int64(cid)}, []string{"total_bytes"})
	if spanner.ErrCode(err) == spannerCodeNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var total spanner.NullInt64
	if err := row.Columns(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// currentTotalBytesTx is currentTotalBytes's in-transaction counterpart,
// used by the batch path which always runs inside a ReadWriteTransaction.
func currentTotalBytesTx(ctx context.Context, tx *spanner.ReadWriteTransaction, userid string, cid int32) (int64, error) {
	row, err := tx.ReadRow(ctx, "user_collections", spanner.Key{userid, int64(cid)}, []string{"total_bytes"})
	if spanner.ErrCode(err) == spannerCodeNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var total spanner.NullInt64
	if err := row.Columns(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// updateUserCollectionQuotasTx recomputes count/total_bytes over every
// non-expired BSO in (userid, cid) and persists them, implementing
// update_user_collection_quotas. Called after a batch commit when quota
// accounting is enabled.
func updateUserCollectionQuotasTx(ctx context.Context, tx *spanner.ReadWriteTransaction, userid string, cid int32, now int64) error {
	iter := tx.Query(ctx, spanner.Statement{
		SQL: `SELECT payload_size FROM bsos WHERE userid = @userid AND collection = @collection AND expiry > @now`,
		Params: map[string]any{"userid": userid, "collection": int64(cid), "now": now},
	})
	defer iter.Stop()

	var count, total int64
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("updateUserCollectionQuotasTx: %w", err)
		}
		var size int64
		if err := row.Columns(&size); err != nil {
			return fmt.Errorf("updateUserCollectionQuotasTx: scan: %w", err)
		}
		count++
		total += size
	}

	return tx.BufferWrite([]*spanner.Mutation{
		spanner.Update("user_collections", []string{"userid", "collection", "count", "total_bytes"},
			[]any{userid, int64(cid), count, total}),
	})
}
