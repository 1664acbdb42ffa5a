package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// CheckQuota returns the collection's last-recomputed payload byte total,
// or nil if quota accounting is disabled. Callers use this to seed or
// update a batch's running size before create/append; it never errors on
// overflow itself (the projected-write check at append/commit time does
// that) since a collection can legitimately already sit above the ceiling
// between recomputes.
func (s *Store) CheckQuota(ctx context.Context, user syncstorage.UserID, cid int32) (*int64, error) {
	ctx, end := startSpan(ctx, "mysql.CheckQuota")
	var err error
	defer func() { end(err) }()

	if !s.quotaEnabled {
		return nil, nil
	}

	userid, err := s.resolveUserID(ctx, user)
	if err != nil {
		return nil, syncstorage.WrapOp("CheckQuota", err)
	}

	total, err := currentTotalBytes(ctx, s.q(), userid, cid)
	if err != nil {
		err = fmt.Errorf("CheckQuota: %w", err)
		return nil, err
	}
	return &total, nil
}

// currentTotalBytes reads user_collections.total_bytes, treating a NULL
// value (no recompute has run yet) or an absent row the same: zero.
func currentTotalBytes(ctx context.Context, q querier, userid int64, cid int32) (int64, error) {
	var total sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT total_bytes FROM user_collections WHERE userid = ? AND collection = ?`,
		userid, cid,
	).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// updateUserCollectionQuotas recomputes count/total_bytes over every
// non-expired BSO in (userid, cid) and persists them, implementing
// update_user_collection_quotas. Called after a batch commit when quota
// accounting is enabled.
func updateUserCollectionQuotas(ctx context.Context, tx querier, userid int64, cid int32, now int64) error {
	var count int64
	var total int64
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(payload_size), 0) FROM bso
		WHERE userid = ? AND collection = ? AND expiry > ?`,
		userid, cid, now,
	).Scan(&count, &total)
	if err != nil {
		return fmt.Errorf("updateUserCollectionQuotas: recompute: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE user_collections SET count = ?, total_bytes = ?
		WHERE userid = ? AND collection = ?`,
		count, total, userid, cid)
	if err != nil {
		return fmt.Errorf("updateUserCollectionQuotas: persist: %w", err)
	}
	return nil
}
