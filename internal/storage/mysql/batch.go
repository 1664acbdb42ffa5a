package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// incomingPayloadBytes sums the length of every non-nil payload in bsos,
// the "running_size" a single append call contributes before it's checked
// against the batch's stored running size.
func incomingPayloadBytes(bsos []syncstorage.BatchBso) int64 {
	var total int64
	for _, b := range bsos {
		if b.Payload != nil {
			total += int64(len(*b.Payload))
		}
	}
	return total
}

// appendBsos enforces the quota check before writing, then stages bsos and
// persists the batch's updated running size. batch.size + incoming >=
// quota_bytes fails the whole call with Quota before any staging row is
// written; otherwise stageBsos runs and batches.size is bumped by incoming.
func (s *Store) appendBsos(ctx context.Context, tx *sql.Tx, userid int64, cid int32, batchID string, bsos []syncstorage.BatchBso) (int64, error) {
	var storedSize int64
	if err := tx.QueryRowContext(ctx,
		`SELECT size FROM batches WHERE userid = ? AND collection = ? AND id = ?`,
		userid, cid, batchID).Scan(&storedSize); err != nil {
		return 0, fmt.Errorf("appendBsos: read size: %w", err)
	}

	incoming := incomingPayloadBytes(bsos)
	if s.quotaEnabled && storedSize+incoming >= s.quotaBytes {
		return 0, &syncstorage.QuotaError{Collection: fmt.Sprintf("%d", cid)}
	}

	if _, err := stageBsos(ctx, tx, userid, cid, batchID, bsos); err != nil {
		return 0, err
	}

	newSize := storedSize + incoming
	if _, err := tx.ExecContext(ctx,
		`UPDATE batches SET size = ? WHERE userid = ? AND collection = ? AND id = ?`,
		newSize, userid, cid, batchID); err != nil {
		return 0, fmt.Errorf("appendBsos: persist size: %w", err)
	}
	return newSize, nil
}

// stageBsos upserts rows into batch_bsos for the given batch, using MySQL's
// native ON DUPLICATE KEY UPDATE so append calls can freely restate ids
// already staged earlier (later writes within a batch
// override earlier ones for the same id).
func stageBsos(ctx context.Context, tx *sql.Tx, userid int64, cid int32, batchID string, bsos []syncstorage.BatchBso) (int64, error) {
	var staged int64
	for _, b := range bsos {
		var payload sql.NullString
		size := 0
		if b.Payload != nil {
			payload = sql.NullString{String: *b.Payload, Valid: true}
			size = len(*b.Payload)
		}
		var sortIndex sql.NullInt32
		if b.SortIndex != nil {
			sortIndex = sql.NullInt32{Int32: *b.SortIndex, Valid: true}
		}
		var ttl sql.NullInt32
		if b.TTL != nil {
			ttl = sql.NullInt32{Int32: *b.TTL, Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO batch_bsos (userid, collection, batch_id, id, sortindex, payload, payload_size, ttl)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				sortindex = COALESCE(VALUES(sortindex), sortindex),
				payload = COALESCE(VALUES(payload), payload),
				payload_size = CASE WHEN VALUES(payload) IS NOT NULL THEN VALUES(payload_size) ELSE payload_size END,
				ttl = COALESCE(VALUES(ttl), ttl)`,
			userid, cid, batchID, b.ID, sortIndex, payload, size, ttl)
		if err != nil {
			return staged, fmt.Errorf("stageBsos: %w", err)
		}
		staged += int64(size)
	}
	return staged, nil
}

// CreateBatch opens a new batch, pretouching the collection's
// user_collections row so batch_bsos (and, on the distributed backend, an
// interleaved child table) always has a parent to attach to (
// steps 1-6).
func (s *Store) CreateBatch(ctx context.Context, p syncstorage.CreateBatchParams) (syncstorage.CreateBatchResult, error) {
	ctx, end := startSpan(ctx, "mysql.CreateBatch")
	var err error
	defer func() { end(err) }()

	batchID := strings.ReplaceAll(uuid.NewString(), "-", "")
	var size int64

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		userid, idErr := s.resolveUserID(ctx, p.UserID)
		if idErr != nil {
			return idErr
		}

		if _, found, cErr := currentUserCollectionModified(ctx, tx, userid, p.CollectionID); cErr != nil {
			return cErr
		} else if !found {
			if _, pErr := tx.ExecContext(ctx, `
				INSERT INTO user_collections (userid, collection, last_modified)
				VALUES (?, ?, ?)`, userid, p.CollectionID, syncstorage.PretouchTimestamp); pErr != nil {
				return pErr
			}
		}

		now, nowErr := txNow(ctx, tx)
		if nowErr != nil {
			return nowErr
		}
		expiry := now + s.batchLife.Milliseconds()

		var initialSize int64
		if s.quotaEnabled {
			total, qErr := currentTotalBytes(ctx, tx, userid, p.CollectionID)
			if qErr != nil {
				return fmt.Errorf("CreateBatch: quota probe: %w", qErr)
			}
			initialSize = total
		}
		if _, bErr := tx.ExecContext(ctx,
			`INSERT INTO batches (userid, collection, id, expiry, size) VALUES (?, ?, ?, ?, ?)`,
			userid, p.CollectionID, batchID, expiry, initialSize); bErr != nil {
			return bErr
		}

		newSize, aErr := s.appendBsos(ctx, tx, userid, p.CollectionID, batchID, p.Bsos)
		if aErr != nil {
			return aErr
		}
		size = newSize
		return nil
	})
	if err != nil {
		err = fmt.Errorf("CreateBatch: %w", err)
		return syncstorage.CreateBatchResult{}, err
	}

	result := syncstorage.CreateBatchResult{ID: batchID}
	if s.quotaEnabled {
		result.Size = &size
	}
	return result, nil
}

// ValidateBatch reports whether batchID exists, belongs to cid, and hasn't
// expired ("every append/commit first validates the batch").
func (s *Store) ValidateBatch(ctx context.Context, user syncstorage.UserID, cid int32, batchID string) (bool, error) {
	ctx, end := startSpan(ctx, "mysql.ValidateBatch")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, user)
	if err != nil {
		return false, syncstorage.WrapOp("ValidateBatch", err)
	}

	var expiry int64
	err = s.q().QueryRowContext(ctx,
		`SELECT expiry FROM batches WHERE userid = ? AND collection = ? AND id = ?`,
		userid, cid, batchID,
	).Scan(&expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		err = fmt.Errorf("ValidateBatch: %w", err)
		return false, err
	}

	now, nowErr := txNowPool(ctx, s)
	if nowErr != nil {
		err = nowErr
		return false, err
	}
	return expiry > now, nil
}

// txNowPool reads the current time without pinning to a specific
// transaction, for read-only validation paths that don't otherwise need one.
func txNowPool(ctx context.Context, s *Store) (int64, error) {
	var micros int64
	err := s.q().QueryRowContext(ctx, `SELECT UNIX_TIMESTAMP(UTC_TIMESTAMP(6)) * 1000000`).Scan(&micros)
	if err != nil {
		return 0, fmt.Errorf("txNowPool: %w", err)
	}
	return micros / 1000, nil
}

// AppendToBatch stages more records into an existing, unexpired batch.
func (s *Store) AppendToBatch(ctx context.Context, p syncstorage.AppendToBatchParams) error {
	ctx, end := startSpan(ctx, "mysql.AppendToBatch")
	var err error
	defer func() { end(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		userid, idErr := s.resolveUserID(ctx, p.UserID)
		if idErr != nil {
			return idErr
		}

		var expiry int64
		scanErr := tx.QueryRowContext(ctx,
			`SELECT expiry FROM batches WHERE userid = ? AND collection = ? AND id = ?`,
			userid, p.CollectionID, p.BatchID,
		).Scan(&expiry)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return syncstorage.ErrBatchNotFound
		}
		if scanErr != nil {
			return scanErr
		}

		now, nowErr := txNow(ctx, tx)
		if nowErr != nil {
			return nowErr
		}
		if expiry <= now {
			return syncstorage.ErrBatchNotFound
		}

		_, aErr := s.appendBsos(ctx, tx, userid, p.CollectionID, p.BatchID, p.Bsos)
		return aErr
	})
	return syncstorage.WrapOp("AppendToBatch", err)
}

// CommitBatch merges every record staged under batchID into bso, applying
// each as a PutBso-equivalent upsert, then deletes the batch and its staged
// rows. The whole merge runs in one transaction: it either fully succeeds or
// fully fails, so Success and Failed are left empty and only Modified is
// set.
func (s *Store) CommitBatch(ctx context.Context, p syncstorage.CommitBatchParams) (syncstorage.PostBsosResult, error) {
	ctx, end := startSpan(ctx, "mysql.CommitBatch")
	var err error
	defer func() { end(err) }()

	var result syncstorage.PostBsosResult
	err = s.withRetry(ctx, "CommitBatch", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			userid, idErr := s.resolveUserID(ctx, p.UserID)
			if idErr != nil {
				return idErr
			}

			var expiry int64
			scanErr := tx.QueryRowContext(ctx,
				`SELECT expiry FROM batches WHERE userid = ? AND collection = ? AND id = ?`,
				userid, p.CollectionID, p.BatchID,
			).Scan(&expiry)
			if errors.Is(scanErr, sql.ErrNoRows) {
				return syncstorage.ErrBatchNotFound
			}
			if scanErr != nil {
				return scanErr
			}

			now, nowErr := txNow(ctx, tx)
			if nowErr != nil {
				return nowErr
			}
			if expiry <= now {
				return syncstorage.ErrBatchNotFound
			}

			modified, touchErr := touchUserCollection(ctx, tx, userid, p.CollectionID, now)
			if touchErr != nil {
				return touchErr
			}

			rows, qErr := tx.QueryContext(ctx, `
				SELECT id, sortindex, payload, ttl FROM batch_bsos
				WHERE userid = ? AND collection = ? AND batch_id = ?`,
				userid, p.CollectionID, p.BatchID)
			if qErr != nil {
				return qErr
			}
			type staged struct {
				id        string
				sortIndex sql.NullInt32
				payload   sql.NullString
				ttl       sql.NullInt32
			}
			var all []staged
			for rows.Next() {
				var r staged
				if sErr := rows.Scan(&r.id, &r.sortIndex, &r.payload, &r.ttl); sErr != nil {
					rows.Close()
					return sErr
				}
				all = append(all, r)
			}
			if rErr := rows.Err(); rErr != nil {
				rows.Close()
				return rErr
			}
			rows.Close()

			for _, r := range all {
				var existingPayload string
				var existingSortIndex sql.NullInt32
				var existingExpiry sql.NullInt64
				existsErr := tx.QueryRowContext(ctx, `
					SELECT payload, sortindex, expiry FROM bso WHERE userid = ? AND collection = ? AND id = ?`,
					userid, p.CollectionID, r.id,
				).Scan(&existingPayload, &existingSortIndex, &existingExpiry)
				if existsErr != nil && !errors.Is(existsErr, sql.ErrNoRows) {
					return existsErr
				}

				// A row whose expiry has already passed is treated as
				// absent: the insert phase's full-replace rules apply
				// instead of the update phase's partial-merge rules.
				live := existsErr == nil && existingExpiry.Valid && existingExpiry.Int64 > modified

				var payload string
				var sortIndex sql.NullInt32
				var expiryVal int64
				if live {
					payload = existingPayload
					if r.payload.Valid {
						payload = r.payload.String
					}
					sortIndex = existingSortIndex
					if r.sortIndex.Valid {
						sortIndex = r.sortIndex
					}
					expiryVal = existingExpiry.Int64
					if r.ttl.Valid {
						expiryVal = modified + int64(r.ttl.Int32)*1000
					}
				} else {
					ttl := syncstorage.DefaultBSOTTL
					if r.ttl.Valid {
						ttl = int(r.ttl.Int32)
					}
					expiryVal = modified + int64(ttl)*1000
					if r.payload.Valid {
						payload = r.payload.String
					}
					if r.sortIndex.Valid {
						sortIndex = r.sortIndex
					}
				}

				_, uErr := tx.ExecContext(ctx, `
					INSERT INTO bso (userid, collection, id, sortindex, payload, payload_size, modified, expiry)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)
					ON DUPLICATE KEY UPDATE
						sortindex = VALUES(sortindex), payload = VALUES(payload),
						payload_size = VALUES(payload_size), modified = VALUES(modified),
						expiry = VALUES(expiry)`,
					userid, p.CollectionID, r.id, sortIndex, payload, len(payload), modified, expiryVal)
				if uErr != nil {
					return uErr
				}
			}

			if _, dErr := tx.ExecContext(ctx,
				`DELETE FROM batch_bsos WHERE userid = ? AND collection = ? AND batch_id = ?`,
				userid, p.CollectionID, p.BatchID); dErr != nil {
				return dErr
			}
			if _, dErr := tx.ExecContext(ctx,
				`DELETE FROM batches WHERE userid = ? AND collection = ? AND id = ?`,
				userid, p.CollectionID, p.BatchID); dErr != nil {
				return dErr
			}

			if s.quotaEnabled {
				if qErr := updateUserCollectionQuotas(ctx, tx, userid, p.CollectionID, modified); qErr != nil {
					return qErr
				}
			}

			result.Modified = modified
			return nil
		})
	})
	if err != nil {
		err = fmt.Errorf("CommitBatch: %w", err)
		return syncstorage.PostBsosResult{}, err
	}
	return result, nil
}

// DeleteBatch discards a batch and its staged records without committing.
func (s *Store) DeleteBatch(ctx context.Context, p syncstorage.DeleteBatchParams) error {
	ctx, end := startSpan(ctx, "mysql.DeleteBatch")
	var err error
	defer func() { end(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		userid, idErr := s.resolveUserID(ctx, p.UserID)
		if idErr != nil {
			return idErr
		}
		if _, dErr := tx.ExecContext(ctx,
			`DELETE FROM batch_bsos WHERE userid = ? AND collection = ? AND batch_id = ?`,
			userid, p.CollectionID, p.BatchID); dErr != nil {
			return dErr
		}
		res, dErr := tx.ExecContext(ctx,
			`DELETE FROM batches WHERE userid = ? AND collection = ? AND id = ?`,
			userid, p.CollectionID, p.BatchID)
		if dErr != nil {
			return dErr
		}
		affected, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		if affected == 0 {
			return syncstorage.ErrBatchNotFound
		}
		return nil
	})
	return syncstorage.WrapOp("DeleteBatch", err)
}
