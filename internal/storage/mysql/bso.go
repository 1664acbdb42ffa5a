package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// touchUserCollection upserts (userid, collection)'s last_modified, bumping
// it forward to preserve monotonicity and returning the value actually
// written. Used by the Batch Engine's commit path, where the incoming value
// is a server-generated commit timestamp that must end up strictly greater
// than whatever was there before.
func touchUserCollection(ctx context.Context, tx *sql.Tx, userid int64, collection int32, now int64) (int64, error) {
	previous, found, err := currentUserCollectionModified(ctx, tx, userid, collection)
	if err != nil {
		return 0, err
	}
	modified := now
	if found {
		modified = bumpModified(now, previous)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_collections (userid, collection, last_modified)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE last_modified = VALUES(last_modified)`,
		userid, collection, modified)
	if err != nil {
		return 0, fmt.Errorf("touchUserCollection: %w", err)
	}
	return modified, nil
}

// touchUserCollectionMax upserts (userid, collection)'s last_modified to
// max(current, candidate) — a plain ceiling, not a strict bump. Used by
// put_bso, whose candidate is a caller-supplied or already-stored record
// timestamp rather than a freshly minted one.
func touchUserCollectionMax(ctx context.Context, tx *sql.Tx, userid int64, collection int32, candidate int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_collections (userid, collection, last_modified)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE last_modified = GREATEST(last_modified, VALUES(last_modified))`,
		userid, collection, candidate)
	if err != nil {
		return fmt.Errorf("touchUserCollectionMax: %w", err)
	}
	return nil
}

// setUserCollectionModified assigns (userid, collection)'s last_modified
// exactly, with no floor against the current value. Used by delete_bsos:
// removing the record that held the high-water mark must be able to pull
// last_modified back down to the next-highest survivor, not just hold it
// steady.
func setUserCollectionModified(ctx context.Context, tx *sql.Tx, userid int64, collection int32, modified int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_collections (userid, collection, last_modified)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE last_modified = VALUES(last_modified)`,
		userid, collection, modified)
	if err != nil {
		return fmt.Errorf("setUserCollectionModified: %w", err)
	}
	return nil
}

// PutBso inserts or partially updates a single record: fields left nil on
// an existing row are preserved; Payload unset and SortIndex unset both
// mean "don't touch this column". p.Modified is the caller-supplied "now"
// for this call — it is used directly, never replaced by a server clock
// read, so repeated puts with the same Modified are idempotent.
func (s *Store) PutBso(ctx context.Context, p syncstorage.PutBso) error {
	ctx, end := startSpan(ctx, "mysql.PutBso")
	var err error
	defer func() { end(err) }()

	err = s.withRetry(ctx, "PutBso", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			userid, idErr := s.resolveUserID(ctx, p.UserID)
			if idErr != nil {
				return idErr
			}

			ttl := syncstorage.DefaultBSOTTL
			if p.TTL != nil {
				ttl = int(*p.TTL)
			}

			var existingPayload string
			var existingSortIndex sql.NullInt32
			var existingExpiry, existingModified int64
			scanErr := tx.QueryRowContext(ctx, `
				SELECT payload, sortindex, expiry, modified FROM bso
				WHERE userid = ? AND collection = ? AND id = ?`,
				userid, p.CollectionID, p.ID,
			).Scan(&existingPayload, &existingSortIndex, &existingExpiry, &existingModified)

			var rowModified int64
			switch {
			case errors.Is(scanErr, sql.ErrNoRows):
				payload := ""
				if p.Payload != nil {
					payload = *p.Payload
				}
				var sortIndex sql.NullInt32
				if p.SortIndex != nil {
					sortIndex = sql.NullInt32{Int32: *p.SortIndex, Valid: true}
				}
				rowModified = p.Modified
				expiry := rowModified + int64(ttl)*1000
				if _, insErr := tx.ExecContext(ctx, `
					INSERT INTO bso (userid, collection, id, sortindex, payload, payload_size, modified, expiry)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					userid, p.CollectionID, p.ID, sortIndex, payload, len(payload), rowModified, expiry); insErr != nil {
					return insErr
				}

			case scanErr != nil:
				return scanErr

			default:
				// Partial update: payload unset means modified is left
				// untouched; a TTL-only touch updates expiry but not
				// modified, per the put_bso partial-field rules.
				payload := existingPayload
				if p.Payload != nil {
					payload = *p.Payload
				}
				sortIndex := existingSortIndex
				if p.SortIndex != nil {
					sortIndex = sql.NullInt32{Int32: *p.SortIndex, Valid: true}
				}

				rowModified = existingModified
				newExpiry := existingExpiry
				if p.Payload != nil {
					rowModified = p.Modified
				}
				if p.TTL != nil {
					newExpiry = p.Modified + int64(*p.TTL)*1000
				}

				if _, updErr := tx.ExecContext(ctx, `
					UPDATE bso SET payload = ?, payload_size = ?, sortindex = ?, modified = ?, expiry = ?
					WHERE userid = ? AND collection = ? AND id = ?`,
					payload, len(payload), sortIndex, rowModified, newExpiry,
					userid, p.CollectionID, p.ID); updErr != nil {
					return updErr
				}
			}

			return touchUserCollectionMax(ctx, tx, userid, p.CollectionID, rowModified)
		})
	})
	return syncstorage.WrapOp("PutBso", err)
}

// GetBso fetches a single non-expired record.
func (s *Store) GetBso(ctx context.Context, p syncstorage.GetBsoParams) (*syncstorage.Bso, error) {
	ctx, end := startSpan(ctx, "mysql.GetBso")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, p.UserID)
	if err != nil {
		return nil, syncstorage.WrapOp("GetBso", err)
	}

	var b syncstorage.Bso
	var sortIndex sql.NullInt32
	err = s.q().QueryRowContext(ctx, `
		SELECT id, modified, payload, sortindex, expiry FROM bso
		WHERE userid = ? AND collection = ? AND id = ? AND expiry > ?`,
		userid, p.CollectionID, p.ID, nowMillis(),
	).Scan(&b.ID, &b.Modified, &b.Payload, &sortIndex, &b.Expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		err = fmt.Errorf("GetBso: %w", err)
		return nil, err
	}
	if sortIndex.Valid {
		b.SortIndex = &sortIndex.Int32
	}
	return &b, nil
}

// GetBsos implements the ordered, pageable listing (the query and
// paging semantics). Limit<0 returns everything; Limit==0 is a zero-row
// existence probe; Limit>0 pages by row position under Sort.
func (s *Store) GetBsos(ctx context.Context, p syncstorage.GetBsosParams) (syncstorage.GetBsosResult, error) {
	ctx, end := startSpan(ctx, "mysql.GetBsos")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, p.UserID)
	if err != nil {
		return syncstorage.GetBsosResult{}, syncstorage.WrapOp("GetBsos", err)
	}

	var b strings.Builder
	args := []any{userid, p.CollectionID, nowMillis()}
	b.WriteString(`SELECT id, modified, payload, sortindex, expiry FROM bso WHERE userid = ? AND collection = ? AND expiry > ?`)

	if len(p.IDs) > 0 {
		placeholders := make([]string, len(p.IDs))
		for i, id := range p.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		b.WriteString(" AND id IN (" + strings.Join(placeholders, ",") + ")")
	}
	if p.TTLFloor > 0 {
		b.WriteString(" AND expiry > ?")
		args = append(args, p.TTLFloor)
	}
	if p.NewerThan > 0 {
		b.WriteString(" AND modified > ?")
		args = append(args, p.NewerThan)
	}

	switch p.Sort {
	case syncstorage.SortNewest:
		b.WriteString(" ORDER BY modified DESC")
	case syncstorage.SortOldest:
		b.WriteString(" ORDER BY modified ASC")
	case syncstorage.SortIndex:
		b.WriteString(" ORDER BY sortindex DESC, modified DESC")
	}

	limit := p.Limit
	fetchExtra := false
	if limit > 0 {
		fetchExtra = true
		b.WriteString(" LIMIT ?")
		args = append(args, int64(limit)+1)
		if p.Offset > 0 {
			b.WriteString(" OFFSET ?")
			args = append(args, p.Offset)
		}
	} else if limit == 0 {
		b.WriteString(" LIMIT 1")
	}

	rows, err := s.q().QueryContext(ctx, b.String(), args...)
	if err != nil {
		err = fmt.Errorf("GetBsos: %w", err)
		return syncstorage.GetBsosResult{}, err
	}
	defer rows.Close()

	var result syncstorage.GetBsosResult
	for rows.Next() {
		var bso syncstorage.Bso
		var sortIndex sql.NullInt32
		if err = rows.Scan(&bso.ID, &bso.Modified, &bso.Payload, &sortIndex, &bso.Expiry); err != nil {
			err = fmt.Errorf("GetBsos: scan: %w", err)
			return syncstorage.GetBsosResult{}, err
		}
		if sortIndex.Valid {
			bso.SortIndex = &sortIndex.Int32
		}
		result.Bsos = append(result.Bsos, bso)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("GetBsos: rows: %w", err)
		return syncstorage.GetBsosResult{}, err
	}

	if limit == 0 {
		result.More = len(result.Bsos) > 0
		result.Bsos = nil
		return result, nil
	}
	if fetchExtra && len(result.Bsos) > int(limit) {
		result.Bsos = result.Bsos[:limit]
		result.More = true
		result.Offset = p.Offset + limit
	}
	return result, nil
}

// DeleteBsos removes the given ids (or, if ids is empty, every record in
// the collection) and returns the collection's post-delete modification
// timestamp.
func (s *Store) DeleteBsos(ctx context.Context, user syncstorage.UserID, cid int32, ids []string) (int64, error) {
	ctx, end := startSpan(ctx, "mysql.DeleteBsos")
	var err error
	defer func() { end(err) }()

	var collectionModified int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		userid, idErr := s.resolveUserID(ctx, user)
		if idErr != nil {
			return idErr
		}

		var execErr error
		if len(ids) == 0 {
			_, execErr = tx.ExecContext(ctx,
				`DELETE FROM bso WHERE userid = ? AND collection = ?`, userid, cid)
		} else {
			placeholders := make([]string, len(ids))
			args := make([]any, 0, len(ids)+2)
			args = append(args, userid, cid)
			for i, id := range ids {
				placeholders[i] = "?"
				args = append(args, id)
			}
			_, execErr = tx.ExecContext(ctx,
				`DELETE FROM bso WHERE userid = ? AND collection = ? AND id IN (`+strings.Join(placeholders, ",")+`)`,
				args...)
		}
		if execErr != nil {
			return execErr
		}

		// The collection's last_modified must reflect the max modified of
		// whatever remains after this delete, not the time of the delete
		// itself — deleting the record that held the high-water mark can
		// only ever hold last_modified steady or pull it back down to the
		// next-highest survivor. If nothing survives, the deletion itself
		// becomes the collection's last write.
		var maxModified sql.NullInt64
		if qErr := tx.QueryRowContext(ctx, `
			SELECT MAX(modified) FROM bso WHERE userid = ? AND collection = ? AND expiry > ?`,
			userid, cid, nowMillis()).Scan(&maxModified); qErr != nil {
			return qErr
		}
		if maxModified.Valid {
			collectionModified = maxModified.Int64
			return setUserCollectionModified(ctx, tx, userid, cid, maxModified.Int64)
		}

		now, nowErr := txNow(ctx, tx)
		if nowErr != nil {
			return nowErr
		}
		modified, touchErr := touchUserCollection(ctx, tx, userid, cid, now)
		if touchErr != nil {
			return touchErr
		}
		collectionModified = modified
		return nil
	})
	if err != nil {
		err = fmt.Errorf("DeleteBsos: %w", err)
		return 0, err
	}
	return collectionModified, nil
}

// DeleteCollection removes every record in a collection and the
// user_collections row tracking it, then returns the user's storage
// modified timestamp after deletion: the max last_modified across whatever
// collections remain, or — when none do — a tombstone timestamp stamped
// under TombstoneCollectionID so a later GetStorageModified still reflects
// the deletion rather than reporting zero.
func (s *Store) DeleteCollection(ctx context.Context, user syncstorage.UserID, cid int32) (int64, error) {
	ctx, end := startSpan(ctx, "mysql.DeleteCollection")
	var err error
	defer func() { end(err) }()

	var storageModified int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		userid, idErr := s.resolveUserID(ctx, user)
		if idErr != nil {
			return idErr
		}
		if _, execErr := tx.ExecContext(ctx,
			`DELETE FROM bso WHERE userid = ? AND collection = ?`, userid, cid); execErr != nil {
			return execErr
		}
		if _, execErr := tx.ExecContext(ctx,
			`DELETE FROM user_collections WHERE userid = ? AND collection = ?`, userid, cid); execErr != nil {
			return execErr
		}

		var maxModified sql.NullInt64
		if qErr := tx.QueryRowContext(ctx,
			`SELECT MAX(last_modified) FROM user_collections WHERE userid = ? AND last_modified != ?`,
			userid, syncstorage.PretouchTimestamp).Scan(&maxModified); qErr != nil {
			return qErr
		}
		if maxModified.Valid {
			storageModified = maxModified.Int64
			return nil
		}

		now, nowErr := txNow(ctx, tx)
		if nowErr != nil {
			return nowErr
		}
		modified, touchErr := touchUserCollection(ctx, tx, userid, syncstorage.TombstoneCollectionID, now)
		if touchErr != nil {
			return touchErr
		}
		storageModified = modified
		return nil
	})
	if err != nil {
		err = fmt.Errorf("DeleteCollection: %w", err)
		return 0, err
	}
	return storageModified, nil
}

// GetCollectionModified returns the collection's last_modified, treating an
// absent or pretouch-only row as CollectionNotFound.
func (s *Store) GetCollectionModified(ctx context.Context, user syncstorage.UserID, cid int32) (int64, error) {
	ctx, end := startSpan(ctx, "mysql.GetCollectionModified")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, user)
	if err != nil {
		return 0, syncstorage.WrapOp("GetCollectionModified", err)
	}

	var modified int64
	err = s.q().QueryRowContext(ctx,
		`SELECT last_modified FROM user_collections WHERE userid = ? AND collection = ?`,
		userid, cid,
	).Scan(&modified)
	if errors.Is(err, sql.ErrNoRows) || modified == syncstorage.PretouchTimestamp {
		err = syncstorage.ErrCollectionNotFound
		return 0, err
	}
	if err != nil {
		err = fmt.Errorf("GetCollectionModified: %w", err)
		return 0, err
	}
	return modified, nil
}

// GetStorageModified returns the max last_modified across every collection
// for the user, ignoring pretouch sentinels.
func (s *Store) GetStorageModified(ctx context.Context, user syncstorage.UserID) (int64, error) {
	ctx, end := startSpan(ctx, "mysql.GetStorageModified")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, user)
	if err != nil {
		return 0, syncstorage.WrapOp("GetStorageModified", err)
	}

	var modified sql.NullInt64
	err = s.q().QueryRowContext(ctx,
		`SELECT MAX(last_modified) FROM user_collections WHERE userid = ? AND last_modified != ?`,
		userid, syncstorage.PretouchTimestamp,
	).Scan(&modified)
	if err != nil {
		err = fmt.Errorf("GetStorageModified: %w", err)
		return 0, err
	}
	return modified.Int64, nil
}

// GetCollectionsModified returns every collection's last_modified for the
// user, keyed by name, excluding pretouch-only collections.
func (s *Store) GetCollectionsModified(ctx context.Context, user syncstorage.UserID) (map[string]int64, error) {
	ctx, end := startSpan(ctx, "mysql.GetCollectionsModified")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, user)
	if err != nil {
		return nil, syncstorage.WrapOp("GetCollectionsModified", err)
	}

	rows, err := s.q().QueryContext(ctx, `
		SELECT c.name, uc.last_modified
		FROM user_collections uc
		JOIN collections c ON c.id = uc.collection
		WHERE uc.userid = ? AND uc.last_modified != ?`,
		userid, syncstorage.PretouchTimestamp)
	if err != nil {
		err = fmt.Errorf("GetCollectionsModified: %w", err)
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var modified int64
		if err = rows.Scan(&name, &modified); err != nil {
			err = fmt.Errorf("GetCollectionsModified: scan: %w", err)
			return nil, err
		}
		out[name] = modified
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("GetCollectionsModified: rows: %w", err)
		return nil, err
	}
	return out, nil
}

// TouchCollection forces last_modified to at least modified, creating the
// user_collections row if it is absent. CreateBatch does not call it; it
// writes its pretouch row itself.
func (s *Store) TouchCollection(ctx context.Context, user syncstorage.UserID, cid int32, modified int64) error {
	ctx, end := startSpan(ctx, "mysql.TouchCollection")
	var err error
	defer func() { end(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		userid, idErr := s.resolveUserID(ctx, user)
		if idErr != nil {
			return idErr
		}
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO user_collections (userid, collection, last_modified)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE last_modified = GREATEST(last_modified, VALUES(last_modified))`,
			userid, cid, modified)
		return execErr
	})
	return syncstorage.WrapOp("TouchCollection", err)
}
