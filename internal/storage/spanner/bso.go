package spanner

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// touchUserCollectionMaxTx upserts (userid, collection)'s last_modified to
// max(current, candidate) — mirrors internal/storage/mysql's
// touchUserCollectionMax, used by put_bso whose candidate is a
// caller-supplied or already-stored record timestamp.
func touchUserCollectionMaxTx(ctx context.Context, tx *spanner.ReadWriteTransaction, userid string, collection int32, candidate int64) error {
	current, found, err := currentUserCollectionModifiedTx(ctx, tx, userid, collection)
	if err != nil {
		return err
	}
	newVal := candidate
	if found && current >= candidate {
		newVal = current
	}
	return tx.BufferWrite([]*spanner.Mutation{
		spanner.InsertOrUpdate("user_collections", []string{"userid", "collection", "last_modified"},
			[]any{userid, int64(collection), newVal}),
	})
}

// touchUserCollectionCommitTx stamps (userid, collection)'s last_modified
// with an explicit, strictly-bumped value and returns it. bsos.modified and
// user_collections.last_modified are plain INT64 columns (schema.go), not
// TIMESTAMP columns with allow_commit_timestamp — spanner.CommitTimestamp's
// PENDING_COMMIT_TIMESTAMP() placeholder can only be buffered into the
// latter, so the commit path mints its own millisecond value here, mirroring
// internal/storage/mysql's touchUserCollection, rather than borrowing the
// transaction's server-assigned commit timestamp.
func touchUserCollectionCommitTx(ctx context.Context, tx *spanner.ReadWriteTransaction, userid string, collection int32, now int64) (int64, error) {
	previous, found, err := currentUserCollectionModifiedTx(ctx, tx, userid, collection)
	if err != nil {
		return 0, err
	}
	modified := now
	if found {
		modified = bumpModified(now, previous)
	}
	if wErr := tx.BufferWrite([]*spanner.Mutation{
		spanner.InsertOrUpdate("user_collections", []string{"userid", "collection", "last_modified"},
			[]any{userid, int64(collection), modified}),
	}); wErr != nil {
		return 0, wErr
	}
	return modified, nil
}

// setUserCollectionModifiedTx assigns (userid, collection)'s last_modified
// exactly, with no floor against the current value — used by delete_bsos,
// which must be able to pull last_modified back down to the next-highest
// survivor once the record holding the high-water mark is gone.
func setUserCollectionModifiedTx(ctx context.Context, tx *spanner.ReadWriteTransaction, userid string, collection int32, modified int64) error {
	return tx.BufferWrite([]*spanner.Mutation{
		spanner.InsertOrUpdate("user_collections", []string{"userid", "collection", "last_modified"},
			[]any{userid, int64(collection), modified}),
	})
}

// PutBso inserts or partially updates a single record. Because Spanner has
// no ON DUPLICATE KEY UPDATE with column-level COALESCE semantics, the
// partial-update merge is computed by reading the existing row first, same
// shape as internal/storage/mysql.PutBso but expressed as explicit
// Read-then-BufferWrite instead of an UPDATE statement. p.Modified is the
// caller-supplied "now" for this call and is used directly for modified and
// expiry, never replaced by the transaction's commit timestamp.
func (s *Store) PutBso(ctx context.Context, p syncstorage.PutBso) error {
	ctx, end := startSpan(ctx, "spanner.PutBso")
	var err error
	defer func() { end(err) }()

	_, txErr := s.runTx(ctx, "PutBso", func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		userid, idErr := s.resolveUserID(ctx, p.UserID)
		if idErr != nil {
			return idErr
		}

		row, readErr := tx.ReadRow(ctx, "bsos", spanner.Key{userid, int64(p.CollectionID), p.ID},
			[]string{"payload", "sortindex", "modified", "expiry"})

		var payload string
		var sortIndex spanner.NullInt64
		var existingModified, existingExpiry int64
		exists := true
		if spanner.ErrCode(readErr) == spannerCodeNotFound {
			exists = false
		} else if readErr != nil {
			return readErr
		} else if scanErr := row.Columns(&payload, &sortIndex, &existingModified, &existingExpiry); scanErr != nil {
			return scanErr
		}

		ttl := syncstorage.DefaultBSOTTL
		if p.TTL != nil {
			ttl = int(*p.TTL)
		}

		var rowModified, expiry int64
		switch {
		case !exists:
			if p.Payload != nil {
				payload = *p.Payload
			}
			if p.SortIndex != nil {
				sortIndex = spanner.NullInt64{Int64: int64(*p.SortIndex), Valid: true}
			}
			rowModified = p.Modified
			expiry = rowModified + int64(ttl)*1000

		default:
			if p.Payload != nil {
				payload = *p.Payload
			}
			if p.SortIndex != nil {
				sortIndex = spanner.NullInt64{Int64: int64(*p.SortIndex), Valid: true}
			}
			rowModified = existingModified
			expiry = existingExpiry
			if p.Payload != nil {
				rowModified = p.Modified
			}
			if p.TTL != nil {
				expiry = p.Modified + int64(*p.TTL)*1000
			}
		}

		cols := []string{"userid", "collection", "id", "sortindex", "payload", "payload_size", "modified", "expiry"}
		vals := []any{userid, int64(p.CollectionID), p.ID, sortIndex, payload, int64(len(payload)),
			rowModified, expiry}
		if wErr := tx.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate("bsos", cols, vals),
		}); wErr != nil {
			return wErr
		}

		return touchUserCollectionMaxTx(ctx, tx, userid, p.CollectionID, rowModified)
	})
	if txErr != nil {
		err = fmt.Errorf("PutBso: %w", txErr)
		return err
	}
	return nil
}

// GetBso fetches a single non-expired record.
func (s *Store) GetBso(ctx context.Context, p syncstorage.GetBsoParams) (*syncstorage.Bso, error) {
	ctx, end := startSpan(ctx, "spanner.GetBso")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, p.UserID)
	if err != nil {
		return nil, syncstorage.WrapOp("GetBso", err)
	}

	row, readErr := s.client.Single().ReadRow(ctx, "bsos", spanner.Key{userid, int64(p.CollectionID), p.ID},
		[]string{"id", "modified", "payload", "sortindex", "expiry"})
	if spanner.ErrCode(readErr) == spannerCodeNotFound {
		return nil, nil
	}
	if readErr != nil {
		err = fmt.Errorf("GetBso: %w", readErr)
		return nil, err
	}

	var b syncstorage.Bso
	var sortIndex spanner.NullInt64
	if scanErr := row.Columns(&b.ID, &b.Modified, &b.Payload, &sortIndex, &b.Expiry); scanErr != nil {
		err = fmt.Errorf("GetBso: scan: %w", scanErr)
		return nil, err
	}
	if b.Expiry <= time.Now().UnixMilli() {
		return nil, nil
	}
	if sortIndex.Valid {
		v := int32(sortIndex.Int64)
		b.SortIndex = &v
	}
	return &b, nil
}

// GetBsos implements the ordered, pageable listing, same Limit semantics as
// internal/storage/mysql.GetBsos.
func (s *Store) GetBsos(ctx context.Context, p syncstorage.GetBsosParams) (syncstorage.GetBsosResult, error) {
	ctx, end := startSpan(ctx, "spanner.GetBsos")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, p.UserID)
	if err != nil {
		return syncstorage.GetBsosResult{}, syncstorage.WrapOp("GetBsos", err)
	}

	sql := `SELECT id, modified, payload, sortindex, expiry FROM bsos
		WHERE userid = @userid AND collection = @collection AND expiry > @now`
	params := map[string]any{"userid": userid, "collection": int64(p.CollectionID), "now": time.Now().UnixMilli()}

	if len(p.IDs) > 0 {
		sql += ` AND id IN UNNEST(@ids)`
		params["ids"] = p.IDs
	}
	if p.TTLFloor > 0 {
		sql += ` AND expiry > @ttlFloor`
		params["ttlFloor"] = p.TTLFloor
	}
	if p.NewerThan > 0 {
		sql += ` AND modified > @newerThan`
		params["newerThan"] = p.NewerThan
	}

	switch p.Sort {
	case syncstorage.SortNewest:
		sql += ` ORDER BY modified DESC`
	case syncstorage.SortOldest:
		sql += ` ORDER BY modified ASC`
	case syncstorage.SortIndex:
		sql += ` ORDER BY sortindex DESC, modified DESC`
	}

	limit := p.Limit
	fetchExtra := false
	if limit > 0 {
		fetchExtra = true
		sql += ` LIMIT @limit`
		params["limit"] = int64(limit) + 1
		if p.Offset > 0 {
			sql += ` OFFSET @offset`
			params["offset"] = int64(p.Offset)
		}
	} else if limit == 0 {
		sql += ` LIMIT 1`
	}

	iter := s.client.Single().Query(ctx, spanner.Statement{SQL: sql, Params: params})
	defer iter.Stop()

	var result syncstorage.GetBsosResult
	for {
		row, nextErr := iter.Next()
		if nextErr == iterator.Done {
			break
		}
		if nextErr != nil {
			err = fmt.Errorf("GetBsos: %w", nextErr)
			return syncstorage.GetBsosResult{}, err
		}
		var bso syncstorage.Bso
		var sortIndex spanner.NullInt64
		if scanErr := row.Columns(&bso.ID, &bso.Modified, &bso.Payload, &sortIndex, &bso.Expiry); scanErr != nil {
			err = fmt.Errorf("GetBsos: scan: %w", scanErr)
			return syncstorage.GetBsosResult{}, err
		}
		if sortIndex.Valid {
			v := int32(sortIndex.Int64)
			bso.SortIndex = &v
		}
		result.Bsos = append(result.Bsos, bso)
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

// DeleteBsos removes the given ids (or every record in the collection when
// ids is empty) and returns the collection's post-delete modification
// timestamp.
func (s *Store) DeleteBsos(ctx context.Context, user syncstorage.UserID, cid int32, ids []string) (int64, error) {
	ctx, end := startSpan(ctx, "spanner.DeleteBsos")
	var err error
	defer func() { end(err) }()

	var collectionModified int64
	_, txErr := s.runTx(ctx, "DeleteBsos", func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		userid, idErr := s.resolveUserID(ctx, user)
		if idErr != nil {
			return idErr
		}

		var sql string
		params := map[string]any{"userid": userid, "collection": int64(cid)}
		if len(ids) == 0 {
			sql = `SELECT id FROM bsos WHERE userid = @userid AND collection = @collection`
		} else {
			sql = `SELECT id FROM bsos WHERE userid = @userid AND collection = @collection AND id IN UNNEST(@ids)`
			params["ids"] = ids
		}

		iter := tx.Query(ctx, spanner.Statement{SQL: sql, Params: params})
		var muts []*spanner.Mutation
		for {
			row, nextErr := iter.Next()
			if nextErr == iterator.Done {
				break
			}
			if nextErr != nil {
				iter.Stop()
				return nextErr
			}
			var id string
			if scanErr := row.Columns(&id); scanErr != nil {
				iter.Stop()
				return scanErr
			}
			muts = append(muts, spanner.Delete("bsos", spanner.Key{userid, int64(cid), id}))
		}
		iter.Stop()

		if wErr := tx.BufferWrite(muts); wErr != nil {
			return wErr
		}

		now := time.Now().UnixMilli()

		// The collection's last_modified must reflect the max modified of
		// whatever remains after this delete: removing the record that held
		// the high-water mark can only hold last_modified steady or pull it
		// back to the next-highest survivor, never advance it. If nothing
		// survives, the deletion itself becomes the collection's last write.
		// The deletes above are only buffered, not yet visible to reads in
		// this same transaction, so the survivors are computed by excluding
		// the deleted ids explicitly rather than re-querying post-delete
		// state.
		surviveSQL := `SELECT modified FROM bsos WHERE userid = @userid AND collection = @collection AND expiry > @now`
		surviveParams := map[string]any{"userid": userid, "collection": int64(cid), "now": now}
		if len(ids) > 0 {
			surviveSQL += ` AND id NOT IN UNNEST(@ids)`
			surviveParams["ids"] = ids
		}
		var maxModified int64
		found := false
		if len(ids) == 0 {
			// deleting every record: no survivors possible, skip the query.
		} else {
			surviveIter := tx.Query(ctx, spanner.Statement{SQL: surviveSQL, Params: surviveParams})
			defer surviveIter.Stop()
			for {
				row, nextErr := surviveIter.Next()
				if nextErr == iterator.Done {
					break
				}
				if nextErr != nil {
					return nextErr
				}
				var modified int64
				if scanErr := row.Columns(&modified); scanErr != nil {
					return scanErr
				}
				if !found || modified > maxModified {
					maxModified = modified
					found = true
				}
			}
		}
		if found {
			collectionModified = maxModified
			return setUserCollectionModifiedTx(ctx, tx, userid, cid, maxModified)
		}

		modified, touchErr := touchUserCollectionCommitTx(ctx, tx, userid, cid, now)
		if touchErr != nil {
			return touchErr
		}
		collectionModified = modified
		return nil
	})
	if txErr != nil {
		err = fmt.Errorf("DeleteBsos: %w", txErr)
		return 0, err
	}
	return collectionModified, nil
}

// DeleteCollection removes the user_collections row for cid — the
// interleaved ON DELETE CASCADE relationship takes care of every
// bso/batch/batch_bso row underneath it automatically — then returns the
// user's storage modified timestamp after deletion: the max last_modified
// across whatever collections remain, or, when none do, a tombstone
// timestamp stamped under syncstorage.TombstoneCollectionID so a later
// GetStorageModified still reflects the deletion rather than reporting zero.
func (s *Store) DeleteCollection(ctx context.Context, user syncstorage.UserID, cid int32) (int64, error) {
	ctx, end := startSpan(ctx, "spanner.DeleteCollection")
	var err error
	defer func() { end(err) }()

	var storageModified int64
	_, txErr := s.runTx(ctx, "DeleteCollection", func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		userid, idErr := s.resolveUserID(ctx, user)
		if idErr != nil {
			return idErr
		}

		if wErr := tx.BufferWrite([]*spanner.Mutation{
			spanner.Delete("user_collections", spanner.Key{userid, int64(cid)}),
		}); wErr != nil {
			return wErr
		}

		// BufferWrite mutations aren't visible to reads in this same
		// transaction, so cid's row would read back as still present even
		// after the delete above; excluded explicitly rather than relying
		// on its absence.
		iter := tx.Query(ctx, spanner.Statement{
			SQL: `SELECT last_modified FROM user_collections
				WHERE userid = @userid AND collection != @cid AND last_modified != @pretouch`,
			Params: map[string]any{"userid": userid, "cid": int64(cid), "pretouch": pretouchTimestamp},
		})
		defer iter.Stop()
		var maxModified int64
		found := false
		for {
			row, nextErr := iter.Next()
			if nextErr == iterator.Done {
				break
			}
			if nextErr != nil {
				return nextErr
			}
			var modified int64
			if scanErr := row.Columns(&modified); scanErr != nil {
				return scanErr
			}
			if !found || modified > maxModified {
				maxModified = modified
				found = true
			}
		}
		if found {
			storageModified = maxModified
			return nil
		}

		modified, touchErr := touchUserCollectionCommitTx(ctx, tx, userid, syncstorage.TombstoneCollectionID, time.Now().UnixMilli())
		if touchErr != nil {
			return touchErr
		}
		storageModified = modified
		return nil
	})
	if txErr != nil {
		err = fmt.Errorf("DeleteCollection: %w", txErr)
		return 0, err
	}
	return storageModified, nil
}

// GetCollectionModified returns the collection's last_modified.
func (s *Store) GetCollectionModified(ctx context.Context, user syncstorage.UserID, cid int32) (int64, error) {
	ctx, end := startSpan(ctx, "spanner.GetCollectionModified")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, user)
	if err != nil {
		return 0, syncstorage.WrapOp("GetCollectionModified", err)
	}

	row, readErr := s.client.Single().ReadRow(ctx, "user_collections", spanner.Key{userid, int64(cid)}, []string{"last_modified"})
	if spanner.ErrCode(readErr) == spannerCodeNotFound {
		err = syncstorage.ErrCollectionNotFound
		return 0, err
	}
	if readErr != nil {
		err = fmt.Errorf("GetCollectionModified: %w", readErr)
		return 0, err
	}
	var modified int64
	if scanErr := row.Columns(&modified); scanErr != nil {
		err = fmt.Errorf("GetCollectionModified: scan: %w", scanErr)
		return 0, err
	}
	if modified == pretouchTimestamp {
		err = syncstorage.ErrCollectionNotFound
		return 0, err
	}
	return modified, nil
}

// GetStorageModified returns the max last_modified across every collection
// for the user.
func (s *Store) GetStorageModified(ctx context.Context, user syncstorage.UserID) (int64, error) {
	ctx, end := startSpan(ctx, "spanner.GetStorageModified")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, user)
	if err != nil {
		return 0, syncstorage.WrapOp("GetStorageModified", err)
	}

	var modified spanner.NullInt64
	readErr := readRow(ctx, s.client, spanner.Statement{
		SQL:    `SELECT MAX(last_modified) FROM user_collections WHERE userid = @userid AND last_modified != @pretouch`,
		Params: map[string]any{"userid": userid, "pretouch": pretouchTimestamp},
	}, func(row *spanner.Row) error { return row.Columns(&modified) })
	if readErr != nil && readErr != errNotFound {
		err = fmt.Errorf("GetStorageModified: %w", readErr)
		return 0, err
	}
	return modified.Int64, nil
}

// GetCollectionsModified returns every collection's last_modified for the
// user, keyed by name.
func (s *Store) GetCollectionsModified(ctx context.Context, user syncstorage.UserID) (map[string]int64, error) {
	ctx, end := startSpan(ctx, "spanner.GetCollectionsModified")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, user)
	if err != nil {
		return nil, syncstorage.WrapOp("GetCollectionsModified", err)
	}

	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT c.name, uc.last_modified FROM user_collections uc
			JOIN collections c ON c.id = uc.collection
			WHERE uc.userid = @userid AND uc.last_modified != @pretouch`,
		Params: map[string]any{"userid": userid, "pretouch": pretouchTimestamp},
	})
	defer iter.Stop()

	out := make(map[string]int64)
	for {
		row, nextErr := iter.Next()
		if nextErr == iterator.Done {
			break
		}
		if nextErr != nil {
			err = fmt.Errorf("GetCollectionsModified: %w", nextErr)
			return nil, err
		}
		var name string
		var modified int64
		if scanErr := row.Columns(&name, &modified); scanErr != nil {
			err = fmt.Errorf("GetCollectionsModified: scan: %w", scanErr)
			return nil, err
		}
		out[name] = modified
	}
	return out, nil
}

// TouchCollection forces last_modified to at least modified — the same
// max-ceiling rule as touchUserCollectionMaxTx, exposed as its own entry
// point for touching a collection outside of a PutBso/DeleteBsos call.
// CreateBatch does not call it; it buffers its pretouch row itself.
func (s *Store) TouchCollection(ctx context.Context, user syncstorage.UserID, cid int32, modified int64) error {
	ctx, end := startSpan(ctx, "spanner.TouchCollection")
	var err error
	defer func() { end(err) }()

	_, txErr := s.runTx(ctx, "TouchCollection", func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		userid, idErr := s.resolveUserID(ctx, user)
		if idErr != nil {
			return idErr
		}
		return touchUserCollectionMaxTx(ctx, tx, userid, cid, modified)
	})
	return syncstorage.WrapOp("TouchCollection", txErr)
}
