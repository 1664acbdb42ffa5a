package spanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// incomingPayloadBytes sums the length of every non-nil payload in bsos.
func incomingPayloadBytes(bsos []syncstorage.BatchBso) int64 {
	var total int64
	for _, b := range bsos {
		if b.Payload != nil {
			total += int64(len(*b.Payload))
		}
	}
	return total
}

// checkAndStage enforces the quota check against storedSize (the batch's
// running size as of the start of this transaction) before writing
// anything, then stages bsos. Spanner mutations are client-buffered and
// invisible to reads in the same transaction, so storedSize must come from
// a read that happened before any BufferWrite in this call — CreateBatch
// passes its freshly-computed initial size directly rather than reading
// back the row it just buffered.
func (s *Store) checkAndStage(ctx context.Context, tx *spanner.ReadWriteTransaction, userid string, cid int32, batchID string, bsos []syncstorage.BatchBso, storedSize int64) (int64, error) {
	incoming := incomingPayloadBytes(bsos)
	if s.quotaEnabled && storedSize+incoming >= s.quotaBytes {
		return 0, &syncstorage.QuotaError{Collection: fmt.Sprintf("%d", cid)}
	}

	if _, err := stageBsos(ctx, tx, userid, cid, batchID, bsos); err != nil {
		return 0, err
	}
	return storedSize + incoming, nil
}

// appendBsos reads the batch's stored running size (safe here since no
// write has been buffered yet in this transaction), then delegates to
// checkAndStage and persists the resulting size.
func (s *Store) appendBsos(ctx context.Context, tx *spanner.ReadWriteTransaction, userid string, cid int32, batchID string, bsos []syncstorage.BatchBso) (int64, error) {
	row, err := tx.ReadRow(ctx, "batches", spanner.Key{userid, int64(cid), batchID}, []string{"size"})
	if err != nil {
		return 0, fmt.Errorf("appendBsos: read size: %w", err)
	}
	var storedSize int64
	if err := row.Columns(&storedSize); err != nil {
		return 0, fmt.Errorf("appendBsos: scan size: %w", err)
	}

	newSize, err := s.checkAndStage(ctx, tx, userid, cid, batchID, bsos, storedSize)
	if err != nil {
		return 0, err
	}

	if err := tx.BufferWrite([]*spanner.Mutation{
		spanner.Update("batches", []string{"userid", "collection", "id", "size"},
			[]any{userid, int64(cid), batchID, newSize}),
	}); err != nil {
		return 0, fmt.Errorf("appendBsos: persist size: %w", err)
	}
	return newSize, nil
}

// stageBsos partitions bsos into inserts and updates against what's already
// staged for batchID, then applies inserts as a single buffered mutation
// batch and updates as individual per-row UPDATE DML statements, mirroring
// the storj SpannerAdapter's preference for mutations on the bulk path and
// DML only where a per-row merge is unavoidable.
func stageBsos(ctx context.Context, tx *spanner.ReadWriteTransaction, userid string, cid int32, batchID string, bsos []syncstorage.BatchBso) (int64, error) {
	if len(bsos) == 0 {
		return 0, nil
	}

	ids := make([]string, len(bsos))
	for i, b := range bsos {
		ids[i] = b.ID
	}
	existing := map[string]bool{}
	iter := tx.Query(ctx, spanner.Statement{
		SQL: `SELECT id FROM batch_bsos WHERE userid = @userid AND collection = @collection
			AND batch_id = @batch AND id IN UNNEST(@ids)`,
		Params: map[string]any{"userid": userid, "collection": int64(cid), "batch": batchID, "ids": ids},
	})
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			iter.Stop()
			return 0, err
		}
		var id string
		if err := row.Columns(&id); err != nil {
			iter.Stop()
			return 0, err
		}
		existing[id] = true
	}
	iter.Stop()

	var inserts []*spanner.Mutation
	var staged int64
	for _, b := range bsos {
		var payload spanner.NullString
		size := int64(0)
		if b.Payload != nil {
			payload = spanner.NullString{StringVal: *b.Payload, Valid: true}
			size = int64(len(*b.Payload))
		}
		var sortIndex spanner.NullInt64
		if b.SortIndex != nil {
			sortIndex = spanner.NullInt64{Int64: int64(*b.SortIndex), Valid: true}
		}
		var ttl spanner.NullInt64
		if b.TTL != nil {
			ttl = spanner.NullInt64{Int64: int64(*b.TTL), Valid: true}
		}
		staged += size

		if existing[b.ID] {
			stmt := spanner.Statement{
				SQL: `UPDATE batch_bsos SET
					sortindex = COALESCE(@sortindex, sortindex),
					payload = COALESCE(@payload, payload),
					payload_size = CASE WHEN @payload IS NOT NULL THEN @size ELSE payload_size END,
					ttl = COALESCE(@ttl, ttl)
					WHERE userid = @userid AND collection = @collection AND batch_id = @batch AND id = @id`,
				Params: map[string]any{
					"sortindex": sortIndex, "payload": payload, "size": size, "ttl": ttl,
					"userid": userid, "collection": int64(cid), "batch": batchID, "id": b.ID,
				},
			}
			if _, err := tx.Update(ctx, stmt); err != nil {
				return 0, fmt.Errorf("stageBsos: update: %w", err)
			}
			continue
		}

		inserts = append(inserts, spanner.Insert("batch_bsos",
			[]string{"userid", "collection", "batch_id", "id", "sortindex", "payload", "payload_size", "ttl"},
			[]any{userid, int64(cid), batchID, b.ID, sortIndex, payload, size, ttl}))
	}

	if len(inserts) > 0 {
		if err := tx.BufferWrite(inserts); err != nil {
			return 0, fmt.Errorf("stageBsos: insert: %w", err)
		}
	}
	return staged, nil
}

// CreateBatch opens a new batch, pretouching user_collections so batches and
// batch_bsos (both interleaved under it) always have a parent row.
func (s *Store) CreateBatch(ctx context.Context, p syncstorage.CreateBatchParams) (syncstorage.CreateBatchResult, error) {
	ctx, end := startSpan(ctx, "spanner.CreateBatch")
	var err error
	defer func() { end(err) }()

	batchID := strings.ReplaceAll(uuid.NewString(), "-", "")
	var size int64

	_, txErr := s.runTx(ctx, "CreateBatch", func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		userid, idErr := s.resolveUserID(ctx, p.UserID)
		if idErr != nil {
			return idErr
		}

		if _, found, cErr := currentUserCollectionModifiedTx(ctx, tx, userid, p.CollectionID); cErr != nil {
			return cErr
		} else if !found {
			if tErr := tx.BufferWrite([]*spanner.Mutation{
				spanner.InsertOrUpdate("user_collections", []string{"userid", "collection", "last_modified"},
					[]any{userid, int64(p.CollectionID), pretouchTimestamp}),
			}); tErr != nil {
				return tErr
			}
		}

		expiry := time.Now().Add(s.batchLife)

		var initialSize int64
		if s.quotaEnabled {
			total, qErr := currentTotalBytesTx(ctx, tx, userid, p.CollectionID)
			if qErr != nil {
				return fmt.Errorf("CreateBatch: quota probe: %w", qErr)
			}
			initialSize = total
		}

		// initialSize was read before any BufferWrite in this transaction, so
		// it reflects committed state; checkAndStage must not re-read it back
		// from the batches row since the insert below hasn't been applied yet.
		newSize, aErr := s.checkAndStage(ctx, tx, userid, p.CollectionID, batchID, p.Bsos, initialSize)
		if aErr != nil {
			return aErr
		}

		if bErr := tx.BufferWrite([]*spanner.Mutation{
			spanner.Insert("batches", []string{"userid", "collection", "id", "commit_expiry", "size"},
				[]any{userid, int64(p.CollectionID), batchID, expiry, newSize}),
		}); bErr != nil {
			return bErr
		}
		size = newSize
		return nil
	})
	if txErr != nil {
		err = fmt.Errorf("CreateBatch: %w", txErr)
		return syncstorage.CreateBatchResult{}, err
	}

	result := syncstorage.CreateBatchResult{ID: batchID}
	if s.quotaEnabled {
		result.Size = &size
	}
	return result, nil
}

// ValidateBatch reports whether batchID exists, belongs to cid, and hasn't
// expired.
func (s *Store) ValidateBatch(ctx context.Context, user syncstorage.UserID, cid int32, batchID string) (bool, error) {
	ctx, end := startSpan(ctx, "spanner.ValidateBatch")
	var err error
	defer func() { end(err) }()

	userid, err := s.resolveUserID(ctx, user)
	if err != nil {
		return false, syncstorage.WrapOp("ValidateBatch", err)
	}

	row, readErr := s.client.Single().ReadRow(ctx, "batches", spanner.Key{userid, int64(cid), batchID}, []string{"commit_expiry"})
	if spanner.ErrCode(readErr) == spannerCodeNotFound {
		return false, nil
	}
	if readErr != nil {
		err = fmt.Errorf("ValidateBatch: %w", readErr)
		return false, err
	}
	var expiry time.Time
	if scanErr := row.Columns(&expiry); scanErr != nil {
		err = fmt.Errorf("ValidateBatch: scan: %w", scanErr)
		return false, err
	}
	return expiry.After(time.Now()), nil
}

// AppendToBatch stages more records into an existing, unexpired batch.
func (s *Store) AppendToBatch(ctx context.Context, p syncstorage.AppendToBatchParams) error {
	ctx, end := startSpan(ctx, "spanner.AppendToBatch")
	var err error
	defer func() { end(err) }()

	_, txErr := s.runTx(ctx, "AppendToBatch", func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		userid, idErr := s.resolveUserID(ctx, p.UserID)
		if idErr != nil {
			return idErr
		}

		row, readErr := tx.ReadRow(ctx, "batches", spanner.Key{userid, int64(p.CollectionID), p.BatchID}, []string{"commit_expiry"})
		if spanner.ErrCode(readErr) == spannerCodeNotFound {
			return syncstorage.ErrBatchNotFound
		}
		if readErr != nil {
			return readErr
		}
		var expiry time.Time
		if scanErr := row.Columns(&expiry); scanErr != nil {
			return scanErr
		}
		if !expiry.After(time.Now()) {
			return syncstorage.ErrBatchNotFound
		}

		_, aErr := s.appendBsos(ctx, tx, userid, p.CollectionID, p.BatchID, p.Bsos)
		return aErr
	})
	return syncstorage.WrapOp("AppendToBatch", txErr)
}

// CommitBatch merges every record staged under batchID into bsos, then
// deletes the batch (interleaved cascade removes its staged rows too).
func (s *Store) CommitBatch(ctx context.Context, p syncstorage.CommitBatchParams) (syncstorage.PostBsosResult, error) {
	ctx, end := startSpan(ctx, "spanner.CommitBatch")
	var err error
	defer func() { end(err) }()

	var result syncstorage.PostBsosResult
	_, txErr := s.runTx(ctx, "CommitBatch", func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		userid, idErr := s.resolveUserID(ctx, p.UserID)
		if idErr != nil {
			return idErr
		}

		row, readErr := tx.ReadRow(ctx, "batches", spanner.Key{userid, int64(p.CollectionID), p.BatchID}, []string{"commit_expiry"})
		if spanner.ErrCode(readErr) == spannerCodeNotFound {
			return syncstorage.ErrBatchNotFound
		}
		if readErr != nil {
			return readErr
		}
		var expiry time.Time
		if scanErr := row.Columns(&expiry); scanErr != nil {
			return scanErr
		}
		if !expiry.After(time.Now()) {
			return syncstorage.ErrBatchNotFound
		}

		now := time.Now().UnixMilli()
		modified, tErr := touchUserCollectionCommitTx(ctx, tx, userid, p.CollectionID, now)
		if tErr != nil {
			return tErr
		}

		iter := tx.Query(ctx, spanner.Statement{
			SQL: `SELECT id, sortindex, payload, ttl FROM batch_bsos
				WHERE userid = @userid AND collection = @collection AND batch_id = @batch`,
			Params: map[string]any{"userid": userid, "collection": int64(p.CollectionID), "batch": p.BatchID},
		})
		type staged struct {
			id        string
			sortIndex spanner.NullInt64
			payload   spanner.NullString
			ttl       spanner.NullInt64
		}
		var all []staged
		for {
			row, nextErr := iter.Next()
			if nextErr == iterator.Done {
				break
			}
			if nextErr != nil {
				iter.Stop()
				return nextErr
			}
			var r staged
			if scanErr := row.Columns(&r.id, &r.sortIndex, &r.payload, &r.ttl); scanErr != nil {
				iter.Stop()
				return scanErr
			}
			all = append(all, r)
		}
		iter.Stop()

		var muts []*spanner.Mutation
		for _, r := range all {
			existingRow, existsErr := tx.ReadRow(ctx, "bsos", spanner.Key{userid, int64(p.CollectionID), r.id}, []string{"payload", "sortindex", "expiry"})
			var payload string
			var sortIndex spanner.NullInt64
			var existingExpiry spanner.NullInt64
			if spanner.ErrCode(existsErr) != spannerCodeNotFound {
				if existsErr != nil {
					return existsErr
				}
				if scanErr := existingRow.Columns(&payload, &sortIndex, &existingExpiry); scanErr != nil {
					return scanErr
				}
			}
			live := existingExpiry.Valid && existingExpiry.Int64 > modified

			var expiryVal int64
			if r.ttl.Valid {
				expiryVal = modified + r.ttl.Int64*1000
			} else if live {
				expiryVal = existingExpiry.Int64
			} else {
				expiryVal = modified + int64(syncstorage.DefaultBSOTTL)*1000
			}

			if !live {
				payload = ""
				sortIndex = spanner.NullInt64{}
			}
			if r.payload.Valid {
				payload = r.payload.StringVal
			}
			if r.sortIndex.Valid {
				sortIndex = r.sortIndex
			}

			muts = append(muts, spanner.InsertOrUpdate("bsos",
				[]string{"userid", "collection", "id", "sortindex", "payload", "payload_size", "modified", "expiry"},
				[]any{userid, int64(p.CollectionID), r.id, sortIndex, payload, int64(len(payload)), modified, expiryVal}))
		}
		if len(muts) > 0 {
			if err := tx.BufferWrite(muts); err != nil {
				return err
			}
		}

		if s.quotaEnabled {
			if qErr := updateUserCollectionQuotasTx(ctx, tx, userid, p.CollectionID, modified); qErr != nil {
				return qErr
			}
		}

		if dErr := tx.BufferWrite([]*spanner.Mutation{
			spanner.Delete("batches", spanner.Key{userid, int64(p.CollectionID), p.BatchID}),
		}); dErr != nil {
			return dErr
		}
		result.Modified = modified
		return nil
	})
	if txErr != nil {
		err = fmt.Errorf("CommitBatch: %w", txErr)
		return syncstorage.PostBsosResult{}, err
	}
	return result, nil
}

// DeleteBatch discards a batch; cascade removes its staged records.
func (s *Store) DeleteBatch(ctx context.Context, p syncstorage.DeleteBatchParams) error {
	ctx, end := startSpan(ctx, "spanner.DeleteBatch")
	var err error
	defer func() { end(err) }()

	_, txErr := s.runTx(ctx, "DeleteBatch", func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		userid, idErr := s.resolveUserID(ctx, p.UserID)
		if idErr != nil {
			return idErr
		}
		_, readErr := tx.ReadRow(ctx, "batches", spanner.Key{userid, int64(p.CollectionID), p.BatchID}, []string{"commit_expiry"})
		if spanner.ErrCode(readErr) == spannerCodeNotFound {
			return syncstorage.ErrBatchNotFound
		}
		if readErr != nil {
			return readErr
		}
		return tx.BufferWrite([]*spanner.Mutation{
			spanner.Delete("batches", spanner.Key{userid, int64(p.CollectionID), p.BatchID}),
		})
	})
	return syncstorage.WrapOp("DeleteBatch", txErr)
}
