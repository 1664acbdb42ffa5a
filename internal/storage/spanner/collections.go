package spanner

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// GetCollectionID resolves name via the process-local cache first, falling
// back to the reserved-name table and finally to a live lookup, exactly
// mirroring internal/storage/mysql's GetCollectionID so callers can't tell
// the two backends apart.
func (s *Store) GetCollectionID(ctx context.Context, user syncstorage.UserID, name string) (int32, error) {
	ctx, end := startSpan(ctx, "spanner.GetCollectionID")
	var err error
	defer func() { end(err) }()

	if id, ok := s.collCache.Get(name); ok {
		return id, nil
	}
	if id, ok := syncstorage.ReservedCollectionIDs[name]; ok {
		s.collCache.Put(name, id)
		return id, nil
	}

	var id int64
	lookupErr := readRow(ctx, s.client, spanner.Statement{
		SQL:    `SELECT id FROM collections WHERE name = @name`,
		Params: map[string]any{"name": name},
	}, func(row *spanner.Row) error { return row.Columns(&id) })
	if lookupErr == errNotFound {
		err = syncstorage.ErrCollectionNotFound
		return 0, err
	}
	if lookupErr != nil {
		err = fmt.Errorf("GetCollectionID: %w", lookupErr)
		return 0, err
	}
	s.collCache.Put(name, int32(id))
	return int32(id), nil
}

// CreateCollection assigns name the next available id above
// FirstUserCollectionID, using a transactional read-then-write so
// concurrent creators of the same name converge on one row (
// 2), and concurrent creators of different names never collide on id
// because each transaction recomputes the max under serializable isolation.
func (s *Store) CreateCollection(ctx context.Context, user syncstorage.UserID, name string) (int32, error) {
	ctx, end := startSpan(ctx, "spanner.CreateCollection")
	var err error
	defer func() { end(err) }()

	if id, getErr := s.GetCollectionID(ctx, user, name); getErr == nil {
		return id, nil
	} else if getErr != syncstorage.ErrCollectionNotFound {
		err = getErr
		return 0, err
	}

	var id int64
	_, txErr := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		if existing, lookupErr := lookupCollectionIDTx(ctx, tx, name); lookupErr == nil {
			id = existing
			return nil
		} else if lookupErr != errNotFound {
			return lookupErr
		}

		iter := tx.Query(ctx, spanner.Statement{SQL: `SELECT COALESCE(MAX(id), @first - 1) FROM collections`,
			Params: map[string]any{"first": int64(syncstorage.FirstUserCollectionID)}})
		defer iter.Stop()
		row, nextErr := iter.Next()
		if nextErr != nil && nextErr != iterator.Done {
			return nextErr
		}
		var maxID int64
		if row != nil {
			if scanErr := row.Columns(&maxID); scanErr != nil {
				return scanErr
			}
		}
		id = maxID + 1
		if id < int64(syncstorage.FirstUserCollectionID) {
			id = int64(syncstorage.FirstUserCollectionID)
		}

		return tx.BufferWrite([]*spanner.Mutation{
			spanner.Insert("collections", []string{"id", "name"}, []any{id, name}),
		})
	})
	if txErr != nil {
		if status.Code(txErr) == codes.AlreadyExists {
			return s.GetCollectionID(ctx, user, name)
		}
		err = fmt.Errorf("CreateCollection: %w", txErr)
		return 0, err
	}
	s.collCache.Put(name, int32(id))
	return int32(id), nil
}

func lookupCollectionIDTx(ctx context.Context, tx *spanner.ReadWriteTransaction, name string) (int64, error) {
	iter := tx.Query(ctx, spanner.Statement{
		SQL:    `SELECT id FROM collections WHERE name = @name`,
		Params: map[string]any{"name": name},
	})
	defer iter.Stop()
	row, err := iter.Next()
	if err == iterator.Done {
		return 0, errNotFound
	}
	if err != nil {
		return 0, err
	}
	var id int64
	if err := row.Columns(&id); err != nil {
		return 0, err
	}
	return id, nil
}
