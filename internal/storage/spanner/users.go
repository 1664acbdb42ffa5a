package spanner

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// userKey is the cache key for a UserID pair, shared in shape with the
// mysql backend's userKey but the cached value here is the generated row id
// string rather than a numeric id, since Spanner has no auto-increment.
func userKey(u syncstorage.UserID) string {
	return u.Primary + "\x00" + u.Secondary
}

// resolveUserID returns the users.id for u, creating the row on first
// sight. Unlike the relational backend's AUTO_INCREMENT, Spanner rows are
// keyed by a client-generated UUID ("the distributed backend
// keys every table by the (primary, secondary) pair directly" — in
// practice via this generated id, since Spanner primary keys of type
// STRING sort and interleave far better than a raw concatenated pair).
func (s *Store) resolveUserID(ctx context.Context, u syncstorage.UserID) (string, error) {
	key := userKey(u)
	if id, ok := s.userCache.Get(key); ok {
		return id, nil
	}

	id, err := lookupUserID(ctx, s.client, u)
	if err == nil {
		s.userCache.Put(key, id)
		return id, nil
	}
	if err != errNotFound {
		return "", err
	}

	newID := uuid.NewString()
	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		existing, lookupErr := lookupUserIDTx(ctx, tx, u)
		if lookupErr == nil {
			newID = existing
			return nil
		}
		if lookupErr != errNotFound {
			return lookupErr
		}
		return tx.BufferWrite([]*spanner.Mutation{
			spanner.Insert("users", []string{"id", "uid_primary", "uid_secondary"},
				[]any{newID, u.Primary, u.Secondary}),
		})
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return lookupUserID(ctx, s.client, u)
		}
		return "", fmt.Errorf("resolveUserID: %w", err)
	}
	s.userCache.Put(key, newID)
	return newID, nil
}

func lookupUserID(ctx context.Context, client *spanner.Client, u syncstorage.UserID) (string, error) {
	var id string
	err := readRow(ctx, client, spanner.Statement{
		SQL:    `SELECT id FROM users WHERE uid_primary = @p AND uid_secondary = @s`,
		Params: map[string]any{"p": u.Primary, "s": u.Secondary},
	}, func(row *spanner.Row) error { return row.Columns(&id) })
	return id, err
}

func lookupUserIDTx(ctx context.Context, tx *spanner.ReadWriteTransaction, u syncstorage.UserID) (string, error) {
	iter := tx.Query(ctx, spanner.Statement{
		SQL:    `SELECT id FROM users WHERE uid_primary = @p AND uid_secondary = @s`,
		Params: map[string]any{"p": u.Primary, "s": u.Secondary},
	})
	defer iter.Stop()
	row, err := iter.Next()
	if err == iterator.Done {
		return "", errNotFound
	}
	if err != nil {
		return "", err
	}
	var id string
	if err := row.Columns(&id); err != nil {
		return "", err
	}
	return id, nil
}
