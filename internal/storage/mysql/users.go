package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// userKey turns a UserID into the collcache key. The pair is opaque by
// contract; joining with a separator that can't appear in either half (both
// halves come from the token layer, never client-controlled free text) is
// enough to keep the two components from colliding.
func userKey(u syncstorage.UserID) string {
	return u.Primary + "\x00" + u.Secondary
}

// resolveUserID returns the internal numeric id for u, creating a users row
// on first sight. The binding is immutable once assigned, so the cache never
// needs invalidation (internal/collcache's whole reason for existing).
func (s *Store) resolveUserID(ctx context.Context, u syncstorage.UserID) (int64, error) {
	key := userKey(u)
	if id, ok := s.userCache.Get(key); ok {
		return id, nil
	}

	var id int64
	err := s.q().QueryRowContext(ctx,
		`SELECT id FROM users WHERE uid_primary = ? AND uid_secondary = ?`,
		u.Primary, u.Secondary,
	).Scan(&id)
	switch {
	case err == nil:
		s.userCache.Put(key, id)
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to create
	default:
		return 0, fmt.Errorf("resolveUserID: lookup: %w", err)
	}

	res, err := s.q().ExecContext(ctx,
		`INSERT INTO users (uid_primary, uid_secondary) VALUES (?, ?)`,
		u.Primary, u.Secondary,
	)
	if err != nil {
		if isDuplicateKey(err) {
			// lost the create race; the winner's row is now visible.
			return s.resolveUserIDUncached(ctx, u)
		}
		return 0, fmt.Errorf("resolveUserID: insert: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("resolveUserID: last insert id: %w", err)
	}
	s.userCache.Put(key, id)
	return id, nil
}

func (s *Store) resolveUserIDUncached(ctx context.Context, u syncstorage.UserID) (int64, error) {
	var id int64
	err := s.q().QueryRowContext(ctx,
		`SELECT id FROM users WHERE uid_primary = ? AND uid_secondary = ?`,
		u.Primary, u.Secondary,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolveUserID: post-race lookup: %w", err)
	}
	s.userCache.Put(userKey(u), id)
	return id, nil
}
