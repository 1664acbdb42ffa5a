package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// GetCollectionID resolves name to its id, consulting the process-local
// cache first (the registry is read-mostly: the 13 reserved names
// never change, and user-created names are immutable once assigned).
func (s *Store) GetCollectionID(ctx context.Context, user syncstorage.UserID, name string) (int32, error) {
	ctx, end := startSpan(ctx, "mysql.GetCollectionID")
	var err error
	defer func() { end(err) }()

	if id, ok := s.collCache.Get(name); ok {
		return id, nil
	}
	if id, ok := syncstorage.ReservedCollectionIDs[name]; ok {
		s.collCache.Put(name, id)
		return id, nil
	}

	var id int32
	err = s.q().QueryRowContext(ctx, `SELECT id FROM collections WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = syncstorage.ErrCollectionNotFound
		return 0, err
	}
	if err != nil {
		err = fmt.Errorf("GetCollectionID: %w", err)
		return 0, err
	}
	s.collCache.Put(name, id)
	return id, nil
}

// CreateCollection assigns name a fresh id if it doesn't already have one.
// Concurrent creators racing on the same name converge on the same id via
// the table's unique constraint ("first write wins").
func (s *Store) CreateCollection(ctx context.Context, user syncstorage.UserID, name string) (int32, error) {
	ctx, end := startSpan(ctx, "mysql.CreateCollection")
	var err error
	defer func() { end(err) }()

	if id, getErr := s.GetCollectionID(ctx, user, name); getErr == nil {
		return id, nil
	} else if !errors.Is(getErr, syncstorage.ErrCollectionNotFound) {
		err = getErr
		return 0, err
	}

	var id int32
	err = s.withRetry(ctx, "CreateCollection", func() error {
		res, execErr := s.q().ExecContext(ctx, `INSERT INTO collections (name) VALUES (?)`, name)
		if execErr != nil {
			if isDuplicateKey(execErr) {
				return s.q().QueryRowContext(ctx,
					`SELECT id FROM collections WHERE name = ?`, name).Scan(&id)
			}
			return execErr
		}
		lastID, idErr := res.LastInsertId()
		if idErr != nil {
			return idErr
		}
		id = int32(lastID)
		return nil
	})
	if err != nil {
		err = fmt.Errorf("CreateCollection: %w", err)
		return 0, err
	}
	s.collCache.Put(name, id)
	return id, nil
}
