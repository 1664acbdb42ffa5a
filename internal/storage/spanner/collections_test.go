package spanner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

func TestGetCollectionID_ReservedName(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	id, err := s.GetCollectionID(ctx, user, "bookmarks")
	require.NoError(t, err)
	require.Equal(t, int32(7), id)
}

func TestGetCollectionID_UnknownNameNotFound(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	_, err := s.GetCollectionID(ctx, user, "never-created")
	require.ErrorIs(t, err, syncstorage.ErrCollectionNotFound)
}

func TestCreateCollection_AssignsIDAtOrAboveFirstUserID(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	id, err := s.CreateCollection(ctx, user, "col1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, id, syncstorage.FirstUserCollectionID)
}

func TestCreateCollection_IdempotentOnExistingName(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	first, err := s.CreateCollection(ctx, user, "repeat-me")
	require.NoError(t, err)

	second, err := s.CreateCollection(ctx, user, "repeat-me")
	require.NoError(t, err)
	require.Equal(t, first, second)

	looked, err := s.GetCollectionID(ctx, user, "repeat-me")
	require.NoError(t, err)
	require.Equal(t, first, looked)
}

func TestCreateCollection_ReservedNameNeverReassigned(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	id, err := s.CreateCollection(ctx, user, "clients")
	require.NoError(t, err)
	require.Equal(t, syncstorage.ReservedCollectionIDs["clients"], id)
}
