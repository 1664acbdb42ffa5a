package spanner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

func TestCheckQuota_DisabledReturnsNil(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "quota-disabled")
	require.NoError(t, err)

	total, err := s.CheckQuota(ctx, user, cid)
	require.NoError(t, err)
	require.Nil(t, total)
}

func TestCheckQuota_RecomputedAfterCommit(t *testing.T) {
	s := setupStore(t, Config{QuotaEnabled: true, QuotaBytes: 1_000_000})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "quota-recompute")
	require.NoError(t, err)

	before, err := s.CheckQuota(ctx, user, cid)
	require.NoError(t, err)
	require.NotNil(t, before)
	require.Zero(t, *before)

	created, err := s.CreateBatch(ctx, syncstorage.CreateBatchParams{
		UserID: user, CollectionID: cid,
		Bsos: []syncstorage.BatchBso{{ID: "a", Payload: strPtr("12345")}},
	})
	require.NoError(t, err)

	_, err = s.CommitBatch(ctx, syncstorage.CommitBatchParams{
		UserID: user, CollectionID: cid, BatchID: created.ID,
	})
	require.NoError(t, err)

	after, err := s.CheckQuota(ctx, user, cid)
	require.NoError(t, err)
	require.NotNil(t, after)
	require.Equal(t, int64(5), *after)
}
