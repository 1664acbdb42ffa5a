package mysql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

func TestCreateAppendCommit_BatchAtomicity(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "batch-atomicity")
	require.NoError(t, err)

	created, err := s.CreateBatch(ctx, syncstorage.CreateBatchParams{
		UserID: user, CollectionID: cid,
		Bsos: []syncstorage.BatchBso{
			{ID: "A", Payload: strPtr("a1")},
			{ID: "B", Payload: strPtr("b1")},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	valid, err := s.ValidateBatch(ctx, user, cid, created.ID)
	require.NoError(t, err)
	require.True(t, valid)

	require.NoError(t, s.AppendToBatch(ctx, syncstorage.AppendToBatchParams{
		UserID: user, CollectionID: cid, BatchID: created.ID,
		Bsos: []syncstorage.BatchBso{
			{ID: "C", Payload: strPtr("c1")},
			{ID: "A", Payload: strPtr("a2")},
		},
	}))

	result, err := s.CommitBatch(ctx, syncstorage.CommitBatchParams{
		UserID: user, CollectionID: cid, BatchID: created.ID,
	})
	require.NoError(t, err)
	require.Empty(t, result.Success)
	require.Empty(t, result.Failed)

	for id, want := range map[string]string{"A": "a2", "B": "b1", "C": "c1"} {
		got, gErr := s.GetBso(ctx, syncstorage.GetBsoParams{UserID: user, CollectionID: cid, ID: id})
		require.NoError(t, gErr)
		require.NotNil(t, got)
		require.Equal(t, want, got.Payload)
		require.Equal(t, result.Modified, got.Modified)
	}

	valid, err = s.ValidateBatch(ctx, user, cid, created.ID)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestAppendToBatch_UnknownBatchNotFound(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "batch-missing")
	require.NoError(t, err)

	err = s.AppendToBatch(ctx, syncstorage.AppendToBatchParams{
		UserID: user, CollectionID: cid, BatchID: "does-not-exist",
		Bsos: []syncstorage.BatchBso{{ID: "x", Payload: strPtr("x")}},
	})
	require.ErrorIs(t, err, syncstorage.ErrBatchNotFound)
}

func TestDeleteBatch_DiscardsWithoutCommit(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "batch-discard")
	require.NoError(t, err)

	created, err := s.CreateBatch(ctx, syncstorage.CreateBatchParams{
		UserID: user, CollectionID: cid,
		Bsos: []syncstorage.BatchBso{{ID: "A", Payload: strPtr("a1")}},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteBatch(ctx, syncstorage.DeleteBatchParams{
		UserID: user, CollectionID: cid, BatchID: created.ID,
	}))

	valid, err := s.ValidateBatch(ctx, user, cid, created.ID)
	require.NoError(t, err)
	require.False(t, valid)

	got, err := s.GetBso(ctx, syncstorage.GetBsoParams{UserID: user, CollectionID: cid, ID: "A"})
	require.NoError(t, err)
	require.Nil(t, got)

	err = s.DeleteBatch(ctx, syncstorage.DeleteBatchParams{
		UserID: user, CollectionID: cid, BatchID: created.ID,
	})
	require.ErrorIs(t, err, syncstorage.ErrBatchNotFound)
}

func TestAppendToBatch_QuotaEnforcedBeforeWrite(t *testing.T) {
	s := setupStore(t, Config{QuotaEnabled: true, QuotaBytes: 1000})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "batch-quota")
	require.NoError(t, err)

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = 'x'
	}
	created, err := s.CreateBatch(ctx, syncstorage.CreateBatchParams{
		UserID: user, CollectionID: cid,
		Bsos: []syncstorage.BatchBso{{ID: "A", Payload: strPtr(string(payload))}},
	})
	require.NoError(t, err)
	require.NotNil(t, created.Size)
	require.Equal(t, int64(600), *created.Size)

	err = s.AppendToBatch(ctx, syncstorage.AppendToBatchParams{
		UserID: user, CollectionID: cid, BatchID: created.ID,
		Bsos: []syncstorage.BatchBso{{ID: "B", Payload: strPtr(string(payload))}},
	})
	require.Error(t, err)
	require.True(t, syncstorage.IsQuota(err))

	got, err := s.GetBsos(ctx, syncstorage.GetBsosParams{UserID: user, CollectionID: cid, Limit: -1})
	require.NoError(t, err)
	require.Empty(t, got.Bsos, "a failing append must not commit any record")

	var staged int
	require.NoError(t, s.testTx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_bsos WHERE userid = (SELECT userid FROM batches WHERE id = ?) AND batch_id = ? AND id = 'B'`,
		created.ID, created.ID).Scan(&staged))
	require.Zero(t, staged, "a failing append must not stage any row for the rejected id")
}
