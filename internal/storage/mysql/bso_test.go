package mysql

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

func strPtr(s string) *string { return &s }
func i32Ptr(i int32) *int32   { return &i }

func TestPutGetBso_RoundTrip(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "put-get-roundtrip")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	err = s.PutBso(ctx, syncstorage.PutBso{
		UserID:       user,
		CollectionID: cid,
		ID:           "b1",
		Payload:      strPtr(`{"hello":"world"}`),
		SortIndex:    i32Ptr(5),
		TTL:          i32Ptr(3600),
		Modified:     now,
	})
	require.NoError(t, err)

	got, err := s.GetBso(ctx, syncstorage.GetBsoParams{UserID: user, CollectionID: cid, ID: "b1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, `{"hello":"world"}`, got.Payload)
	require.NotNil(t, got.SortIndex)
	require.Equal(t, int32(5), *got.SortIndex)
	require.Equal(t, now+3600*1000, got.Expiry)
}

func TestGetBso_MissingReturnsNilNil(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "missing-bso")
	require.NoError(t, err)

	got, err := s.GetBso(ctx, syncstorage.GetBsoParams{UserID: user, CollectionID: cid, ID: "nope"})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetBso_ExpiredIsInvisible(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "expired-bso")
	require.NoError(t, err)

	// modified in the distant past plus a 1-second ttl puts expiry well
	// before "now", so the record must be invisible to both GetBso and
	// GetBsos without ever needing to sleep in the test.
	err = s.PutBso(ctx, syncstorage.PutBso{
		UserID:       user,
		CollectionID: cid,
		ID:           "stale",
		Payload:      strPtr("gone"),
		TTL:          i32Ptr(1),
		Modified:     1,
	})
	require.NoError(t, err)

	got, err := s.GetBso(ctx, syncstorage.GetBsoParams{UserID: user, CollectionID: cid, ID: "stale"})
	require.NoError(t, err)
	require.Nil(t, got)

	listed, err := s.GetBsos(ctx, syncstorage.GetBsosParams{UserID: user, CollectionID: cid, Limit: -1})
	require.NoError(t, err)
	require.Empty(t, listed.Bsos)
}

func TestPutBso_PartialUpdatePreservesUntouchedFields(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "partial-update")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	require.NoError(t, s.PutBso(ctx, syncstorage.PutBso{
		UserID: user, CollectionID: cid, ID: "b1",
		Payload: strPtr("v1"), SortIndex: i32Ptr(1), TTL: i32Ptr(1000), Modified: now,
	}))

	// A payload-only touch must not change sortindex or expiry.
	require.NoError(t, s.PutBso(ctx, syncstorage.PutBso{
		UserID: user, CollectionID: cid, ID: "b1",
		Payload: strPtr("v2"), Modified: now + 1,
	}))

	got, err := s.GetBso(ctx, syncstorage.GetBsoParams{UserID: user, CollectionID: cid, ID: "b1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "v2", got.Payload)
	require.NotNil(t, got.SortIndex)
	require.Equal(t, int32(1), *got.SortIndex)
	require.Equal(t, now+1000*1000, got.Expiry)
}

func TestDeleteBsos_IsolatedByCollection(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid1, err := s.CreateCollection(ctx, user, "delete-isolation-1")
	require.NoError(t, err)
	cid2, err := s.CreateCollection(ctx, user, "delete-isolation-2")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	for _, cid := range []int32{cid1, cid2} {
		require.NoError(t, s.PutBso(ctx, syncstorage.PutBso{
			UserID: user, CollectionID: cid, ID: "b1",
			Payload: strPtr("x"), TTL: i32Ptr(1000), Modified: now,
		}))
	}

	modified, err := s.DeleteBsos(ctx, user, cid1, []string{"b1"})
	require.NoError(t, err)
	require.Greater(t, modified, now)

	gone, err := s.GetBso(ctx, syncstorage.GetBsoParams{UserID: user, CollectionID: cid1, ID: "b1"})
	require.NoError(t, err)
	require.Nil(t, gone)

	still, err := s.GetBso(ctx, syncstorage.GetBsoParams{UserID: user, CollectionID: cid2, ID: "b1"})
	require.NoError(t, err)
	require.NotNil(t, still)
}

func TestGetBsos_PagingBySortIndex(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "paging")
	require.NoError(t, err)

	base := time.Now().UnixMilli()
	for i := int32(0); i < 12; i++ {
		require.NoError(t, s.PutBso(ctx, syncstorage.PutBso{
			UserID: user, CollectionID: cid, ID: strconv.Itoa(int(i)),
			Payload:   strPtr("x"),
			SortIndex: i32Ptr(i),
			TTL:       i32Ptr(100000),
			Modified:  base + int64(i)*10,
		}))
	}

	page1, err := s.GetBsos(ctx, syncstorage.GetBsosParams{
		UserID: user, CollectionID: cid, Sort: syncstorage.SortNewest, Limit: 5,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"11", "10", "9", "8", "7"}, idsOf(page1.Bsos))
	require.True(t, page1.More)
	require.Equal(t, int32(5), page1.Offset)

	page2, err := s.GetBsos(ctx, syncstorage.GetBsosParams{
		UserID: user, CollectionID: cid, Sort: syncstorage.SortIndex, Limit: 5, Offset: page1.Offset,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"6", "5", "4", "3", "2"}, idsOf(page2.Bsos))
	require.True(t, page2.More)
	require.Equal(t, int32(10), page2.Offset)

	page3, err := s.GetBsos(ctx, syncstorage.GetBsosParams{
		UserID: user, CollectionID: cid, Sort: syncstorage.SortIndex, Limit: 5, Offset: page2.Offset,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "0"}, idsOf(page3.Bsos))
	require.False(t, page3.More)
	require.Equal(t, int32(0), page3.Offset)
}

func TestGetBsos_NewerThanFilter(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "newer-than")
	require.NoError(t, err)

	base := time.Now().UnixMilli()
	for i, id := range []string{"b0", "b1", "b2"} {
		require.NoError(t, s.PutBso(ctx, syncstorage.PutBso{
			UserID: user, CollectionID: cid, ID: id,
			Payload: strPtr("x"), TTL: i32Ptr(100000), Modified: base - int64(i),
		}))
	}

	all, err := s.GetBsos(ctx, syncstorage.GetBsosParams{UserID: user, CollectionID: cid, NewerThan: base - 3, Limit: -1})
	require.NoError(t, err)
	require.Len(t, all.Bsos, 3)

	one, err := s.GetBsos(ctx, syncstorage.GetBsosParams{UserID: user, CollectionID: cid, NewerThan: base - 1, Limit: -1})
	require.NoError(t, err)
	require.Len(t, one.Bsos, 1)
	require.Equal(t, "b0", one.Bsos[0].ID)

	none, err := s.GetBsos(ctx, syncstorage.GetBsosParams{UserID: user, CollectionID: cid, NewerThan: base, Limit: -1})
	require.NoError(t, err)
	require.Empty(t, none.Bsos)
}

func TestGetBsos_ProbeLimitZero(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "probe-limit")
	require.NoError(t, err)
	require.NoError(t, s.PutBso(ctx, syncstorage.PutBso{
		UserID: user, CollectionID: cid, ID: "b1",
		Payload: strPtr("x"), TTL: i32Ptr(1000), Modified: time.Now().UnixMilli(),
	}))

	probe, err := s.GetBsos(ctx, syncstorage.GetBsosParams{UserID: user, CollectionID: cid, Limit: 0})
	require.NoError(t, err)
	require.Empty(t, probe.Bsos)
	require.True(t, probe.More)
}

func idsOf(bsos []syncstorage.Bso) []string {
	ids := make([]string, len(bsos))
	for i, b := range bsos {
		ids[i] = b.ID
	}
	return ids
}

// Mirrors original_source/src/db/mysql/test.rs's delete_collection: deleting
// a user's only collection must still leave get_storage_modified reporting
// the deletion's own timestamp, not zero.
func TestDeleteCollection_OnlyCollection_StorageModifiedSurvives(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	cid, err := s.CreateCollection(ctx, user, "solo")
	require.NoError(t, err)
	for _, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, s.PutBso(ctx, syncstorage.PutBso{
			UserID: user, CollectionID: cid, ID: id,
			Payload: strPtr("x"), TTL: i32Ptr(1000), Modified: 1_700_000_000_000,
		}))
	}

	modified, err := s.DeleteCollection(ctx, user, cid)
	require.NoError(t, err)

	storageModified, err := s.GetStorageModified(ctx, user)
	require.NoError(t, err)
	require.Equal(t, modified, storageModified)

	for _, id := range []string{"b1", "b2", "b3"} {
		got, gErr := s.GetBso(ctx, syncstorage.GetBsoParams{UserID: user, CollectionID: cid, ID: id})
		require.NoError(t, gErr)
		require.Nil(t, got)
	}

	_, err = s.GetCollectionModified(ctx, user, cid)
	require.ErrorIs(t, err, syncstorage.ErrCollectionNotFound)
}

// When other collections remain, DeleteCollection's return value and
// GetStorageModified must agree on their max, not on the deletion itself.
func TestDeleteCollection_OtherCollectionRemains_ReturnsSurvivorMax(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()
	user := testUser(t)

	keep, err := s.CreateCollection(ctx, user, "keep")
	require.NoError(t, err)
	gone, err := s.CreateCollection(ctx, user, "gone")
	require.NoError(t, err)

	require.NoError(t, s.PutBso(ctx, syncstorage.PutBso{
		UserID: user, CollectionID: keep, ID: "b1",
		Payload: strPtr("x"), TTL: i32Ptr(1000), Modified: 1_700_000_000_000,
	}))
	require.NoError(t, s.PutBso(ctx, syncstorage.PutBso{
		UserID: user, CollectionID: gone, ID: "b1",
		Payload: strPtr("x"), TTL: i32Ptr(1000), Modified: 1_600_000_000_000,
	}))

	modified, err := s.DeleteCollection(ctx, user, gone)
	require.NoError(t, err)
	require.Equal(t, int64(1_700_000_000_000), modified)

	storageModified, err := s.GetStorageModified(ctx, user)
	require.NoError(t, err)
	require.Equal(t, modified, storageModified)
}
