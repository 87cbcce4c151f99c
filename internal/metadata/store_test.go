package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/testutil"
)

func seedRecord(t *testing.T, s *Store, metadataID int64, itemType string) {
	t.Helper()
	require.NoError(t, s.Upsert(context.Background(), &Record{
		MetadataID:     metadataID,
		ItemType:       itemType,
		Title:          "测试电影",
		OriginalTitle:  "Test Movie",
		LibraryItemIDs: []string{"lib-item-1"},
		InLibrary:      true,
	}))
}

func TestStoreUpsertPreservesSubscription(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	s := NewStore(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	seedRecord(t, s, 42, TypeMovie)
	require.NoError(t, s.AddSubscriptionSource(ctx, 42, TypeMovie,
		SubscriptionSource{Type: "collection", ID: 7}, StatusWanted))

	// A metadata refresh must not clobber the subscription state.
	seedRecord(t, s, 42, TypeMovie)

	rec, err := s.Get(ctx, 42, TypeMovie)
	require.NoError(t, err)
	assert.Equal(t, StatusWanted, rec.SubscriptionStatus)
	assert.Len(t, rec.SubscriptionSources, 1)
}

func TestStoreSubscriptionSourceLaws(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	s := NewStore(tdb.Conn, tdb.Logger)
	ctx := context.Background()
	seedRecord(t, s, 42, TypeMovie)

	src := SubscriptionSource{Type: "collection", ID: 7, Name: "豆瓣热榜"}

	// Adding the same source twice is a no-op the second time.
	require.NoError(t, s.AddSubscriptionSource(ctx, 42, TypeMovie, src, StatusWanted))
	require.NoError(t, s.AddSubscriptionSource(ctx, 42, TypeMovie, src, StatusPendingRelease))

	rec, err := s.Get(ctx, 42, TypeMovie)
	require.NoError(t, err)
	assert.Len(t, rec.SubscriptionSources, 1)
	assert.Equal(t, StatusWanted, rec.SubscriptionStatus)

	// Removing a source that is not present is a no-op.
	require.NoError(t, s.RemoveSubscriptionSource(ctx, 42, TypeMovie, "actor", 99))
	rec, err = s.Get(ctx, 42, TypeMovie)
	require.NoError(t, err)
	assert.Len(t, rec.SubscriptionSources, 1)

	// Removing the last source returns the status to NONE.
	require.NoError(t, s.RemoveSubscriptionSource(ctx, 42, TypeMovie, "collection", 7))
	rec, err = s.Get(ctx, 42, TypeMovie)
	require.NoError(t, err)
	assert.Empty(t, rec.SubscriptionSources)
	assert.Equal(t, StatusNone, rec.SubscriptionStatus)
}

func TestStoreGetByLibraryItemID(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	s := NewStore(tdb.Conn, tdb.Logger)
	ctx := context.Background()
	seedRecord(t, s, 42, TypeMovie)

	rec, err := s.GetByLibraryItemID(ctx, "lib-item-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.MetadataID)

	_, err = s.GetByLibraryItemID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreProcessedCache(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	s := NewStore(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	done, err := s.IsProcessed(ctx, "item-1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkProcessed(ctx, "item-1", 8.5))
	done, err = s.IsProcessed(ctx, "item-1")
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, s.ClearProcessed(ctx, "item-1"))
	done, err = s.IsProcessed(ctx, "item-1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestStoreReviewQueue(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	s := NewStore(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	require.NoError(t, s.AddReview(ctx, "item-1", "测试电影", "quality below threshold: 5.3"))
	entries, err := s.ListReview(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "quality below threshold: 5.3", entries[0].Reason)

	require.NoError(t, s.DeleteReview(ctx, "item-1"))
	entries, err = s.ListReview(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreAvgEpisodeRuntime(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	s := NewStore(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	for i, mins := range []int{40, 50, 60} {
		require.NoError(t, s.Upsert(ctx, &Record{
			MetadataID:             int64(1000 + i),
			ItemType:               TypeEpisode,
			RuntimeMinutes:         mins,
			ParentSeriesMetadataID: 500,
		}))
	}

	avg, err := s.AvgEpisodeRuntime(ctx, 500)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, avg, 0.001)
}

func TestStoreAssetRoundTrip(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	s := NewStore(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpsertAsset(ctx, &Asset{
		LibraryItemID:   "lib-item-1",
		MetadataID:      42,
		ItemType:        TypeMovie,
		SourceLibraryID: "F1",
		AncestorIDs:     []string{"F1", "root"},
		Tags:            []string{"NSFW"},
		UnifiedRating:   "15",
		DateCreated:     &created,
	}))

	require.NoError(t, s.DeleteAsset(ctx, "lib-item-1"))
}
