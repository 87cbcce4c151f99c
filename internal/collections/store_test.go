package collections

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/testutil"
)

func TestStoreCollectionLifecycle(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	store := NewStore(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	created, err := store.Create(ctx, &Collection{
		Name: "高分科幻",
		Type: TypeFilter,
		Definition: Definition{
			Logic:     "AND",
			ItemTypes: []string{"Movie"},
			Rules: []Rule{
				{Field: "genres", Operator: "is_one_of", Value: json.RawMessage(`["科幻"]`)},
				{Field: "rating", Operator: "gte", Value: json.RawMessage(`8`)},
			},
		},
		SortOrder:    2,
		ShowInLatest: true,
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "active", created.Status)
	assert.Len(t, created.Definition.Rules, 2)

	created.Name = "高分科幻片"
	created.AllowedUserIDs = []string{"u1"}
	require.NoError(t, store.Update(ctx, created))

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "高分科幻片", got.Name)
	assert.Equal(t, []string{"u1"}, got.AllowedUserIDs)

	media := []MediaRef{{MetadataID: 603, ItemType: "Movie", Title: "黑客帝国", LibraryItemID: "lib1"}}
	require.NoError(t, store.SetSyncResult(ctx, created.ID, "coll9", media, 1))

	got, err = store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "coll9", got.LibraryItemID)
	assert.Equal(t, 1, got.InLibraryCount)
	require.Len(t, got.Media, 1)
	assert.Equal(t, int64(603), got.Media[0].MetadataID)
	assert.NotNil(t, got.LastSyncedAt)

	require.NoError(t, store.SetStatus(ctx, created.ID, "paused"))
	active, err := store.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := store.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, created.ID))
	_, err = store.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectionVisibility(t *testing.T) {
	c := &Collection{}
	assert.True(t, c.VisibleTo("anyone"))

	c.AllowedUserIDs = []string{"u1", "u2"}
	assert.True(t, c.VisibleTo("u1"))
	assert.False(t, c.VisibleTo("u3"))
}

func TestCollectionType(t *testing.T) {
	tests := []struct {
		itemTypes []string
		expect    string
	}{
		{[]string{"Movie"}, "movies"},
		{[]string{"Series"}, "tvshows"},
		{[]string{"Movie", "Series"}, "mixed"},
		{nil, "mixed"},
	}
	for _, tt := range tests {
		c := &Collection{Definition: Definition{ItemTypes: tt.itemTypes}}
		assert.Equal(t, tt.expect, c.CollectionType())
	}
}
