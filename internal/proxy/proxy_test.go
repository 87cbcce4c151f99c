package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/collections"
	"github.com/castbridge/castbridge/internal/config"
	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/testutil"
)

// fakeUpstream plays the library server behind the proxy.
type fakeUpstream struct {
	views    []emby.View
	policies map[string]*emby.UserPolicy
	items    map[string]emby.Item
	requests []string
}

func (f *fakeUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, r.URL.Path)
		path := strings.TrimPrefix(r.URL.Path, "/emby")

		switch {
		case strings.HasSuffix(path, "/Views"):
			json.NewEncoder(w).Encode(emby.ViewsResponse{Items: f.views, TotalRecordCount: len(f.views)})

		case strings.Contains(path, "/Items") && strings.HasPrefix(path, "/Users/"):
			var page emby.ItemsPage
			for _, id := range strings.Split(r.URL.Query().Get("Ids"), ",") {
				if item, ok := f.items[id]; ok {
					page.Items = append(page.Items, item)
				}
			}
			page.TotalRecordCount = len(page.Items)
			json.NewEncoder(w).Encode(page)

		case strings.Contains(path, "/Images/Primary"):
			w.Write([]byte("jpeg-bytes"))

		case strings.HasPrefix(path, "/Users/"):
			uid := strings.TrimPrefix(path, "/Users/")
			json.NewEncoder(w).Encode(emby.User{ID: uid, Name: uid, Policy: f.policies[uid]})

		default:
			w.Write([]byte("forwarded:" + path))
		}
	}
}

type testProxy struct {
	proxy    *Proxy
	echo     *echo.Echo
	upstream *fakeUpstream
	media    *metadata.Store
	store    *collections.Store
}

func newTestProxy(t *testing.T, cfg config.ProxyConfig) *testProxy {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(func() { tdb.Close() })

	up := &fakeUpstream{
		policies: map[string]*emby.UserPolicy{},
		items:    map[string]emby.Item{},
	}
	srv := httptest.NewServer(up.handler())
	t.Cleanup(srv.Close)

	client, err := emby.NewClient(emby.ClientConfig{URL: srv.URL, APIKey: "k", Logger: &tdb.Logger})
	require.NoError(t, err)

	media := metadata.NewStore(tdb.Conn, tdb.Logger)
	store := collections.NewStore(tdb.Conn, tdb.Logger)
	colSvc := collections.NewService(store, media, client, nil, nil, nil, nil, nil, nil, tdb.Logger)

	if cfg.MergeOrder == "" {
		cfg.MergeOrder = "after"
	}
	p, err := New(srv.URL, tdb.Conn, colSvc, media, client, cfg, tdb.Logger)
	require.NoError(t, err)

	e := echo.New()
	p.Register(e)
	return &testProxy{proxy: p, echo: e, upstream: up, media: media, store: store}
}

func (tp *testProxy) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Emby-Token", "user-token")
	rec := httptest.NewRecorder()
	tp.echo.ServeHTTP(rec, req)
	return rec
}

func seedAsset(t *testing.T, media *metadata.Store, id, sourceLib, rating string, tags, ancestors []string, created time.Time) {
	t.Helper()
	require.NoError(t, media.UpsertAsset(context.Background(), &metadata.Asset{
		LibraryItemID:   id,
		ItemType:        metadata.TypeMovie,
		SourceLibraryID: sourceLib,
		AncestorIDs:     ancestors,
		Tags:            tags,
		UnifiedRating:   rating,
		DateCreated:     &created,
	}))
}

func TestMimickedIDRoundTrip(t *testing.T) {
	assert.Equal(t, "-900007", ToMimickedID(7))

	id, ok := FromMimickedID("-900007")
	require.True(t, ok)
	assert.Equal(t, int64(7), id)

	_, ok = FromMimickedID("42")
	assert.False(t, ok, "positive IDs are native")
	_, ok = FromMimickedID("-12")
	assert.False(t, ok, "below the mimic range")
	_, ok = FromMimickedID("abc")
	assert.False(t, ok)
}

func TestViewsInjection(t *testing.T) {
	tp := newTestProxy(t, config.ProxyConfig{
		NativeViewIDs: []string{"nv-1"},
		MergeOrder:    "before",
	})
	tp.upstream.views = []emby.View{
		{ID: "nv-1", Name: "电影"},
		{ID: "nv-2", Name: "Hidden"},
	}

	ctx := context.Background()
	visible, err := tp.store.Create(ctx, &collections.Collection{
		Name: "热门电影", Type: collections.TypeFilter,
		Definition: collections.Definition{ItemTypes: []string{metadata.TypeMovie}},
	})
	require.NoError(t, err)
	require.NoError(t, tp.store.SetSyncResult(ctx, visible.ID, "coll-9", nil, 0))

	_, err = tp.store.Create(ctx, &collections.Collection{
		Name: "私人合集", Type: collections.TypeFilter,
		AllowedUserIDs: []string{"someone-else"},
	})
	require.NoError(t, err)

	rec := tp.get(t, "/emby/Users/u1/Views")
	require.Equal(t, http.StatusOK, rec.Code)

	var views emby.ViewsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views.Items, 2, "hidden native view and invisible collection are gone")

	synthetic := views.Items[0]
	assert.Equal(t, ToMimickedID(visible.ID), synthetic.ID, "merge order 'before' puts synthetic first")
	assert.Equal(t, "CollectionFolder", synthetic.Type)
	assert.Equal(t, "movies", synthetic.CollectionType)
	assert.True(t, strings.HasPrefix(synthetic.ImageTags["Primary"], "coll-9_"),
		"image tag carries the real collection ID plus a cache-busting timestamp")

	assert.Equal(t, "nv-1", views.Items[1].ID)
}

func TestSyntheticItemAndImage(t *testing.T) {
	tp := newTestProxy(t, config.ProxyConfig{})

	ctx := context.Background()
	col, err := tp.store.Create(ctx, &collections.Collection{
		Name: "榜单", Type: collections.TypeList,
	})
	require.NoError(t, err)
	require.NoError(t, tp.store.SetSyncResult(ctx, col.ID, "coll-3", nil, 0))

	rec := tp.get(t, "/emby/Users/u1/Items/"+ToMimickedID(col.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	var item emby.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "榜单", item.Name)
	assert.True(t, item.IsFolder)

	rec = tp.get(t, "/emby/Items/"+ToMimickedID(col.ID)+"/Images/Primary?tag=coll-3_1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg-bytes", rec.Body.String())
	assert.Contains(t, tp.upstream.requests, "/emby/Items/coll-3/Images/Primary",
		"cover request lands on the real collection")
}

func TestChildrenAppliesPermissions(t *testing.T) {
	tp := newTestProxy(t, config.ProxyConfig{})
	ctx := context.Background()
	now := time.Now()

	col, err := tp.store.Create(ctx, &collections.Collection{
		Name: "榜单", Type: collections.TypeList,
	})
	require.NoError(t, err)
	refs := []collections.MediaRef{
		{MetadataID: 1, ItemType: metadata.TypeMovie, LibraryItemID: "lib1"},
		{MetadataID: 2, ItemType: metadata.TypeMovie, LibraryItemID: "lib2"},
		{MetadataID: 3, ItemType: metadata.TypeMovie, LibraryItemID: "lib3"},
		{MetadataID: 4, ItemType: metadata.TypeMovie, LibraryItemID: "lib4"},
	}
	require.NoError(t, tp.store.SetSyncResult(ctx, col.ID, "coll-1", refs, 4))

	seedAsset(t, tp.media, "lib1", "folder-ok", "6", nil, nil, now)
	seedAsset(t, tp.media, "lib2", "folder-ok", "6", []string{"horror"}, nil, now)
	seedAsset(t, tp.media, "lib3", "folder-ok", "6", nil, []string{"sub-blocked"}, now)
	seedAsset(t, tp.media, "lib4", "folder-denied", "6", nil, nil, now)

	tp.upstream.policies["u1"] = &emby.UserPolicy{
		EnabledFolders:     []string{"folder-ok"},
		ExcludedSubFolders: []string{"sub-blocked"},
		BlockedTags:        []string{"horror"},
	}
	for _, id := range []string{"lib1", "lib2", "lib3", "lib4"} {
		tp.upstream.items[id] = emby.Item{ID: id, Name: "Item " + id}
	}

	rec := tp.get(t, "/emby/Users/u1/Items?ParentId="+ToMimickedID(col.ID))
	require.Equal(t, http.StatusOK, rec.Code)

	var page emby.ItemsPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "lib1", page.Items[0].ID)
	assert.Equal(t, 1, page.TotalRecordCount)
}

func TestChildrenPagination(t *testing.T) {
	tp := newTestProxy(t, config.ProxyConfig{})
	ctx := context.Background()
	now := time.Now()

	col, err := tp.store.Create(ctx, &collections.Collection{
		Name: "榜单", Type: collections.TypeList,
	})
	require.NoError(t, err)

	var refs []collections.MediaRef
	for _, id := range []string{"a", "b", "c", "d"} {
		refs = append(refs, collections.MediaRef{MetadataID: 1, ItemType: metadata.TypeMovie, LibraryItemID: id})
		seedAsset(t, tp.media, id, "lib", "6", nil, nil, now)
		tp.upstream.items[id] = emby.Item{ID: id, Name: id}
	}
	require.NoError(t, tp.store.SetSyncResult(ctx, col.ID, "coll-1", refs, 4))
	tp.upstream.policies["u1"] = &emby.UserPolicy{EnableAllFolders: true}

	rec := tp.get(t, "/emby/Users/u1/Items?ParentId="+ToMimickedID(col.ID)+"&StartIndex=1&Limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var page emby.ItemsPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "b", page.Items[0].ID, "engine order is preserved without SortBy")
	assert.Equal(t, "c", page.Items[1].ID)
	assert.Equal(t, 4, page.TotalRecordCount, "total reflects the full permitted set")
}

func TestGlobalLatestAggregates(t *testing.T) {
	tp := newTestProxy(t, config.ProxyConfig{})
	ctx := context.Background()

	older := time.Now().Add(-48 * time.Hour)
	newer := time.Now()

	first, err := tp.store.Create(ctx, &collections.Collection{
		Name: "榜单一", Type: collections.TypeList, ShowInLatest: true,
	})
	require.NoError(t, err)
	require.NoError(t, tp.store.SetSyncResult(ctx, first.ID, "c1", []collections.MediaRef{
		{MetadataID: 1, ItemType: metadata.TypeMovie, LibraryItemID: "old"},
		{MetadataID: 2, ItemType: metadata.TypeMovie, LibraryItemID: "shared"},
	}, 2))

	second, err := tp.store.Create(ctx, &collections.Collection{
		Name: "榜单二", Type: collections.TypeList, ShowInLatest: true,
	})
	require.NoError(t, err)
	require.NoError(t, tp.store.SetSyncResult(ctx, second.ID, "c2", []collections.MediaRef{
		{MetadataID: 2, ItemType: metadata.TypeMovie, LibraryItemID: "shared"},
		{MetadataID: 3, ItemType: metadata.TypeMovie, LibraryItemID: "new"},
	}, 2))

	hidden, err := tp.store.Create(ctx, &collections.Collection{
		Name: "不进最新", Type: collections.TypeList, ShowInLatest: false,
	})
	require.NoError(t, err)
	require.NoError(t, tp.store.SetSyncResult(ctx, hidden.ID, "c3", []collections.MediaRef{
		{MetadataID: 4, ItemType: metadata.TypeMovie, LibraryItemID: "excluded"},
	}, 1))

	seedAsset(t, tp.media, "old", "lib", "6", nil, nil, older)
	seedAsset(t, tp.media, "shared", "lib", "6", nil, nil, older.Add(time.Hour))
	seedAsset(t, tp.media, "new", "lib", "6", nil, nil, newer)
	seedAsset(t, tp.media, "excluded", "lib", "6", nil, nil, newer)

	tp.upstream.policies["u1"] = &emby.UserPolicy{EnableAllFolders: true}
	for _, id := range []string{"old", "shared", "new", "excluded"} {
		tp.upstream.items[id] = emby.Item{ID: id, Name: id}
	}

	rec := tp.get(t, "/emby/Users/u1/Items/Latest")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []emby.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 3, "flagged-off collection stays out, shared ID deduplicates")
	assert.Equal(t, "new", items[0].ID, "newest first")
	assert.Equal(t, "shared", items[1].ID)
	assert.Equal(t, "old", items[2].ID)
}

func TestAllowedItemsRatingRules(t *testing.T) {
	tp := newTestProxy(t, config.ProxyConfig{})
	ctx := context.Background()
	now := time.Now()

	seedAsset(t, tp.media, "kid", "lib", "6", nil, nil, now)
	seedAsset(t, tp.media, "adult", "lib", "18", nil, nil, now)
	seedAsset(t, tp.media, "unrated", "lib", "", nil, nil, now)

	maxRating := 12
	ids := []string{"kid", "adult", "unrated"}

	got, err := tp.proxy.allowedItems(ctx, ids, &emby.UserPolicy{
		EnableAllFolders:  true,
		MaxParentalRating: &maxRating,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kid", "unrated"}, got, "unrated passes the cap when not blocked")

	got, err = tp.proxy.allowedItems(ctx, ids, &emby.UserPolicy{
		EnableAllFolders:  true,
		MaxParentalRating: &maxRating,
		BlockUnratedItems: []string{"Movie"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kid"}, got)

	got, err = tp.proxy.allowedItems(ctx, ids, &emby.UserPolicy{})
	require.NoError(t, err)
	assert.Empty(t, got, "no folder grants means nothing is visible")
}

func TestUnmatchedPathsForward(t *testing.T) {
	tp := newTestProxy(t, config.ProxyConfig{})

	rec := tp.get(t, "/emby/System/Info")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "forwarded:/System/Info", rec.Body.String())
}
