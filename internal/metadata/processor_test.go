package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/ai"
	"github.com/castbridge/castbridge/internal/douban"
	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/identity"
	"github.com/castbridge/castbridge/internal/testutil"
	"github.com/castbridge/castbridge/internal/tmdb"
)

// fakeLibrary serves the Items endpoints the pipeline touches for one
// movie: detail lookup, the ancestor chain and the cast write-back.
func fakeLibrary(t *testing.T, item emby.Item, ancestors []emby.Item) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/Ancestors"):
			json.NewEncoder(w).Encode(ancestors)
		case r.Method == http.MethodGet && r.URL.Path == "/emby/Items":
			json.NewEncoder(w).Encode(emby.ItemsPage{Items: []emby.Item{item}, TotalRecordCount: 1})
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProcessor(t *testing.T, tdb *testutil.TestDB, libraryURL string, aiClient *ai.Client) *Processor {
	t.Helper()

	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(notFound.Close)

	logger := zerolog.Nop()
	embyClient, err := emby.NewClient(emby.ClientConfig{URL: libraryURL, APIKey: "k", Logger: &logger})
	require.NoError(t, err)
	tmdbClient, err := tmdb.NewClient(tmdb.ClientConfig{APIKey: "k", BaseURL: notFound.URL, Logger: &logger})
	require.NoError(t, err)
	doubanClient := douban.NewClient(douban.ClientConfig{BaseURL: notFound.URL, Logger: &logger})

	return NewProcessor(ProcessorConfig{
		Emby:       embyClient,
		TMDB:       tmdbClient,
		Douban:     doubanClient,
		AI:         aiClient,
		Identities: identity.NewStore(tdb.Conn, tdb.Logger),
		Translator: identity.NewTranslator(tdb.Conn, nil, ai.ModeFast, tdb.Logger),
		Store:      NewStore(tdb.Conn, tdb.Logger),
		Logger:     tdb.Logger,
	})
}

func matrixItem() emby.Item {
	return emby.Item{
		ID:             "movie-1",
		Name:           "黑客帝国",
		OriginalTitle:  "The Matrix",
		Type:           TypeMovie,
		ParentID:       "folder-1",
		ProviderIds:    map[string]string{"Tmdb": "603"},
		OfficialRating: "12",
		Tags:           []string{"violence"},
		Overview:       "一名黑客发现了世界的真相。",
		DateCreated:    "2024-05-01T10:00:00Z",
		People: []emby.Person{
			{Name: "基努·里维斯", Role: "尼奥", Type: "Actor"},
			{Name: "凯瑞-安·莫斯", Role: "崔妮蒂", Type: "Actor"},
		},
	}
}

func TestProcessRecordsAssetFacts(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	lib := fakeLibrary(t, matrixItem(), []emby.Item{
		{ID: "folder-1", Type: "Folder"},
		{ID: "lib-movies", Type: "CollectionFolder"},
		{ID: "root", Type: "AggregateFolder"},
	})
	p := newTestProcessor(t, tdb, lib.URL, nil)

	res, err := p.Process(context.Background(), "movie-1", false)
	require.NoError(t, err)
	require.True(t, res.OK)

	var metadataID int64
	var sourceLibrary, ancestors, rating string
	err = tdb.Conn.QueryRow(`SELECT metadata_id, source_library_id, ancestor_ids, unified_rating
		FROM asset_details WHERE library_item_id = ?`, "movie-1").
		Scan(&metadataID, &sourceLibrary, &ancestors, &rating)
	require.NoError(t, err, "processing must leave a permission-fact row behind")

	assert.Equal(t, int64(603), metadataID)
	assert.Equal(t, "lib-movies", sourceLibrary, "source library is the CollectionFolder ancestor")
	assert.Contains(t, ancestors, "lib-movies")
	assert.Contains(t, ancestors, "folder-1")
	assert.Equal(t, "12", rating)
}

func TestProcessStoresOverviewEmbedding(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	var embedCalls int32
	aiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&embedCalls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 0, "embedding": []float64{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer aiSrv.Close()
	logger := zerolog.Nop()
	aiClient := ai.NewClient(ai.ClientConfig{
		BaseURL: aiSrv.URL, APIKey: "k", EmbeddingModel: "embed-1", Logger: &logger,
	})

	lib := fakeLibrary(t, matrixItem(), []emby.Item{{ID: "lib-movies", Type: "CollectionFolder"}})
	p := newTestProcessor(t, tdb, lib.URL, aiClient)
	ctx := context.Background()

	_, err := p.Process(ctx, "movie-1", false)
	require.NoError(t, err)

	store := NewStore(tdb.Conn, tdb.Logger)
	rec, err := store.Get(ctx, 603, TypeMovie)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, rec.OverviewEmbedding)

	withVectors, err := store.ListWithEmbeddings(ctx)
	require.NoError(t, err)
	assert.Len(t, withVectors, 1)

	// Reprocessing keeps the stored vector instead of paying for a new one.
	_, err = p.Process(ctx, "movie-1", true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&embedCalls))
}

func TestMatchCelebrityUsesIdentityBindings(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	idStore := identity.NewStore(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	imdb := "nm0000206"
	cultural := "1054529"
	_, err := idStore.Resolve(ctx, identity.IDs{IMDBID: &imdb, CulturalPersonID: &cultural},
		"基努·里维斯", nil)
	require.NoError(t, err)

	p := NewProcessor(ProcessorConfig{Identities: idStore, Logger: tdb.Logger})
	index := indexCelebrities([]douban.Celebrity{
		{ID: "1054529", Name: "基努·里维斯"},
		{ID: "1000001", Name: "凯瑞-安·莫斯"},
	})
	credits := indexCredits(nil)

	// The provider spells the name in Latin script, so only the stored
	// IMDb binding can reach the Chinese-keyed candidate.
	got := p.matchCelebrity(ctx, emby.Person{
		Name:        "Keanu Reeves",
		Type:        "Actor",
		ProviderIds: map[string]string{"Imdb": imdb},
	}, credits, index)
	require.NotNil(t, got)
	assert.Equal(t, "1054529", got.ID)

	// Without a known binding the normalized name is the fallback.
	got = p.matchCelebrity(ctx, emby.Person{Name: "凯瑞-安·莫斯", Type: "Actor"}, credits, index)
	require.NotNil(t, got)
	assert.Equal(t, "1000001", got.ID)

	got = p.matchCelebrity(ctx, emby.Person{Name: "Hugo Weaving", Type: "Actor"}, credits, index)
	assert.Nil(t, got)
}
