package collections

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/tmdb"
)

func TestParseSeasonMarker(t *testing.T) {
	tests := []struct {
		title  string
		base   string
		season int
		ok     bool
	}{
		{"庆余年第二季", "庆余年", 2, true},
		{"庆余年 第二季", "庆余年", 2, true},
		{"风骚律师第六季", "风骚律师", 6, true},
		{"权力的游戏第十季", "权力的游戏", 10, true},
		{"某剧第十二季", "某剧", 12, true},
		{"某剧二十季", "某剧", 20, true},
		{"庆余年", "庆余年", 0, false},
		{"第二季", "第二季", 0, false}, // nothing left after stripping
		{"Top Gear", "Top Gear", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			base, season, ok := ParseSeasonMarker(tt.title)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.base, base)
			if tt.ok {
				assert.Equal(t, tt.season, season)
			}
		})
	}
}

func TestBestTitleMatch(t *testing.T) {
	results := []tmdb.SearchResult{
		{ID: 1, Title: "The Matrix Resurrections"},
		{ID: 2, Title: "黑客帝国", OriginalTitle: "The Matrix"},
	}

	hit := bestTitleMatch(results, "黑客帝国", "")
	require.NotNil(t, hit)
	assert.Equal(t, 2, hit.ID)

	hit = bestTitleMatch(results, "不存在的片名", "The Matrix")
	require.NotNil(t, hit)
	assert.Equal(t, 2, hit.ID)

	hit = bestTitleMatch(results, "The Matrix", "")
	require.NotNil(t, hit)
	assert.Equal(t, 2, hit.ID, "exact original-title match beats an earlier substring hit")

	assert.Nil(t, bestTitleMatch(results, "完全无关", ""))
}

// fakeTMDB serves search and TV-detail responses for matcher tests.
func fakeTMDB(t *testing.T, tvResults []tmdb.SearchResult, seasonsByID map[int][]int) *tmdb.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/search/tv"):
			json.NewEncoder(w).Encode(tmdb.Page{Results: tvResults, TotalPages: 1})
		case strings.HasPrefix(r.URL.Path, "/tv/"):
			id, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/tv/"))
			if err != nil {
				http.NotFound(w, r)
				return
			}
			var seasons []tmdb.SeasonStub
			for _, sn := range seasonsByID[id] {
				seasons = append(seasons, tmdb.SeasonStub{SeasonNumber: sn})
			}
			json.NewEncoder(w).Encode(tmdb.TV{ID: id, Seasons: seasons})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	client, err := tmdb.NewClient(tmdb.ClientConfig{APIKey: "k", BaseURL: srv.URL, Logger: &logger})
	require.NoError(t, err)
	return client
}

func TestMatchSeriesValidatesSeason(t *testing.T) {
	results := []tmdb.SearchResult{
		{ID: 10, Name: "庆余年外传"},
		{ID: 11, Name: "庆余年"},
	}
	client := fakeTMDB(t, results, map[int][]int{
		10: {1},
		11: {1, 2},
	})

	m := NewMatcher(client, zerolog.Nop())
	hit, season := m.MatchSeries(context.Background(), "庆余年第二季", "", 0)
	require.NotNil(t, hit)
	assert.Equal(t, 11, hit.ID, "first candidate lacking the season is skipped")
	require.NotNil(t, season)
	assert.Equal(t, 2, *season)
}

func TestMatchSeriesNoSeasonCandidate(t *testing.T) {
	results := []tmdb.SearchResult{{ID: 10, Name: "庆余年"}}
	client := fakeTMDB(t, results, map[int][]int{10: {1}})

	m := NewMatcher(client, zerolog.Nop())
	hit, _ := m.MatchSeries(context.Background(), "庆余年第三季", "", 0)
	assert.Nil(t, hit)
}

func TestResolveUnknownTypeTriesBoth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/search/movie"):
			json.NewEncoder(w).Encode(tmdb.Page{TotalPages: 1})
		case strings.HasPrefix(r.URL.Path, "/search/tv"):
			json.NewEncoder(w).Encode(tmdb.Page{
				Results:    []tmdb.SearchResult{{ID: 7, Name: "漫长的季节"}},
				TotalPages: 1,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	client, err := tmdb.NewClient(tmdb.ClientConfig{APIKey: "k", BaseURL: srv.URL, Logger: &logger})
	require.NoError(t, err)

	m := NewMatcher(client, zerolog.Nop())
	ref := m.Resolve(context.Background(), ImportItem{Title: "漫长的季节"})
	require.NotNil(t, ref)
	assert.Equal(t, metadata.TypeSeries, ref.ItemType)
	assert.Equal(t, int64(7), ref.MetadataID)
}

func TestDedupRefs(t *testing.T) {
	s2 := 2
	refs := []MediaRef{
		{MetadataID: 1, ItemType: "Movie", Title: "A"},
		{MetadataID: 1, ItemType: "Movie", Title: "A dup"},
		{MetadataID: 1, ItemType: "Series", Title: "A show"},
		{MetadataID: 1, ItemType: "Series", Title: "A show s2", Season: &s2},
		{Title: "Unresolved"},
		{Title: "UNRESOLVED"},
	}

	out := dedupRefs(refs)
	require.Len(t, out, 4)
	assert.Equal(t, "A", out[0].Title)
	assert.Equal(t, "A show", out[1].Title)
	assert.Equal(t, "A show s2", out[2].Title)
	assert.Equal(t, "Unresolved", out[3].Title)
}
