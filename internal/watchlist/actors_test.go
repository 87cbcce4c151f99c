package watchlist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/moviepilot"
	"github.com/castbridge/castbridge/internal/testutil"
	"github.com/castbridge/castbridge/internal/tmdb"
)

func movieCredit(id int, title string, popularity float64) tmdb.PersonCredit {
	return tmdb.PersonCredit{ID: id, MediaType: "movie", Title: title, Popularity: popularity}
}

func TestDedupCreditsKeepsMostPopular(t *testing.T) {
	credits := []tmdb.PersonCredit{
		movieCredit(1, "Hero", 2.0),
		movieCredit(2, "HERO", 9.0), // re-release, same title bucket
		{ID: 3, MediaType: "tv", Name: "Hero", Popularity: 1.0}, // different medium, own bucket
		movieCredit(4, "Other", 1.0),
	}

	out := dedupCredits(credits)
	require.Len(t, out, 3)
	assert.Equal(t, 2, out[0].ID, "higher popularity wins the title bucket")
	assert.Equal(t, 3, out[1].ID)
	assert.Equal(t, 4, out[2].ID)
}

func TestDedupCreditsSkipsEmpty(t *testing.T) {
	out := dedupCredits([]tmdb.PersonCredit{
		movieCredit(0, "Ghost", 1.0),
		movieCredit(5, "", 1.0),
		movieCredit(6, "Real", 1.0),
	})
	require.Len(t, out, 1)
	assert.Equal(t, 6, out[0].ID)
}

func TestPassesFilter(t *testing.T) {
	base := tmdb.PersonCredit{
		ID: 1, MediaType: "movie", Title: "大片",
		ReleaseDate: "2022-05-01", VoteCount: 500, VoteAverage: 7.0, Order: 1,
		GenreIDs: []int{18, 35},
	}

	tests := []struct {
		name   string
		cfg    FilterConfig
		tweak  func(*tmdb.PersonCredit)
		expect bool
	}{
		{"no filter", FilterConfig{}, nil, true},
		{"media type allowed", FilterConfig{MediaTypes: []string{"movie"}}, nil, true},
		{"media type rejected", FilterConfig{MediaTypes: []string{"tv"}}, nil, false},
		{"too old", FilterConfig{MinYear: 2023}, nil, false},
		{"year ok", FilterConfig{MinYear: 2020}, nil, true},
		{"excluded genre", FilterConfig{ExcludeGenres: []int{35}}, nil, false},
		{"include genre hit", FilterConfig{IncludeGenres: []int{18}}, nil, true},
		{"include genre miss", FilterConfig{IncludeGenres: []int{99}}, nil, false},
		{"rating too low", FilterConfig{MinRating: 8.0}, nil, false},
		{"rating floor waived below vote threshold", FilterConfig{MinRating: 8.0, MinRatingVotes: 1000}, nil, true},
		{"main role only passes lead", FilterConfig{MainRoleOnly: true}, nil, true},
		{"main role only rejects supporting", FilterConfig{MainRoleOnly: true},
			func(c *tmdb.PersonCredit) { c.Order = 7 }, false},
		{"chinese title required", FilterConfig{ChineseTitleOnly: true}, nil, true},
		{"chinese title rejects latin", FilterConfig{ChineseTitleOnly: true},
			func(c *tmdb.PersonCredit) { c.Title = "Blockbuster" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			credit := base
			if tt.tweak != nil {
				tt.tweak(&credit)
			}
			assert.Equal(t, tt.expect, passesFilter(tt.cfg, credit))
		})
	}
}

func TestActorServiceCRUD(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	media := metadata.NewStore(tdb.Conn, tdb.Logger)
	subscriber := moviepilot.NewService(nil, tdb.Conn, 0, tdb.Logger)
	svc := NewActorService(tdb.Conn, nil, media, subscriber, tdb.Logger)

	sub, err := svc.Create(ctx, "张伟", 12345, FilterConfig{MainRoleOnly: true, MinYear: 2000})
	require.NoError(t, err)
	assert.Equal(t, "张伟", sub.PersonName)
	assert.True(t, sub.Config.MainRoleOnly)
	assert.Equal(t, 2000, sub.Config.MinYear)
	assert.Equal(t, "active", sub.Status)

	require.NoError(t, svc.UpdateConfig(ctx, sub.ID, FilterConfig{ChineseTitleOnly: true}))
	got, err := svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Config.ChineseTitleOnly)
	assert.False(t, got.Config.MainRoleOnly)

	subs, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	require.NoError(t, svc.Delete(ctx, sub.ID))
	_, err = svc.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActorServiceTrackedOverride(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	ctx := context.Background()

	media := metadata.NewStore(tdb.Conn, tdb.Logger)
	subscriber := moviepilot.NewService(nil, tdb.Conn, 0, tdb.Logger)
	svc := NewActorService(tdb.Conn, nil, media, subscriber, tdb.Logger)

	sub, err := svc.Create(ctx, "张伟", 12345, FilterConfig{})
	require.NoError(t, err)

	_, err = tdb.Conn.ExecContext(ctx, `
		INSERT INTO tracked_actor_media (subscription_id, metadata_id, item_type, title, status, release_date)
		VALUES (?, 42, 'Movie', '大片', 'MISSING', '2022-05-01')`, sub.ID)
	require.NoError(t, err)

	require.NoError(t, svc.OverrideStatus(ctx, sub.ID, 42, "Movie", TrackedIgnored))

	tracked, err := svc.Tracked(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, TrackedIgnored, tracked[0].Status)

	assert.ErrorIs(t, svc.OverrideStatus(ctx, sub.ID, 99, "Movie", TrackedIgnored), ErrNotFound)
}
