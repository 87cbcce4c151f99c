package moviepilot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/testutil"
)

// fakeDownloader answers login and subscribe, counting submissions.
func fakeDownloader(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/login/access-token":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "token_type": "bearer"})
		case "/api/v1/subscribe/":
			count++
			json.NewEncoder(w).Encode(map[string]bool{"success": true})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &count
}

func newQuotaService(t *testing.T, quota int) (*Service, *int) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	srv, count := fakeDownloader(t)
	client, err := NewClient(ClientConfig{URL: srv.URL, Username: "admin", Password: "pw", Logger: &tdb.Logger})
	require.NoError(t, err)
	return NewService(client, tdb.Conn, quota, tdb.Logger), count
}

func TestSubscribeConsumesDailyQuota(t *testing.T) {
	ctx := context.Background()
	svc, count := newQuotaService(t, 2)

	remaining, err := svc.RemainingQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	require.NoError(t, svc.Subscribe(ctx, SubscribeRequest{Name: "沙丘", TMDBID: 438631, Type: "电影"}))
	require.NoError(t, svc.Subscribe(ctx, SubscribeRequest{Name: "奥本海默", TMDBID: 872585, Type: "电影"}))
	assert.Equal(t, 2, *count)

	err = svc.Subscribe(ctx, SubscribeRequest{Name: "流浪地球", TMDBID: 535167, Type: "电影"})
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 2, *count, "exhausted quota must not reach the downloader")

	remaining, err = svc.RemainingQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestTrySubscribeSwallowsExhaustion(t *testing.T) {
	ctx := context.Background()
	svc, count := newQuotaService(t, 1)

	assert.True(t, svc.TrySubscribe(ctx, SubscribeRequest{Name: "沙丘", TMDBID: 438631, Type: "电影"}))
	assert.False(t, svc.TrySubscribe(ctx, SubscribeRequest{Name: "奥本海默", TMDBID: 872585, Type: "电影"}))
	assert.Equal(t, 1, *count)
}

func TestSubscribeWithoutDownloaderSkips(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	svc := NewService(nil, tdb.Conn, 5, tdb.Logger)

	assert.False(t, svc.Enabled())
	require.NoError(t, svc.Subscribe(context.Background(), SubscribeRequest{Name: "沙丘", TMDBID: 438631, Type: "电影"}))

	// Skipped submissions never touch the counter.
	remaining, err := svc.RemainingQuota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestZeroQuotaMeansUnlimited(t *testing.T) {
	ctx := context.Background()
	svc, count := newQuotaService(t, 0)

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.Subscribe(ctx, SubscribeRequest{Name: "沙丘", TMDBID: 438631, Type: "电影"}))
	}
	assert.Equal(t, 4, *count)
}
