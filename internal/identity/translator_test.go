package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/ai"
	"github.com/castbridge/castbridge/internal/testutil"
)

// fakeProvider serves a fixed translation table and counts calls.
func fakeProvider(t *testing.T, table map[string]string, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)

		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var user struct {
			Phrases []string `json:"phrases"`
		}
		require.NoError(t, json.Unmarshal([]byte(req.Messages[1].Content), &user))

		out := map[string]string{}
		for _, p := range user.Phrases {
			if v, ok := table[p]; ok {
				out[p] = v
			}
		}
		content, _ := json.Marshal(map[string]interface{}{"translations": out})

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": string(content)}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestTranslator(t *testing.T, tdb *testutil.TestDB, baseURL string) *Translator {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	var client *ai.Client
	if baseURL != "" {
		client = ai.NewClient(ai.ClientConfig{
			BaseURL:   baseURL,
			APIKey:    "test-key",
			ChatModel: "test-model",
			Logger:    &logger,
		})
	}
	return NewTranslator(tdb.Conn, client, ai.ModeFast, logger)
}

func TestTranslatorCachesResults(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	var calls int32
	srv := fakeProvider(t, map[string]string{"Kevin": "凯文"}, &calls)
	defer srv.Close()

	tr := newTestTranslator(t, tdb, srv.URL)
	ctx := context.Background()

	got, ok, err := tr.Translate(ctx, "Kevin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "凯文", got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Second lookup is served from the cache.
	got, ok, err = tr.Translate(ctx, "Kevin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "凯文", got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTranslatorPoisonsFailures(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	var calls int32
	srv := fakeProvider(t, nil, &calls) // provider knows nothing
	defer srv.Close()

	tr := newTestTranslator(t, tdb, srv.URL)
	ctx := context.Background()

	_, ok, err := tr.Translate(ctx, "Zzyzx")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// The failure is poisoned: no second provider call.
	_, ok, err = tr.Translate(ctx, "Zzyzx")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Clearing failures makes the phrase eligible again.
	n, err := tr.ClearFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, _, err = tr.Translate(ctx, "Zzyzx")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTranslatorSkipsProtectedInputs(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	var calls int32
	srv := fakeProvider(t, map[string]string{"Kevin": "凯文"}, &calls)
	defer srv.Close()

	tr := newTestTranslator(t, tdb, srv.URL)
	ctx := context.Background()

	out, err := tr.TranslateAll(ctx, []string{"凯文", "MJ", "", "Kevin"})
	require.NoError(t, err)

	assert.Equal(t, "凯文", out["凯文"])
	assert.Equal(t, "MJ", out["MJ"])
	assert.Equal(t, "凯文", out["Kevin"])
	assert.NotContains(t, out, "")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTranslatorWithoutProvider(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	tr := newTestTranslator(t, tdb, "")
	out, err := tr.TranslateAll(context.Background(), []string{"Kevin"})
	require.NoError(t, err)
	assert.NotContains(t, out, "Kevin")
}
