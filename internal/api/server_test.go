package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/cleanup"
	"github.com/castbridge/castbridge/internal/collections"
	"github.com/castbridge/castbridge/internal/config"
	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/scheduler"
	"github.com/castbridge/castbridge/internal/testutil"
	"github.com/castbridge/castbridge/internal/websocket"
	"github.com/castbridge/castbridge/internal/worker"
)

type testServer struct {
	server *Server
	db     *testutil.TestDB
	worker *worker.Worker
}

// newTestServer wires the API against a migrated temp database and a
// stub library server.
func newTestServer(t *testing.T, libraryURL string) *testServer {
	t.Helper()

	db := testutil.NewTestDB(t)
	t.Cleanup(db.Close)
	logger := db.Logger

	if libraryURL == "" {
		libraryURL = "http://127.0.0.1:1" // never dialed by these tests
	}
	embyClient, err := emby.NewClient(emby.ClientConfig{
		URL: libraryURL, APIKey: "test-key", Logger: &logger,
	})
	require.NoError(t, err)

	mediaStore := metadata.NewStore(db.Conn, logger)
	colStore := collections.NewStore(db.Conn, logger)
	colSvc := collections.NewService(colStore, mediaStore, embyClient,
		nil, nil, nil, nil, nil, nil, logger)

	sched, err := scheduler.New(logger)
	require.NoError(t, err)

	w := worker.New(logger, nil)
	registry := worker.NewRegistry()

	srv := NewServer(Deps{
		Conn:        db.Conn,
		Config:      &config.Config{},
		Hub:         websocket.NewHub(),
		Worker:      w,
		Registry:    registry,
		Scheduler:   sched,
		Collections: colSvc,
		Cleanup:     cleanup.NewService(db.Conn, mediaStore, embyClient, nil, logger),
		Media:       mediaStore,
		Emby:        embyClient,
		Logger:      logger,
	})
	return &testServer{server: srv, db: db, worker: w}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestActionSubmission(t *testing.T) {
	ts := newTestServer(t, "")
	ts.server.deps.Registry.Register(worker.Action{
		Name:        "noop",
		DisplayName: "空操作",
		Processor:   "test",
		Fn:          func(ctx context.Context, h *worker.Handle) error { return nil },
	})

	rec := ts.do(t, http.MethodPost, "/api/actions/noop", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Not consumed: the worker loop is not running in this test.
	status := ts.worker.Status()
	assert.Equal(t, 1, status.QueueLength)

	rec = ts.do(t, http.MethodPost, "/api/actions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Worker.IsRunning)
}

func TestCollectionCRUD(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/custom_collections", map[string]interface{}{
		"name": "高分科幻", "type": collections.TypeFilter,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created collections.Collection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	rec = ts.do(t, http.MethodGet, "/api/custom_collections", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "高分科幻")

	rec = ts.do(t, http.MethodPost, "/api/custom_collections", map[string]interface{}{
		"name": "bad", "type": "unknown",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/custom_collections/999/status", map[string]string{"status": "paused"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/custom_collections/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/custom_collections/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCollectionStatusValidation(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodPost, "/api/custom_collections/1/status", map[string]string{"status": "frozen"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanupListAndParamValidation(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodGet, "/api/cleanup_tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/cleanup_tasks/abc/Movie/ignore", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/cleanup_tasks/42/Movie/ignore", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearTableWhitelist(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/maintenance/clear_table", map[string]string{"table": "sqlite_master"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/maintenance/clear_table", map[string]string{"table": "translation_cache"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted":0`)
}

func TestReviewQueueEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()

	store := ts.server.deps.Media
	require.NoError(t, store.AddReview(ctx, "item-7", "某电影", "low match score"))

	rec := ts.do(t, http.MethodGet, "/api/maintenance/review_queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "item-7")

	rec = ts.do(t, http.MethodDelete, "/api/maintenance/review_queue/item-7", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	entries, err := store.ListReview(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportAndImportShareMode(t *testing.T) {
	lib := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/System/Info") {
			json.NewEncoder(w).Encode(map[string]string{"Id": "server-a", "Version": "4.8"})
			return
		}
		http.NotFound(w, r)
	}))
	defer lib.Close()

	ts := newTestServer(t, lib.URL)
	ctx := context.Background()

	_, err := ts.db.Conn.ExecContext(ctx, `
		INSERT INTO translation_cache (source, translation, engine)
		VALUES ('Tom Hanks', '汤姆·汉克斯', 'ai')`)
	require.NoError(t, err)
	_, err = ts.db.Conn.ExecContext(ctx, `
		INSERT INTO custom_collections (name, type) VALUES ('本地合集', 'list')`)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/maintenance/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dump databaseExport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	assert.Equal(t, "server-a", dump.ServerID)
	assert.Len(t, dump.Tables["translation_cache"], 1)
	assert.Len(t, dump.Tables["custom_collections"], 1)

	// Import into a server with a different ID: only portable tables
	// merge, collections stay untouched.
	dump.ServerID = "server-elsewhere"
	other := newTestServer(t, lib.URL)
	rec = other.do(t, http.MethodPost, "/api/maintenance/import", dump)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"share"`)

	var translations, cols int
	require.NoError(t, other.db.Conn.QueryRow(`SELECT COUNT(*) FROM translation_cache`).Scan(&translations))
	require.NoError(t, other.db.Conn.QueryRow(`SELECT COUNT(*) FROM custom_collections`).Scan(&cols))
	assert.Equal(t, 1, translations)
	assert.Equal(t, 0, cols)
}

func TestImportOverwriteMode(t *testing.T) {
	lib := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/System/Info") {
			json.NewEncoder(w).Encode(map[string]string{"Id": "server-a"})
			return
		}
		http.NotFound(w, r)
	}))
	defer lib.Close()

	ts := newTestServer(t, lib.URL)
	ctx := context.Background()

	_, err := ts.db.Conn.ExecContext(ctx, `
		INSERT INTO custom_collections (name, type) VALUES ('旧合集', 'list')`)
	require.NoError(t, err)

	dump := databaseExport{
		ServerID: "server-a",
		Tables: map[string][]map[string]interface{}{
			"custom_collections": {
				{"id": 5, "name": "导入合集", "type": "filter", "definition": "{}",
					"status": "active", "sort_order": 0, "in_library_count": 0,
					"generated_media_info": "[]", "show_in_latest": 1},
			},
		},
	}
	rec := ts.do(t, http.MethodPost, "/api/maintenance/import", dump)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"overwrite"`)

	var names []string
	rows, err := ts.db.Conn.Query(`SELECT name FROM custom_collections`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	assert.Equal(t, []string{"导入合集"}, names)
}

func TestFixSequences(t *testing.T) {
	ts := newTestServer(t, "")
	_, err := ts.db.Conn.Exec(`INSERT INTO custom_collections (name, type) VALUES ('合集', 'list')`)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/maintenance/fix_sequences", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsEmptyEvent(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodPost, "/webhook", map[string]string{"Description": "no event"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
