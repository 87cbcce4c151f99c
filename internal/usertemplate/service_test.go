package usertemplate

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/testutil"
)

// fakeServer simulates the library server's user endpoints and records
// every policy and configuration push it receives.
type fakeServer struct {
	mu           sync.Mutex
	users        map[string]string // id -> name
	policyPushes map[string][]string
	configPushes map[string][]string
	nextID       int
	failCreate   bool
	sourcePolicy string
	sourceConfig string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		users:        map[string]string{"src-1": "admin-template"},
		policyPushes: map[string][]string{},
		configPushes: map[string][]string{},
		nextID:       100,
		sourcePolicy: `{"IsAdministrator":false,"EnableAllFolders":true,"CustomField":"kept"}`,
		sourceConfig: `{"AudioLanguagePreference":"zho"}`,
	}
}

func (f *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/emby/Users":
			var users []map[string]string
			for id, name := range f.users {
				users = append(users, map[string]string{"Id": id, "Name": name})
			}
			json.NewEncoder(w).Encode(users)

		case r.Method == http.MethodPost && r.URL.Path == "/emby/Users/New":
			if f.failCreate {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			var payload struct {
				Name string `json:"Name"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			f.nextID++
			id := "u-" + strconv.Itoa(f.nextID)
			f.users[id] = payload.Name
			json.NewEncoder(w).Encode(map[string]string{"Id": id, "Name": payload.Name})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/Policy"):
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/emby/Users/"), "/Policy")
			body, _ := json.Marshal(decodeBody(r))
			f.policyPushes[id] = append(f.policyPushes[id], string(body))
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/Configuration"):
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/emby/Users/"), "/Configuration")
			body, _ := json.Marshal(decodeBody(r))
			f.configPushes[id] = append(f.configPushes[id], string(body))
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/emby/Users/"):
			id := strings.TrimPrefix(r.URL.Path, "/emby/Users/")
			name, ok := f.users[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte(`{"Id":"` + id + `","Name":"` + name + `","Policy":` + f.sourcePolicy +
				`,"Configuration":` + f.sourceConfig + `}`))

		default:
			http.NotFound(w, r)
		}
	}
}

func decodeBody(r *http.Request) map[string]interface{} {
	var m map[string]interface{}
	json.NewDecoder(r.Body).Decode(&m)
	return m
}

type recordingMarker struct {
	mu     sync.Mutex
	marked []string
}

func (m *recordingMarker) Mark(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, userID)
}

func newTestService(t *testing.T) (*Service, *fakeServer, *recordingMarker, *sql.DB) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(func() { tdb.Close() })

	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client, err := emby.NewClient(emby.ClientConfig{URL: srv.URL, APIKey: "k", Logger: &tdb.Logger})
	require.NoError(t, err)

	marker := &recordingMarker{}
	return NewService(tdb.Conn, client, marker, tdb.Logger), fake, marker, tdb.Conn
}

func TestCreateTemplateSnapshotsPolicy(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, "标准用户", "src-1", 2, 30)
	require.NoError(t, err)
	assert.Equal(t, "标准用户", tpl.Name)
	assert.Equal(t, 2, tpl.MaxConcurrentStreams)
	assert.Equal(t, 30, tpl.DefaultExpirationDays)

	// The snapshot keeps fields no typed struct would know about.
	assert.Contains(t, string(tpl.Policy), `"CustomField":"kept"`)
	assert.Contains(t, string(tpl.Configuration), "AudioLanguagePreference")

	got, err := svc.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(tpl.Policy), string(got.Policy))

	list, err := svc.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSyncTemplatePushesToBoundUsers(t *testing.T) {
	svc, fake, marker, conn := newTestService(t)
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, "标准用户", "src-1", 0, 0)
	require.NoError(t, err)

	for _, id := range []string{"u-a", "u-b"} {
		fake.users[id] = id
		_, err := conn.ExecContext(ctx,
			`INSERT INTO user_extensions (user_id, status, template_id) VALUES (?, 'active', ?)`,
			id, tpl.ID)
		require.NoError(t, err)
	}

	fake.sourcePolicy = `{"EnableAllFolders":false,"Updated":true}`
	pushed, err := svc.SyncTemplate(ctx, tpl.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, pushed)

	assert.Len(t, fake.policyPushes["u-a"], 1)
	assert.Contains(t, fake.policyPushes["u-a"][0], `"Updated":true`)
	assert.Empty(t, fake.configPushes["u-a"], "configuration only pushed when requested")
	assert.ElementsMatch(t, []string{"u-a", "u-b"}, marker.marked,
		"every push is marked so the webhook echo is suppressed")

	got, err := svc.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Contains(t, string(got.Policy), `"Updated":true`, "template snapshot refreshed")
}

func TestRedeemCreatesUserAndConsumesInvitation(t *testing.T) {
	svc, fake, _, conn := newTestService(t)
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, "标准用户", "src-1", 0, 30)
	require.NoError(t, err)

	inv, err := svc.CreateInvitation(ctx, tpl.ID, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "pending", inv.Status)
	assert.NotEmpty(t, inv.Token)

	user, err := svc.Redeem(ctx, inv.Token, "新用户")
	require.NoError(t, err)
	assert.Equal(t, "新用户", fake.users[user.ID])
	assert.Len(t, fake.policyPushes[user.ID], 1)
	assert.Len(t, fake.configPushes[user.ID], 1, "redemption applies the configuration too")

	var expiration sql.NullTime
	var templateID int64
	err = conn.QueryRowContext(ctx,
		`SELECT expiration_date, template_id FROM user_extensions WHERE user_id = ?`, user.ID).
		Scan(&expiration, &templateID)
	require.NoError(t, err)
	require.True(t, expiration.Valid)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), expiration.Time, time.Minute)
	assert.Equal(t, tpl.ID, templateID)

	got, err := svc.GetInvitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, "used", got.Status)
	assert.NotNil(t, got.UsedAt)
}

func TestRedeemZeroDaysMeansNoExpiration(t *testing.T) {
	svc, _, _, conn := newTestService(t)
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, "永久用户", "src-1", 0, 30)
	require.NoError(t, err)

	zero := 0
	inv, err := svc.CreateInvitation(ctx, tpl.ID, &zero, time.Hour)
	require.NoError(t, err)

	user, err := svc.Redeem(ctx, inv.Token, "forever")
	require.NoError(t, err)

	var expiration sql.NullTime
	err = conn.QueryRowContext(ctx,
		`SELECT expiration_date FROM user_extensions WHERE user_id = ?`, user.ID).Scan(&expiration)
	require.NoError(t, err)
	assert.False(t, expiration.Valid, "zero days overrides the template default")
}

func TestRedeemRejectsNameCollision(t *testing.T) {
	svc, fake, _, _ := newTestService(t)
	ctx := context.Background()

	fake.users["u-x"] = "Existing"
	tpl, err := svc.CreateTemplate(ctx, "标准用户", "src-1", 0, 0)
	require.NoError(t, err)
	inv, err := svc.CreateInvitation(ctx, tpl.ID, nil, time.Hour)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, inv.Token, "existing")
	assert.ErrorIs(t, err, ErrNameTaken, "collision check is case-insensitive")

	// The invitation stays redeemable after the rejected attempt.
	got, err := svc.GetInvitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
}

func TestRedeemRejectsUsedAndExpired(t *testing.T) {
	svc, _, _, conn := newTestService(t)
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, "标准用户", "src-1", 0, 0)
	require.NoError(t, err)

	inv, err := svc.CreateInvitation(ctx, tpl.ID, nil, time.Hour)
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, inv.Token, "first")
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, inv.Token, "second")
	assert.ErrorIs(t, err, ErrInvitationUsed)

	expired, err := svc.CreateInvitation(ctx, tpl.ID, nil, time.Hour)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx,
		`UPDATE invitations SET expires_at = ? WHERE id = ?`,
		time.Now().Add(-time.Minute).UTC(), expired.ID)
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, expired.Token, "late")
	assert.ErrorIs(t, err, ErrInvitationExpired)
}

func TestRedeemRollsBackOnFailure(t *testing.T) {
	svc, fake, _, conn := newTestService(t)
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, "标准用户", "src-1", 0, 0)
	require.NoError(t, err)
	inv, err := svc.CreateInvitation(ctx, tpl.ID, nil, time.Hour)
	require.NoError(t, err)

	fake.failCreate = true
	_, err = svc.Redeem(ctx, inv.Token, "doomed")
	require.Error(t, err)

	got, err := svc.GetInvitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status, "invitation survives a failed redemption")

	var count int
	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_extensions`).Scan(&count))
	assert.Zero(t, count)
}

func TestRevokeInvitation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, "标准用户", "src-1", 0, 0)
	require.NoError(t, err)
	inv, err := svc.CreateInvitation(ctx, tpl.ID, nil, time.Hour)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeInvitation(ctx, inv.Token))
	_, err = svc.Redeem(ctx, inv.Token, "too-late")
	assert.ErrorIs(t, err, ErrInvitationUsed)

	assert.ErrorIs(t, svc.RevokeInvitation(ctx, inv.Token), ErrNotFound)
	assert.ErrorIs(t, svc.RevokeInvitation(ctx, "no-such-token"), ErrNotFound)
}
