package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"contract-collab/internal/config"
	"contract-collab/internal/db"
	"contract-collab/internal/events"
	"contract-collab/internal/models"
	"contract-collab/internal/repository"
	"contract-collab/internal/services/collaboration"
	"contract-collab/internal/services/redline"

	"github.com/glebarez/sqlite"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const contract = "Payment is due within 30 days of invoice."

type testServer struct {
	t      *testing.T
	router *mux.Router
	m      *collaboration.Manager
	hub    *collaboration.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	policy := config.DefaultCollabPolicy()
	policy.ShardIdleTimeout = 0
	m := collaboration.NewManager(collaboration.Deps{
		Sessions:   repository.NewSessionRepository(gdb),
		Operations: repository.NewOperationRepository(gdb),
		Snapshots:  repository.NewSnapshotRepository(gdb),
		Versions:   repository.NewDocumentVersionRepository(gdb),
		Events:     events.NewMemorySink(),
		Policy:     policy,
	})
	m.Start()
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	hub := collaboration.NewHub()
	hub.Start()
	t.Cleanup(hub.Shutdown)

	redlines := redline.NewService(repository.NewSuggestionRepository(gdb), m, policy)
	h := NewHandler(m, redlines, nil, repository.NewTokenRepository(gdb), hub, nil)
	return &testServer{t: t, router: SetupRoutes(h), m: m, hub: hub}
}

func asUser(id string) map[string]string {
	return map[string]string{HeaderUserID: id, HeaderUserName: strings.ToUpper(id[:1]) + id[1:]}
}

func (s *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// openSession creates and activates a session owned by "owner".
func (s *testServer) openSession() string {
	s.t.Helper()
	rec := s.do("POST", "/api/sessions", models.SessionCreate{
		DocumentID:    "msa-2024",
		BaseVersionID: "v1",
		Title:         "Master Services Agreement",
		BaseText:      contract,
	}, asUser("owner"))
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[models.CollabSession](s.t, rec)
	assert.Equal(s.t, models.StatusDraft, created.Status)
	assert.Equal(s.t, "owner", created.CreatedBy)

	rec = s.do("POST", "/api/sessions/"+created.ID+"/activate", nil, asUser("owner"))
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return created.ID
}

func (s *testServer) text(sessionID string, headers map[string]string) string {
	s.t.Helper()
	rec := s.do("GET", "/api/sessions/"+sessionID+"/document", nil, headers)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[documentResponse](s.t, rec).Text
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("GET", "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRequestsNeedAnIdentity(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("POST", "/api/sessions", models.SessionCreate{DocumentID: "d", BaseVersionID: "v1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthenticated, decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do("GET", "/api/sessions/missing", nil, map[string]string{HeaderAccessToken: "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSuggestionRoundTrip(t *testing.T) {
	s := newTestServer(t)
	sid := s.openSession()

	rec := s.do("POST", "/api/sessions/"+sid+"/suggestions", proposeRequest{
		Offset:  strings.Index(contract, "30"),
		Length:  2,
		Content: "45",
		Note:    "Net 45",
	}, asUser("bob"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sg := decodeBody[models.Suggestion](t, rec)
	assert.Equal(t, models.SuggestionPending, sg.Status)
	assert.Equal(t, contract, s.text(sid, asUser("bob")))

	rec = s.do("GET", "/api/sessions/"+sid+"/suggestions?status=pending", nil, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Suggestions []models.Suggestion `json:"suggestions"`
	}](t, rec)
	require.Len(t, list.Suggestions, 1)

	rec = s.do("POST", "/api/suggestions/"+sg.ID+"/accept", reasonRequest{Reason: "agreed"}, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[redline.Resolution](t, rec)
	assert.Equal(t, models.SuggestionAccepted, res.Suggestion.Status)
	assert.Len(t, res.Operations, 2)
	assert.Equal(t, "Payment is due within 45 days of invoice.", s.text(sid, asUser("owner")))

	rec = s.do("POST", "/api/suggestions/"+sg.ID+"/reject", nil, asUser("owner"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeNotPending, decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do("GET", "/api/sessions/"+sid+"/audits", nil, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"action":"accept"`)

	rec = s.do("GET", "/api/sessions/"+sid+"/operations?since=0&limit=1", nil, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[struct {
		Operations []models.Operation `json:"operations"`
		More       bool               `json:"more"`
	}](t, rec)
	assert.Len(t, page.Operations, 1)
	assert.True(t, page.More)

	rec = s.do("GET", "/api/sessions/"+sid+"/document?format=html", nil, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody[documentResponse](t, rec).HTML, "45 days")
}

func TestLockedSessionDefersAccept(t *testing.T) {
	s := newTestServer(t)
	sid := s.openSession()

	rec := s.do("POST", "/api/sessions/"+sid+"/suggestions", proposeRequest{Offset: 0, Length: 7, Content: "Fees"}, asUser("bob"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sg := decodeBody[models.Suggestion](t, rec)

	rec = s.do("POST", "/api/sessions/"+sid+"/lock", lockRequest{Reason: "legal review"}, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusLocked, decodeBody[models.CollabSession](t, rec).Status)

	rec = s.do("POST", "/api/suggestions/"+sg.ID+"/accept", nil, asUser("owner"))
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, collaboration.CodeSessionLocked, decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do("POST", "/api/sessions/"+sid+"/unlock", nil, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do("POST", "/api/suggestions/"+sg.ID+"/accept", nil, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestFinalizeWaitsForPendingSuggestions(t *testing.T) {
	s := newTestServer(t)
	sid := s.openSession()

	rec := s.do("POST", "/api/sessions/"+sid+"/suggestions", proposeRequest{Offset: 0, Length: 7, Content: "Fees"}, asUser("bob"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sg := decodeBody[models.Suggestion](t, rec)

	rec = s.do("POST", "/api/sessions/"+sid+"/finalize", nil, asUser("owner"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodePending, decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do("POST", "/api/suggestions/"+sg.ID+"/withdraw", nil, asUser("bob"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do("POST", "/api/sessions/"+sid+"/finalize", completeRequest{MaterializeVersion: true}, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fin := decodeBody[redline.Finalization](t, rec)
	assert.Equal(t, models.StatusCompleted, fin.Completion.Session.Status)
	assert.Equal(t, 1, fin.Summary.Withdrawn)

	rec = s.do("POST", "/api/sessions/"+sid+"/suggestions", proposeRequest{Offset: 0, Length: 7, Content: "Fees"}, asUser("bob"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, collaboration.CodeSessionCompleted, decodeBody[ErrorResponse](t, rec).Code)
}

func TestExternalTokens(t *testing.T) {
	s := newTestServer(t)
	sid := s.openSession()
	other := s.openSession()

	rec := s.do("POST", "/api/sessions/"+sid+"/tokens", tokenRequest{Email: "counsel@acme.test", Name: "Counsel"}, asUser("bob"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do("POST", "/api/sessions/"+sid+"/tokens", tokenRequest{Email: "counsel@acme.test", Name: "Counsel", ExpiresIn: "1h"}, asUser("owner"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	issued := decodeBody[tokenResponse](t, rec)
	require.NotEmpty(t, issued.Token)
	assert.Equal(t, models.RoleExternalReviewer, issued.Record.Role)
	assert.NotContains(t, rec.Body.String(), HashToken(issued.Token))

	counsel := map[string]string{HeaderAccessToken: issued.Token}
	assert.Equal(t, contract, s.text(sid, counsel))

	rec = s.do("GET", "/api/sessions/"+other+"/document", nil, counsel)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do("DELETE", "/api/sessions/"+sid+"/tokens/"+issued.Record.ID, nil, asUser("owner"))
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do("GET", "/api/sessions/"+sid+"/document", nil, counsel)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokensCannotBeRevokedFromAnotherSession(t *testing.T) {
	s := newTestServer(t)
	sid := s.openSession()

	rec := s.do("POST", "/api/sessions", models.SessionCreate{
		DocumentID:    "nda-2024",
		BaseVersionID: "v1",
		Title:         "Mutual NDA",
		BaseText:      "Confidential information stays confidential.",
	}, asUser("mallory"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	foreign := decodeBody[models.CollabSession](t, rec).ID
	rec = s.do("POST", "/api/sessions/"+foreign+"/activate", nil, asUser("mallory"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do("POST", "/api/sessions/"+sid+"/tokens", tokenRequest{Email: "counsel@acme.test", Name: "Counsel"}, asUser("owner"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	issued := decodeBody[tokenResponse](t, rec)

	rec = s.do("DELETE", "/api/sessions/"+foreign+"/tokens/"+issued.Record.ID, nil, asUser("mallory"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	counsel := map[string]string{HeaderAccessToken: issued.Token}
	assert.Equal(t, contract, s.text(sid, counsel), "the token still works")
}

func TestAssistantNotConfigured(t *testing.T) {
	s := newTestServer(t)
	sid := s.openSession()
	rec := s.do("POST", "/api/sessions/"+sid+"/assistant/suggest", assistRequest{Instruction: "Net 45"}, asUser("owner"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSnapshotsOverHTTP(t *testing.T) {
	s := newTestServer(t)
	sid := s.openSession()

	rec := s.do("POST", "/api/sessions/"+sid+"/snapshots", nil, asUser("owner"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	snap := decodeBody[models.Snapshot](t, rec)
	assert.Equal(t, models.TriggerManual, snap.Trigger)

	rec = s.do("GET", "/api/sessions/"+sid+"/snapshots/1", nil, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, contract, decodeBody[snapshotTextResponse](t, rec).Text)

	rec = s.do("GET", "/api/sessions/"+sid+"/snapshots/99", nil, asUser("owner"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do("GET", "/api/sessions/"+sid+"/snapshots/abc", nil, asUser("owner"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketWelcome(t *testing.T) {
	s := newTestServer(t)
	sid := s.openSession()

	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sid + "?user_id=bob&client_id=bob-tab-1"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg collaboration.ServerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, collaboration.MsgWelcome, msg.Type)
	assert.Equal(t, "bob-tab-1", msg.ClientID)
	require.NotNil(t, msg.Bootstrap)
	assert.Equal(t, contract, msg.Bootstrap.Text)

	rec := s.do("GET", "/api/sessions/"+sid+"/participants", nil, asUser("owner"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user:bob")
}

func TestWebSocketRejectsUnknownCaller(t *testing.T) {
	s := newTestServer(t)
	sid := s.openSession()

	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sid
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
