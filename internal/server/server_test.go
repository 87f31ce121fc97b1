package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appraisal/internal/config"
	"appraisal/internal/db"
	"appraisal/internal/domain"
	dErrors "appraisal/internal/domainerrors"
	"appraisal/internal/engine"
	"appraisal/internal/events"
	"appraisal/internal/metrics"
	"appraisal/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	e := engine.New(conn, config.Default(), engine.WithMetrics(metrics.New(reg)))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevLogin: true},
		Gatherer: reg,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func token(t *testing.T, actorID string, role domain.Role) string {
	t.Helper()
	tok, err := SignToken(testSecret, actorID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

type commandBody struct {
	Assignment struct {
		ID      string               `json:"id"`
		State   domain.WorkflowState `json:"state"`
		Version int64                `json:"version"`
	} `json:"assignment"`
	Events []events.Envelope `json:"events"`
}

func (s *testServer) command(t *testing.T, method, path, tok string, body any) commandBody {
	t.Helper()
	status, data := s.do(t, method, path, tok, body)
	require.Less(t, status, 300, string(data))
	var out commandBody
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func (s *testServer) assign(t *testing.T, mgr string, requiresReview bool) string {
	t.Helper()
	out := s.command(t, http.MethodPost, "/v0/assignments", mgr, map[string]any{
		"template_id":             "annual",
		"employee_id":             "emp-1",
		"manager_id":              "mgr-1",
		"due_date":                time.Now().AddDate(0, 1, 0).UTC().Format(time.RFC3339),
		"requires_manager_review": requiresReview,
	})
	require.NotEmpty(t, out.Assignment.ID)
	return out.Assignment.ID
}

func (s *testServer) answerAll(t *testing.T, id, emp, mgr string) {
	t.Helper()
	base := "/v0/assignments/" + id
	s.command(t, http.MethodPost, base+"/initialize", mgr, nil)
	for _, a := range []struct {
		tok, section, question, value string
	}{
		{emp, "self", "achievements", "Led the migration"},
		{emp, "development", "growth", "Architecture"},
		{mgr, "manager", "performance", "4"},
		{mgr, "manager", "strengths", "Calm under pressure"},
		{mgr, "development", "growth", "Delegation"},
	} {
		s.command(t, http.MethodPut, base+"/answers", a.tok, map[string]string{
			"section_id": a.section, "question_id": a.question, "value": a.value,
		})
	}
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	status, data := s.do(t, http.MethodGet, "/v0/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestOpenAPIIsPublic(t *testing.T) {
	s := newTestServer(t)
	status, data := s.do(t, http.MethodGet, "/v0/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var doc struct {
		Paths      map[string]json.RawMessage `json:"paths"`
		Components struct {
			SecuritySchemes map[string]json.RawMessage `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc.Paths, "/v0/assignments/{id}/reopen")
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t)
	status, data := s.do(t, http.MethodGet, "/v0/assignments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", decodeError(t, data).Error.Code)

	status, data = s.do(t, http.MethodGet, "/v0/assignments", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)

	forged, err := SignToken("other-secret", "mgr-1", domain.RoleManager, time.Hour)
	require.NoError(t, err)
	status, _ = s.do(t, http.MethodGet, "/v0/assignments", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	s := newTestServer(t)
	status, data := s.do(t, http.MethodPost, "/v0/auth/dev/login", "", map[string]string{"actor_id": "hr-1", "role": "hr"})
	require.Equal(t, http.StatusOK, status, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	status, data = s.do(t, http.MethodGet, "/v0/me", login.Token, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "hr-1", me.ActorID)
	assert.Equal(t, domain.RoleHR, me.Role)
}

func TestReviewLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	emp, mgr := token(t, "emp-1", domain.RoleEmployee), token(t, "mgr-1", domain.RoleManager)
	id := s.assign(t, mgr, true)
	base := "/v0/assignments/" + id
	s.answerAll(t, id, emp, mgr)

	out := s.command(t, http.MethodPost, base+"/submit", mgr, nil)
	assert.Equal(t, domain.StateReviewInitiated, out.Assignment.State)
	s.command(t, http.MethodPost, base+"/review/start", mgr, nil)
	out = s.command(t, http.MethodPost, base+"/review/notes", mgr, map[string]string{"content": "Agreed on a stretch goal"})
	require.Len(t, out.Events, 1)
	assert.Equal(t, events.KindInReviewNoteAdded, out.Events[0].Kind)
	s.command(t, http.MethodPost, base+"/review/finish", mgr, map[string]string{"text": "Good year"})
	s.command(t, http.MethodPost, base+"/sign-off", emp, nil)
	s.command(t, http.MethodPost, base+"/confirm", emp, nil)
	out = s.command(t, http.MethodPost, base+"/finalize", mgr, nil)
	assert.Equal(t, domain.StateFinalized, out.Assignment.State)

	status, data := s.do(t, http.MethodGet, base, emp, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var state struct {
		State         domain.WorkflowState `json:"state"`
		ReviewSummary string               `json:"review_summary"`
		History       []json.RawMessage    `json:"history"`
	}
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, domain.StateFinalized, state.State)
	assert.Equal(t, "Good year", state.ReviewSummary)
	assert.NotEmpty(t, state.History)

	status, data = s.do(t, http.MethodGet, base+"/events", mgr, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var log EventListResponse
	require.NoError(t, json.Unmarshal(data, &log))
	require.NotEmpty(t, log.Items)
	assert.Equal(t, events.KindAssigned, log.Items[0].Kind)
	assert.Equal(t, out.Assignment.Version, log.Items[len(log.Items)-1].Sequence)
}

func TestDomainErrorsMapToStatuses(t *testing.T) {
	s := newTestServer(t)
	emp, mgr := token(t, "emp-1", domain.RoleEmployee), token(t, "mgr-1", domain.RoleManager)
	hr := token(t, "hr-1", domain.RoleHR)
	id := s.assign(t, mgr, true)
	base := "/v0/assignments/" + id

	status, data := s.do(t, http.MethodPost, base+"/finalize", mgr, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(dErrors.CodeIllegalTransition), decodeError(t, data).Error.Code)

	status, data = s.do(t, http.MethodPost, base+"/initialize", emp, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, string(dErrors.CodeUnauthorized), decodeError(t, data).Error.Code)

	s.command(t, http.MethodPost, base+"/initialize", mgr, nil)
	s.command(t, http.MethodPost, base+"/start", emp, nil)
	status, data = s.do(t, http.MethodPost, base+"/reopen", hr, map[string]string{"target_state": "initialized", "reason": "short"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(dErrors.CodeInvalidArgument), decodeError(t, data).Error.Code)

	status, data = s.do(t, http.MethodPost, base+"/reopen", hr, map[string]string{"target_state": "Sideways", "reason": "a long enough reason"})
	assert.Equal(t, http.StatusBadRequest, status, string(data))

	status, data = s.do(t, http.MethodPost, "/v0/assignments/missing/start", emp, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(dErrors.CodeNotFound), decodeError(t, data).Error.Code)

	other := token(t, "emp-2", domain.RoleEmployee)
	status, _ = s.do(t, http.MethodGet, base, other, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestConflictIsRetryable(t *testing.T) {
	err := dErrors.New(dErrors.CodeConflict, "assignment changed concurrently").With("assignment_id", "asg-1")
	se := handleError(err)
	require.Equal(t, http.StatusConflict, se.GetStatus())
	body := se.(*apiError).Body
	assert.Equal(t, true, body.Details["retryable"])
	assert.Equal(t, "asg-1", body.Details["assignment_id"])

	se = handleError(io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, se.GetStatus())
	assert.Equal(t, "internal error", se.Error())
}

func TestListIsScopedToParties(t *testing.T) {
	s := newTestServer(t)
	mgr := token(t, "mgr-1", domain.RoleManager)
	s.assign(t, mgr, true)

	var list AssignmentListResponse
	status, data := s.do(t, http.MethodGet, "/v0/assignments", token(t, "emp-2", domain.RoleEmployee), nil)
	require.Equal(t, http.StatusOK, status, string(data))
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Empty(t, list.Items)

	status, data = s.do(t, http.MethodGet, "/v0/assignments?employee_id=emp-2", token(t, "emp-1", domain.RoleEmployee), nil)
	require.Equal(t, http.StatusOK, status, string(data))
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "emp-1", list.Items[0].EmployeeID)

	status, data = s.do(t, http.MethodGet, "/v0/assignments?state=assigned", token(t, "hr-1", domain.RoleHR), nil)
	require.Equal(t, http.StatusOK, status, string(data))
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Items, 1)
}

func TestEventStreamAndTeamNeedElevatedRoles(t *testing.T) {
	s := newTestServer(t)
	mgr, hr := token(t, "mgr-1", domain.RoleManager), token(t, "hr-1", domain.RoleHR)
	s.assign(t, mgr, true)

	status, _ := s.do(t, http.MethodGet, "/v0/events", mgr, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, data := s.do(t, http.MethodGet, "/v0/events?kind=assigned", hr, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var feed EventListResponse
	require.NoError(t, json.Unmarshal(data, &feed))
	assert.Len(t, feed.Items, 1)

	status, _ = s.do(t, http.MethodPut, "/v0/team/emp-1", mgr, map[string]string{"manager_id": "mgr-1"})
	assert.Equal(t, http.StatusForbidden, status)
	status, data = s.do(t, http.MethodPut, "/v0/team/emp-1", hr, map[string]string{"manager_id": "mgr-1"})
	require.Equal(t, http.StatusNoContent, status, string(data))

	status, data = s.do(t, http.MethodGet, "/v0/team?manager_id=mgr-1", mgr, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var team TeamResponse
	require.NoError(t, json.Unmarshal(data, &team))
	require.Len(t, team.Items, 1)
	assert.Equal(t, "emp-1", team.Items[0].EmployeeID)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.assign(t, token(t, "mgr-1", domain.RoleManager), true)
	status, data := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), "appraisal_commands_total")
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	s := newTestServer(t)
	mgr := token(t, "mgr-1", domain.RoleManager)
	id := s.assign(t, mgr, true)

	var (
		mu       sync.Mutex
		received []events.Envelope
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env events.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		assert.Equal(t, string(env.Kind), r.Header.Get("X-Appraisal-Event"))
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
	}))
	t.Cleanup(sink.Close)

	hooks := []config.WebhookConfig{{ID: "audit", URL: sink.URL, Events: []string{string(events.KindStateTransitioned)}}}
	d := NewWebhookDispatcher(s.Engine, hooks, nil)
	ctx := context.Background()

	// The first pass pins the cursor at the head; history is not replayed.
	d.DispatchAll(ctx)
	mu.Lock()
	assert.Empty(t, received)
	mu.Unlock()

	s.command(t, http.MethodPost, "/v0/assignments/"+id+"/initialize", mgr, nil)
	d.DispatchAll(ctx)

	mu.Lock()
	require.Len(t, received, 1)
	transition, ok := received[0].Payload.(*events.StateTransitioned)
	mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, domain.StateInitialized, transition.To)

	cursor, found, err := s.Engine.Repo.WebhookCursor(ctx, "audit")
	require.NoError(t, err)
	require.True(t, found)
	head, err := s.Engine.Repo.LatestPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, cursor)

	d.DispatchAll(ctx)
	mu.Lock()
	assert.Len(t, received, 1)
	mu.Unlock()
}
