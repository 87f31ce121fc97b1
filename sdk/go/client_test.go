package appraisalsdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appraisal/internal/config"
	"appraisal/internal/db"
	"appraisal/internal/domain"
	"appraisal/internal/engine"
	"appraisal/internal/migrate"
	"appraisal/internal/server"
)

const secret = "sdk-secret"

func newServer(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Engine: engine.New(conn, config.Default()),
		Auth:   server.AuthConfig{JWTSecret: secret},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv.URL
}

func clientFor(t *testing.T, baseURL, actorID string, role domain.Role) *Client {
	t.Helper()
	tok, err := server.SignToken(secret, actorID, role, time.Hour)
	require.NoError(t, err)
	return New(baseURL, tok)
}

func TestClientDrivesAssignment(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()
	mgr := clientFor(t, base, "mgr-1", domain.RoleManager)
	emp := clientFor(t, base, "emp-1", domain.RoleEmployee)

	res, err := mgr.Assign(ctx, AssignInput{
		TemplateID: "annual",
		EmployeeID: "emp-1",
		ManagerID:  "mgr-1",
		DueDate:    time.Now().AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	id := res.Assignment.ID
	assert.Equal(t, "assigned", res.Assignment.State)

	_, err = mgr.Initialize(ctx, id, nil)
	require.NoError(t, err)
	res, err = emp.StartWork(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", res.Assignment.State)
	_, err = emp.SaveAnswer(ctx, id, "self", "achievements", "Shipped the billing rewrite")
	require.NoError(t, err)

	got, err := emp.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Answers, 1)
	assert.Equal(t, res.Assignment.Version+1, got.Version)

	log, err := mgr.Events(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, log)
	assert.Equal(t, "assigned", log[0].Kind)

	rows, err := mgr.List(ctx, map[string]string{"employee_id": "emp-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)

	_, err = emp.Finalize(ctx, id, nil)
	require.Error(t, err)
	assert.Equal(t, "illegal_transition", ErrorCode(err))
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	base := newServer(t)
	_, err := New(base, "").Get(context.Background(), "asg-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "unauthenticated", apiErr.Code)
	assert.False(t, apiErr.Retryable())
}

func TestClientRetriesVersionConflicts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"code":"version_conflict","message":"stale","details":{"retryable":true}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"assignment":{"id":"asg-1","state":"initialized","version":2},"events":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	res, err := c.Initialize(context.Background(), "asg-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "initialized", res.Assignment.State)

	calls.Store(0)
	c.ConflictRetries = 1
	_, err = c.Initialize(context.Background(), "asg-1", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Retryable())
	assert.Equal(t, int32(2), calls.Load())
}
