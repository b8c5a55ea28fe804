package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/models"
)

type recorded struct {
	method, path, query, user, auth string
	body                            []byte
}

func newServer(t *testing.T, status int, respond interface{}) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			user:   r.Header.Get(UserHeader),
			auth:   r.Header.Get("Authorization"),
			body:   body,
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if respond != nil {
			_ = json.NewEncoder(w).Encode(respond)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func sampleTask() *models.Task {
	return &models.Task{
		SyncMeta: models.SyncMeta{ID: "t1", ClientGeneratedID: "client_1", UserID: "u1", SyncVersion: 2},
		Title:    "Ship it",
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestPushCreate(t *testing.T) {
	confirmed := sampleTask()
	confirmed.ID = "srv-1"
	confirmed.SyncVersion = 1
	srv, calls := newServer(t, http.StatusCreated, confirmed)

	c, err := NewClient(Config{BaseURL: srv.URL + "/api/v1", AuthToken: "secret"})
	require.NoError(t, err)

	res, err := c.Push(context.Background(), PushRequest{
		UserID:     "u1",
		Operation:  models.OperationCreate,
		EntityType: models.EntityTask,
		EntityID:   "t1",
		Entity:     sampleTask(),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Entity)
	assert.Equal(t, "srv-1", res.Entity.Meta().ID)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/api/v1/tasks", call.path)
	assert.Equal(t, "u1", call.user)
	assert.Equal(t, "Bearer secret", call.auth)
	assert.Contains(t, string(call.body), `"clientGeneratedId":"client_1"`)
}

func TestPushUpdateAndDelete(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, sampleTask())
	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Push(context.Background(), PushRequest{
		Operation: models.OperationUpdate, EntityType: models.EntityTask, EntityID: "t1", Entity: sampleTask(),
	})
	require.NoError(t, err)

	res, err := c.Push(context.Background(), PushRequest{
		Operation: models.OperationDelete, EntityType: models.EntityProject, EntityID: "p/1",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Entity)

	require.Len(t, *calls, 2)
	assert.Equal(t, http.MethodPatch, (*calls)[0].method)
	assert.Equal(t, "/tasks/t1", (*calls)[0].path)
	assert.Equal(t, http.MethodDelete, (*calls)[1].method)
	assert.Equal(t, "/projects/p/1", (*calls)[1].path)
	assert.Empty(t, (*calls)[1].body)
}

func TestPushRequiresEntity(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = c.Push(context.Background(), PushRequest{Operation: models.OperationCreate, EntityType: models.EntityTask})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestPushHTTPError(t *testing.T) {
	srv, _ := newServer(t, http.StatusConflict, map[string]string{"error": "stale"})
	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Push(context.Background(), PushRequest{
		Operation: models.OperationUpdate, EntityType: models.EntityTask, EntityID: "t1", Entity: sampleTask(),
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTransportHTTP))
	assert.Equal(t, http.StatusConflict, StatusCode(err))
}

func TestUnauthorized(t *testing.T) {
	srv, _ := newServer(t, http.StatusUnauthorized, nil)
	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Pull(context.Background(), "u1", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotAuthenticated))
}

func TestPull(t *testing.T) {
	last := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	body := PullResponse{
		Tasks:    []*models.Task{sampleTask()},
		Projects: []*models.Project{{SyncMeta: models.SyncMeta{ID: "p1"}, Name: "Home"}},
		Deleted: DeletedRefs{
			Tasks: []DeletedRef{{ID: "gone", DeletedAt: last}},
		},
		LastSync: &last,
	}
	srv, calls := newServer(t, http.StatusOK, body)
	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	since := last.Add(-time.Hour)
	resp, err := c.Pull(context.Background(), "u1", &since)
	require.NoError(t, err)

	assert.Len(t, resp.Entities(models.EntityTask), 1)
	assert.Len(t, resp.Entities(models.EntityProject), 1)
	assert.Equal(t, "gone", resp.DeletedOf(models.EntityTask)[0].ID)
	assert.Empty(t, resp.DeletedOf(models.EntityProject))
	require.NotNil(t, resp.LastSync)
	assert.True(t, last.Equal(*resp.LastSync))

	call := (*calls)[0]
	assert.Equal(t, "/sync/pull", call.path)
	assert.Contains(t, call.query, "since=2025-05-01T09%3A00%3A00Z")

	_, err = c.Pull(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, (*calls)[1].query)
}

func TestTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Pull(context.Background(), "u1", nil)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncTimeout))
}

func TestRateLimiterHonoursContext(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, PullResponse{})
	c, err := NewClient(Config{BaseURL: srv.URL, RequestsPerSecond: 0.001, Burst: 1})
	require.NoError(t, err)

	_, err = c.Pull(context.Background(), "u1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Pull(ctx, "u1", nil)
	require.Error(t, err)
}
