package devserver

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

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afenda/offlinesync/internal/logging"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/sync/transport"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestServer(opts ...func(*Options)) (*Server, http.Handler, *testClock) {
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	o := Options{Logger: logging.New(io.Discard, logging.LevelError), Now: clock.now}
	for _, fn := range opts {
		fn(&o)
	}
	s := New(o)
	return s, s.Handler(), clock
}

func call(t *testing.T, h http.Handler, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, BasePath+path, rdr)
	if user != "" {
		req.Header.Set(transport.UserHeader, user)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeTask(t *testing.T, w *httptest.ResponseRecorder) *models.Task {
	t.Helper()
	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	return &task
}

func decodePull(t *testing.T, w *httptest.ResponseRecorder) transport.PullResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp transport.PullResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func clientTask(clientID, title string) *models.Task {
	return &models.Task{
		SyncMeta: models.SyncMeta{
			ID:                clientID,
			ClientGeneratedID: clientID,
			UserID:            "u1",
			SyncVersion:       1,
		},
		Title:    title,
		Priority: models.PriorityMedium,
		Status:   models.StatusTodo,
	}
}

// =============================================================================
// Push Tests
// =============================================================================

func TestCreateAssignsServerIDAndVersion(t *testing.T) {
	_, h, _ := newTestServer()

	w := call(t, h, http.MethodPost, "/tasks", "u1", clientTask("client_a", "Write docs"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	task := decodeTask(t, w)
	assert.NotEqual(t, "client_a", task.ID)
	assert.Equal(t, "client_a", task.ClientGeneratedID)
	assert.Equal(t, "u1", task.UserID)
	assert.Equal(t, int64(1), task.SyncVersion)
	assert.Equal(t, models.SyncStatusSynced, task.SyncStatus)
	assert.Equal(t, "Write docs", task.Title)
}

func TestCreateIsDeduplicatedByClientID(t *testing.T) {
	s, h, _ := newTestServer()

	first := decodeTask(t, call(t, h, http.MethodPost, "/tasks", "u1", clientTask("client_a", "A")))
	w := call(t, h, http.MethodPost, "/tasks", "u1", clientTask("client_a", "A again"))
	require.Equal(t, http.StatusOK, w.Code)

	again := decodeTask(t, w)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "A", again.Title)
	assert.Len(t, s.List("u1", models.EntityTask), 1)

	// Another user with the same client id gets its own record.
	w = call(t, h, http.MethodPost, "/tasks", "u2", clientTask("client_a", "Theirs"))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, s.List("u2", models.EntityTask), 1)
}

func TestCreateValidatesBody(t *testing.T) {
	_, h, _ := newTestServer()

	w := call(t, h, http.MethodPost, "/tasks", "u1", clientTask("client_a", ""))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	req := httptest.NewRequest(http.MethodPost, BasePath+"/projects", bytes.NewBufferString("{not json"))
	req.Header.Set(transport.UserHeader, "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestsNeedUserHeader(t *testing.T) {
	_, h, _ := newTestServer()

	w := call(t, h, http.MethodGet, "/sync/pull", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBearerTokenIsEnforced(t *testing.T) {
	_, h, _ := newTestServer(func(o *Options) { o.Token = "secret" })

	w := call(t, h, http.MethodGet, "/sync/pull", "u1", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, BasePath+"/sync/pull", nil)
	req.Header.Set(transport.UserHeader, "u1")
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateVersionsServerSide(t *testing.T) {
	_, h, _ := newTestServer()
	created := decodeTask(t, call(t, h, http.MethodPost, "/tasks", "u1", clientTask("client_a", "A")))

	edit := created.Clone()
	edit.Title = "B"
	w := call(t, h, http.MethodPatch, "/tasks/"+created.ID, "u1", edit)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), decodeTask(t, w).SyncVersion)

	edit.SyncVersion = 9
	edit.Title = "C"
	w = call(t, h, http.MethodPatch, "/tasks/"+created.ID, "u1", edit)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeTask(t, w)
	assert.Equal(t, int64(9), got.SyncVersion)
	assert.Equal(t, "C", got.Title)
	assert.Equal(t, "client_a", got.ClientGeneratedID)

	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodPatch, "/tasks/"+created.ID, "u2", edit).Code)
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodPatch, "/tasks/missing", "u1", edit).Code)
}

func TestDeleteRecordsRef(t *testing.T) {
	_, h, _ := newTestServer()
	created := decodeTask(t, call(t, h, http.MethodPost, "/tasks", "u1", clientTask("client_a", "A")))

	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodDelete, "/tasks/"+created.ID, "u2", nil).Code)
	assert.Equal(t, http.StatusNoContent, call(t, h, http.MethodDelete, "/tasks/"+created.ID, "u1", nil).Code)
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodDelete, "/tasks/"+created.ID, "u1", nil).Code)

	resp := decodePull(t, call(t, h, http.MethodGet, "/sync/pull", "u1", nil))
	assert.Empty(t, resp.Tasks)
	require.Len(t, resp.Deleted.Tasks, 1)
	assert.Equal(t, created.ID, resp.Deleted.Tasks[0].ID)
	assert.Equal(t, "client_a", resp.Deleted.Tasks[0].ClientGeneratedID)

	// A re-create with the same client id is a new record.
	w := call(t, h, http.MethodPost, "/tasks", "u1", clientTask("client_a", "A"))
	assert.Equal(t, http.StatusCreated, w.Code)
}

// =============================================================================
// Pull Tests
// =============================================================================

func TestPullIsIncremental(t *testing.T) {
	s, h, clock := newTestServer()
	decodeTask(t, call(t, h, http.MethodPost, "/tasks", "u1", clientTask("client_a", "A")))

	full := decodePull(t, call(t, h, http.MethodGet, "/sync/pull", "u1", nil))
	require.Len(t, full.Tasks, 1)
	require.NotNil(t, full.LastSync)
	assert.Equal(t, clock.now(), *full.LastSync)

	clock.advance(time.Minute)
	since := full.LastSync.Add(time.Second).Format(time.RFC3339Nano)
	empty := decodePull(t, call(t, h, http.MethodGet, "/sync/pull?since="+since, "u1", nil))
	assert.Empty(t, empty.Tasks)
	assert.Empty(t, empty.Projects)

	s.Put(&models.Project{
		SyncMeta: models.SyncMeta{ID: "p-remote", UserID: "u1", SyncVersion: 4},
		Name:     "Remote",
	})
	resp := decodePull(t, call(t, h, http.MethodGet, "/sync/pull?since="+since, "u1", nil))
	require.Len(t, resp.Projects, 1)
	assert.Equal(t, "p-remote", resp.Projects[0].ID)
	assert.Equal(t, int64(4), resp.Projects[0].SyncVersion)

	other := decodePull(t, call(t, h, http.MethodGet, "/sync/pull", "u2", nil))
	assert.Empty(t, other.Tasks)
	assert.Empty(t, other.Projects)
}

func TestPullRejectsBadSince(t *testing.T) {
	_, h, _ := newTestServer()
	w := call(t, h, http.MethodGet, "/sync/pull?since=yesterday", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Failure Injection / Lifecycle Tests
// =============================================================================

func TestFailNext(t *testing.T) {
	s, h, _ := newTestServer()
	s.FailNext(2, http.StatusServiceUnavailable)

	assert.Equal(t, http.StatusServiceUnavailable, call(t, h, http.MethodGet, "/sync/pull", "u1", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, call(t, h, http.MethodGet, "/sync/pull", "u1", nil).Code)
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/sync/pull", "u1", nil).Code)
	assert.Equal(t, 3, s.Requests())
}

func TestSeedingHelpers(t *testing.T) {
	s, _, _ := newTestServer()
	s.Put(clientTask("client_a", "A"))

	e, ok := s.Get(models.EntityTask, "client_a")
	require.True(t, ok)
	assert.Equal(t, models.SyncStatusSynced, e.Meta().SyncStatus)

	assert.True(t, s.Delete(models.EntityTask, "client_a"))
	assert.False(t, s.Delete(models.EntityTask, "client_a"))
	_, ok = s.Get(models.EntityTask, "client_a")
	assert.False(t, ok)
}

func TestHealth(t *testing.T) {
	_, h, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
