package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/logging"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/store"
	"github.com/afenda/offlinesync/internal/sync/events"
	"github.com/afenda/offlinesync/internal/sync/queue"
	"github.com/afenda/offlinesync/internal/sync/scheduler"
	"github.com/afenda/offlinesync/internal/sync/transport"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeTransport is an in-memory server.
type fakeTransport struct {
	mu      gosync.Mutex
	pushErr error
	pullErr error
	pull    *transport.PullResponse
	pushes  []transport.PushRequest
	pulls   int
	server  map[string]models.Entity
	nextID  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{server: make(map[string]models.Entity)}
}

func (f *fakeTransport) Push(_ context.Context, req transport.PushRequest) (*transport.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, req)
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	switch req.Operation {
	case models.OperationCreate:
		f.nextID++
		e := req.Entity.CloneEntity()
		e.Meta().ID = fmt.Sprintf("srv-%d", f.nextID)
		f.server[e.Meta().ID] = e
		return &transport.PushResult{Entity: e.CloneEntity()}, nil
	case models.OperationUpdate:
		e := req.Entity.CloneEntity()
		f.server[e.Meta().ID] = e
		return &transport.PushResult{Entity: e.CloneEntity()}, nil
	default:
		if _, ok := f.server[req.EntityID]; !ok {
			return nil, errors.Wrap(errors.ErrTransportHTTP, "not found", &transport.HTTPError{StatusCode: http.StatusNotFound})
		}
		delete(f.server, req.EntityID)
		return &transport.PushResult{}, nil
	}
}

func (f *fakeTransport) Pull(_ context.Context, _ string, _ *time.Time) (*transport.PullResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if f.pull == nil {
		return &transport.PullResponse{}, nil
	}
	resp := f.pull
	f.pull = nil
	return resp, nil
}

func (f *fakeTransport) setPushErr(err error) {
	f.mu.Lock()
	f.pushErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) setPullErr(err error) {
	f.mu.Lock()
	f.pullErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) setPull(resp *transport.PullResponse) {
	f.mu.Lock()
	f.pull = resp
	f.mu.Unlock()
}

func (f *fakeTransport) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeTransport) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func (f *fakeTransport) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.server[id]
	return ok
}

type clock struct {
	mu gosync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     gosync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) of(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) statuses() []string {
	var out []string
	for _, e := range r.of(events.StatusChanged) {
		out = append(out, e.Status)
	}
	return out
}

type harness struct {
	m      *Manager
	store  *store.Store
	net    *fakeTransport
	clock  *clock
	events *recorder
}

type harnessOpt func(*Options)

func withUser(id string) harnessOpt {
	return func(o *Options) { o.UserID = id }
}

func withQueue(cfg queue.Config) harnessOpt {
	return func(o *Options) { o.Queue = cfg }
}

func newHarness(t *testing.T, online bool, opts ...harnessOpt) *harness {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.New(store.NewMemoryBackend(), store.WithClock(c.now))
	net := newFakeTransport()
	rec := &recorder{}
	bus := events.NewBus()
	bus.Subscribe(rec.handle)

	o := Options{
		Store:     st,
		Transport: net,
		Bus:       bus,
		Logger:    logging.New(io.Discard, logging.LevelError),
		UserID:    "u1",
		Queue:     queue.Config{BaseDelay: time.Hour, MaxDelay: time.Hour},
		Scheduler: &scheduler.SchedulerConfig{Interval: time.Hour, StartOnline: online},
		Now:       c.now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	m := NewManager(o)
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(m.Dispose)
	return &harness{m: m, store: st, net: net, clock: c, events: rec}
}

// seedSynced stores a server-confirmed task with its base snapshot.
func (h *harness) seedSynced(t *testing.T, id string, version int64) *models.Task {
	t.Helper()
	ctx := context.Background()
	now := h.clock.now()
	task := &models.Task{
		SyncMeta: models.SyncMeta{
			ID:                id,
			ClientGeneratedID: "client_" + id,
			UserID:            "u1",
			SyncStatus:        models.SyncStatusSynced,
			SyncVersion:       version,
			CreatedAt:         now,
			UpdatedAt:         now,
		},
		Title:    "Original",
		Priority: models.PriorityMedium,
		Status:   models.StatusTodo,
	}
	require.NoError(t, h.store.Tasks().Upsert(ctx, task))
	require.NoError(t, h.store.Tasks().SaveBase(ctx, task))
	h.net.mu.Lock()
	h.net.server[id] = task.Clone()
	h.net.mu.Unlock()
	return task
}

func (h *harness) task(t *testing.T, id string) *models.Task {
	t.Helper()
	e, err := h.store.Tasks().GetByID(context.Background(), id)
	require.NoError(t, err)
	return e.(*models.Task)
}

func strPtr(s string) *string { return &s }

// =====================================================
// Lifecycle Tests
// =====================================================

func TestInitEmitsInitialStatus(t *testing.T) {
	h := newHarness(t, false)

	assert.Equal(t, StatusOffline, h.m.Status())
	assert.Equal(t, []string{"offline"}, h.events.statuses())

	id, ok, err := h.store.Meta().Get(context.Background(), store.KeyClientID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, id)

	// Init is idempotent.
	require.NoError(t, h.m.Init(context.Background()))
	assert.Len(t, h.events.statuses(), 1)
}

func TestInitDisablesWhenStorageUnavailable(t *testing.T) {
	backend := store.NewMemoryBackend()
	require.NoError(t, backend.Close())
	m := NewManager(Options{
		Store:     store.New(backend),
		Transport: newFakeTransport(),
		Logger:    logging.New(io.Discard, logging.LevelError),
		UserID:    "u1",
	})
	defer m.Dispose()

	err := m.Init(context.Background())
	assert.True(t, errors.Is(err, errors.ErrStorageUnavailable))

	_, err = m.CreateTask(context.Background(), &models.Task{Title: "x"})
	assert.True(t, errors.Is(err, errors.ErrSyncDisabled))
	assert.True(t, errors.Is(m.SyncAll(context.Background()), errors.ErrSyncDisabled))
}

func TestDisposeIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	h.m.Dispose()
	h.m.Dispose()

	_, err := h.m.CreateTask(context.Background(), &models.Task{Title: "x"})
	assert.True(t, errors.Is(err, errors.ErrSyncDisabled))
	assert.True(t, errors.Is(h.m.Init(context.Background()), errors.ErrSyncDisabled))
}

// =====================================================
// Mutation Tests
// =====================================================

func TestCreateOfflineQueues(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	task, err := h.m.CreateTask(ctx, &models.Task{Title: "Buy milk"})
	require.NoError(t, err)
	assert.Equal(t, task.ID, task.ClientGeneratedID)
	assert.Equal(t, "u1", task.UserID)
	assert.Equal(t, models.SyncStatusPending, task.SyncStatus)
	assert.Equal(t, int64(1), task.SyncVersion)
	assert.Equal(t, models.PriorityMedium, task.Priority)
	assert.Equal(t, models.StatusTodo, task.Status)
	assert.Equal(t, 0, h.net.pushCount())

	state, err := h.m.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, state.Status)
	assert.Equal(t, 1, state.PendingCount)
	assert.Equal(t, 0, state.ConflictCount)
	assert.Nil(t, state.LastSyncAt)

	_, err = h.m.CreateTask(ctx, &models.Task{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestCreateOnlinePushesAndRekeys(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	task, err := h.m.CreateTask(ctx, &models.Task{Title: "Ship it", Status: models.StatusDone})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", task.ID)
	assert.Equal(t, models.SyncStatusSynced, task.SyncStatus)
	assert.NotNil(t, task.CompletedAt)
	assert.True(t, h.net.has("srv-1"))

	pending, err := h.store.Queue().GetPending(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDirectPushFailureStaysQueued(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.net.setPushErr(stderrors.New("connection refused"))

	task, err := h.m.CreateTask(ctx, &models.Task{Title: "Offline-ish"})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, task.SyncStatus)

	pending, err := h.store.Queue().GetPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Empty(t, h.events.of(events.SyncFailed))
}

func TestMutationsRequireUser(t *testing.T) {
	h := newHarness(t, true, withUser(""))
	ctx := context.Background()

	_, err := h.m.CreateTask(ctx, &models.Task{Title: "x"})
	assert.True(t, errors.Is(err, errors.ErrSyncNotAuthenticated))
	_, err = h.m.List(ctx, models.EntityTask)
	assert.True(t, errors.Is(err, errors.ErrSyncNotAuthenticated))

	require.NoError(t, h.m.SyncAll(ctx))
	assert.Equal(t, StatusOnline, h.m.Status())
	assert.Equal(t, 0, h.net.pullCount())
	assert.Equal(t, []string{"online", "syncing", "online"}, h.events.statuses())
}

func TestUpdateAndDeleteOffline(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.seedSynced(t, "t1", 3)
	h.clock.advance(time.Minute)

	done := models.StatusDone
	e, err := h.m.UpdateOffline(ctx, models.EntityTask, "t1", models.TaskPatch{Title: strPtr("Renamed"), Status: &done})
	require.NoError(t, err)
	task := e.(*models.Task)
	assert.Equal(t, "Renamed", task.Title)
	assert.Equal(t, int64(4), task.SyncVersion)
	assert.Equal(t, models.SyncStatusPending, task.SyncStatus)
	assert.Equal(t, h.clock.now(), task.UpdatedAt)
	require.NotNil(t, task.CompletedAt)

	_, err = h.m.UpdateOffline(ctx, models.EntityTask, "t1", models.ProjectPatch{Name: strPtr("x")})
	assert.True(t, errors.Is(err, errors.ErrInvalid))
	_, err = h.m.UpdateOffline(ctx, models.EntityTask, "missing", models.TaskPatch{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = h.m.UpdateOffline(ctx, models.EntityTask, "t1", models.TaskPatch{Title: strPtr("")})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	h.clock.advance(time.Second)
	require.NoError(t, h.m.DeleteOffline(ctx, models.EntityTask, "t1"))
	list, err := h.m.List(ctx, models.EntityTask)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.True(t, errors.Is(h.m.DeleteOffline(ctx, models.EntityTask, "t1"), errors.ErrNotFound))

	pending, err := h.store.Queue().GetPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, models.OperationUpdate, pending[0].Operation)
	assert.Equal(t, models.OperationDelete, pending[1].Operation)
}

// =====================================================
// SyncAll Tests
// =====================================================

func TestSyncAllPushesThenPulls(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.net.setPushErr(stderrors.New("down"))
	created, err := h.m.CreateTask(ctx, &models.Task{Title: "Local"})
	require.NoError(t, err)
	h.net.setPushErr(nil)

	pulledAt := h.clock.now().Add(time.Second)
	h.net.setPull(&transport.PullResponse{
		Tasks: []*models.Task{{
			SyncMeta: models.SyncMeta{ID: "remote-1", UserID: "u1", SyncVersion: 2, CreatedAt: pulledAt, UpdatedAt: pulledAt},
			Title:    "From another device",
		}},
		LastSync: &pulledAt,
	})

	require.NoError(t, h.m.SyncAll(ctx))

	local, err := h.store.Tasks().GetByClientID(ctx, created.ClientGeneratedID)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", local.Meta().ID)
	assert.Equal(t, models.SyncStatusSynced, local.Meta().SyncStatus)

	remote := h.task(t, "remote-1")
	assert.Equal(t, models.SyncStatusSynced, remote.SyncStatus)
	assert.NotEmpty(t, remote.ClientGeneratedID)
	base, err := h.store.Tasks().GetBase(ctx, "remote-1")
	require.NoError(t, err)
	assert.NotNil(t, base)

	state, err := h.m.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, state.Status)
	assert.Equal(t, 0, state.PendingCount)
	require.NotNil(t, state.LastSyncAt)
	assert.True(t, pulledAt.Equal(*state.LastSyncAt))
	assert.Equal(t, []string{"online", "syncing", "online"}, h.events.statuses())
}

func TestSyncAllSkipsWhileOffline(t *testing.T) {
	h := newHarness(t, false)

	require.NoError(t, h.m.SyncAll(context.Background()))
	assert.Equal(t, 0, h.net.pullCount())
	assert.Equal(t, StatusOffline, h.m.Status())
}

func TestSyncAllFailureSetsSyncError(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.net.setPullErr(errors.New(errors.ErrSyncTimeout, "pull timed out"))

	err := h.m.SyncAll(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusSyncError, h.m.Status())
	require.Len(t, h.events.of(events.SyncFailed), 1)
	assert.Contains(t, h.events.of(events.SyncFailed)[0].Error, "pull timed out")

	state, err := h.m.GetState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.LastSyncAt)
	assert.NotEmpty(t, state.LastError)

	// sync_error is not terminal.
	h.net.setPullErr(nil)
	require.NoError(t, h.m.SyncAll(ctx))
	assert.Equal(t, StatusOnline, h.m.Status())
}

func TestConnectivityTransitions(t *testing.T) {
	h := newHarness(t, false)

	h.m.SetOnline(true)
	require.Eventually(t, func() bool { return h.net.pullCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.m.Status() == StatusOnline }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.m.Scheduler().IsOnline)

	h.m.SetOnline(false)
	assert.Equal(t, StatusOffline, h.m.Status())
	assert.False(t, h.m.Scheduler().IsOnline)

	statuses := h.events.statuses()
	assert.Equal(t, "offline", statuses[0])
	assert.Equal(t, "offline", statuses[len(statuses)-1])
	assert.Contains(t, statuses, "syncing")
}

func TestPulledChangesOverwriteSyncedCopies(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.seedSynced(t, "t1", 1)

	later := h.clock.now().Add(time.Minute)
	h.net.setPull(&transport.PullResponse{Tasks: []*models.Task{{
		SyncMeta: models.SyncMeta{ID: "t1", UserID: "u1", SyncVersion: 2, UpdatedAt: later},
		Title:    "Server edit",
	}}})

	require.NoError(t, h.m.SyncAll(ctx))
	task := h.task(t, "t1")
	assert.Equal(t, "Server edit", task.Title)
	assert.Equal(t, "client_t1", task.ClientGeneratedID)
	assert.Equal(t, models.SyncStatusSynced, task.SyncStatus)
}

func TestDeletedRefsRemoveSyncedCopies(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.seedSynced(t, "t1", 1)

	h.net.setPull(&transport.PullResponse{Deleted: transport.DeletedRefs{
		Tasks: []transport.DeletedRef{{ID: "t1", DeletedAt: h.clock.now().Add(time.Minute)}},
	}})
	require.NoError(t, h.m.SyncAll(ctx))

	task := h.task(t, "t1")
	assert.True(t, task.IsDeleted)
	assert.Equal(t, models.SyncStatusDeleted, task.SyncStatus)
}

func TestDeletedRefWinsOverPendingEdit(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.seedSynced(t, "t1", 1)
	h.net.setPushErr(stderrors.New("down"))
	_, err := h.m.UpdateOffline(ctx, models.EntityTask, "t1", models.TaskPatch{Title: strPtr("Local edit")})
	require.NoError(t, err)

	h.net.setPull(&transport.PullResponse{Deleted: transport.DeletedRefs{
		Tasks: []transport.DeletedRef{{ID: "t1"}},
	}})
	require.NoError(t, h.m.SyncAll(ctx))

	task := h.task(t, "t1")
	assert.True(t, task.IsDeleted)
	assert.Equal(t, models.SyncStatusDeleted, task.SyncStatus)
	pending, err := h.store.Queue().GetPending(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClientIDMatchRekeysOptimisticRow(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.net.setPushErr(stderrors.New("down"))
	created, err := h.m.CreateTask(ctx, &models.Task{Title: "Optimistic"})
	require.NoError(t, err)

	h.net.setPull(&transport.PullResponse{Tasks: []*models.Task{{
		SyncMeta: models.SyncMeta{
			ID:                "srv-77",
			ClientGeneratedID: created.ClientGeneratedID,
			UserID:            "u1",
			SyncVersion:       1,
			UpdatedAt:         created.UpdatedAt,
		},
		Title: "Optimistic",
	}}})
	require.NoError(t, h.m.SyncAll(ctx))

	_, err = h.store.Tasks().GetByID(ctx, created.ID)
	assert.True(t, store.IsNotFound(err))
	h.task(t, "srv-77")

	pending, err := h.store.Queue().GetPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "srv-77", pending[0].EntityID)
}

func TestStaleCopyDoesNotResurrectDelete(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.seedSynced(t, "t1", 1)
	require.NoError(t, h.m.DeleteOffline(ctx, models.EntityTask, "t1"))
	require.Equal(t, models.SyncStatusDeleted, h.task(t, "t1").SyncStatus)

	h.net.setPull(&transport.PullResponse{Tasks: []*models.Task{{
		SyncMeta: models.SyncMeta{ID: "t1", UserID: "u1", SyncVersion: 1},
		Title:    "Original",
	}}})
	require.NoError(t, h.m.SyncAll(ctx))
	assert.True(t, h.task(t, "t1").IsDeleted)
}

// =====================================================
// Scenario Tests
// =====================================================

func TestPriorityEscalationMergesWithoutConflict(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.seedSynced(t, "t1", 1)
	h.net.setPushErr(stderrors.New("down"))

	high := models.PriorityHigh
	_, err := h.m.UpdateOffline(ctx, models.EntityTask, "t1", models.TaskPatch{Priority: &high})
	require.NoError(t, err)

	serverAt := h.clock.now().Add(time.Second)
	h.net.setPull(&transport.PullResponse{Tasks: []*models.Task{{
		SyncMeta: models.SyncMeta{ID: "t1", ClientGeneratedID: "client_t1", UserID: "u1", SyncVersion: 5, UpdatedAt: serverAt},
		Title:    "Original",
		Priority: models.PriorityUrgent,
		Status:   models.StatusTodo,
	}}})
	require.NoError(t, h.m.SyncAll(ctx))

	task := h.task(t, "t1")
	assert.Equal(t, models.PriorityUrgent, task.Priority)
	assert.Equal(t, models.SyncStatusPending, task.SyncStatus)
	assert.Equal(t, int64(6), task.SyncVersion)

	conflicts, err := h.m.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Empty(t, h.events.of(events.ConflictDetected))

	pending, err := h.store.Queue().PendingForEntity(ctx, models.EntityTask, "t1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

// reseed rewrites a synced task's local copy, base snapshot and server
// copy in one go.
func (h *harness) reseed(t *testing.T, task *models.Task, mut func(*models.Task)) {
	t.Helper()
	ctx := context.Background()
	mut(task)
	require.NoError(t, h.store.Tasks().Upsert(ctx, task))
	require.NoError(t, h.store.Tasks().SaveBase(ctx, task))
	h.net.mu.Lock()
	h.net.server[task.ID] = task.Clone()
	h.net.mu.Unlock()
}

func TestCompletionSticksWhenOnlyServerReopens(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	finished := h.clock.now()
	h.reseed(t, h.seedSynced(t, "t1", 1), func(task *models.Task) {
		task.Status = models.StatusDone
		task.CompletedAt = &finished
	})
	h.net.setPushErr(stderrors.New("down"))

	_, err := h.m.UpdateOffline(ctx, models.EntityTask, "t1", models.TaskPatch{Title: strPtr("Renamed offline")})
	require.NoError(t, err)

	h.net.setPull(&transport.PullResponse{Tasks: []*models.Task{{
		SyncMeta: models.SyncMeta{ID: "t1", ClientGeneratedID: "client_t1", UserID: "u1", SyncVersion: 5, UpdatedAt: h.clock.now().Add(time.Second)},
		Title:    "Original",
		Priority: models.PriorityMedium,
		Status:   models.StatusTodo,
	}}})
	require.NoError(t, h.m.SyncAll(ctx))

	task := h.task(t, "t1")
	assert.Equal(t, models.StatusDone, task.Status)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, "Renamed offline", task.Title)
	assert.Equal(t, int64(6), task.SyncVersion)

	conflicts, err := h.m.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestHigherServerPriorityKeptWhenClientLowers(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.reseed(t, h.seedSynced(t, "t1", 1), func(task *models.Task) {
		task.Priority = models.PriorityUrgent
	})
	h.net.setPushErr(stderrors.New("down"))

	high := models.PriorityHigh
	_, err := h.m.UpdateOffline(ctx, models.EntityTask, "t1", models.TaskPatch{Priority: &high})
	require.NoError(t, err)

	h.net.setPull(&transport.PullResponse{Tasks: []*models.Task{{
		SyncMeta: models.SyncMeta{ID: "t1", ClientGeneratedID: "client_t1", UserID: "u1", SyncVersion: 5, UpdatedAt: h.clock.now().Add(time.Second)},
		Title:    "Original",
		Priority: models.PriorityUrgent,
		Status:   models.StatusTodo,
	}}})
	require.NoError(t, h.m.SyncAll(ctx))

	task := h.task(t, "t1")
	assert.Equal(t, models.PriorityUrgent, task.Priority)
	assert.Equal(t, models.SyncStatusPending, task.SyncStatus)

	conflicts, err := h.m.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Empty(t, h.events.of(events.ConflictDetected))
}

func TestTitleTieRecordsConflictAndResolvesManually(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.seedSynced(t, "t1", 1)
	h.net.setPushErr(stderrors.New("down"))
	h.clock.advance(time.Minute)

	_, err := h.m.UpdateOffline(ctx, models.EntityTask, "t1", models.TaskPatch{Title: strPtr("Client title")})
	require.NoError(t, err)

	h.net.setPull(&transport.PullResponse{Tasks: []*models.Task{{
		SyncMeta: models.SyncMeta{ID: "t1", ClientGeneratedID: "client_t1", UserID: "u1", SyncVersion: 5, UpdatedAt: h.clock.now()},
		Title:    "Server title",
		Priority: models.PriorityMedium,
		Status:   models.StatusTodo,
	}}})
	require.NoError(t, h.m.SyncAll(ctx))

	conflicts, err := h.m.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, models.ConflictField, c.ConflictType)
	assert.Equal(t, []string{"title"}, c.Fields)
	assert.Equal(t, "Client title", c.ClientData.Task.Title)
	assert.Equal(t, "Server title", c.ServerData.Task.Title)
	assert.Equal(t, models.SyncStatusConflict, h.task(t, "t1").SyncStatus)

	detected := h.events.of(events.ConflictDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, c.ID, detected[0].ConflictID)

	state, err := h.m.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.ConflictCount)

	// A later pull leaves the entity alone while the conflict is open.
	h.net.setPull(&transport.PullResponse{Tasks: []*models.Task{{
		SyncMeta: models.SyncMeta{ID: "t1", UserID: "u1", SyncVersion: 6},
		Title:    "Newer server title",
	}}})
	require.NoError(t, h.m.SyncAll(ctx))
	assert.Equal(t, "Client title", h.task(t, "t1").Title)

	_, err = h.m.ResolveConflict(ctx, c.ID, models.StrategyManual, nil)
	assert.True(t, errors.Is(err, errors.ErrConflictInvalid))

	resolved := h.task(t, "t1")
	resolved.Title = "Agreed title"
	done, err := h.m.ResolveConflict(ctx, c.ID, models.StrategyManual, resolved)
	require.NoError(t, err)
	assert.True(t, done.Resolved)
	assert.Equal(t, models.StrategyManual, done.ResolutionStrategy)

	task := h.task(t, "t1")
	assert.Equal(t, "Agreed title", task.Title)
	assert.Equal(t, models.SyncStatusPending, task.SyncStatus)
	assert.Equal(t, int64(6), task.SyncVersion)

	pending, err := h.store.Queue().PendingForEntity(ctx, models.EntityTask, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OperationUpdate, pending[0].Operation)

	require.Len(t, h.events.of(events.ConflictResolved), 1)
	_, err = h.m.ResolveConflict(ctx, c.ID, models.StrategyClientWins, nil)
	assert.True(t, errors.Is(err, errors.ErrConflictAlreadyResolved))
}

func TestOfflineDeleteConvergesOnBothSides(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	now := h.clock.now()
	project := &models.Project{
		SyncMeta: models.SyncMeta{ID: "p1", ClientGeneratedID: "client_p1", UserID: "u1", SyncStatus: models.SyncStatusSynced, SyncVersion: 1, CreatedAt: now, UpdatedAt: now},
		Name:     "Garden",
	}
	require.NoError(t, h.store.Projects().Upsert(ctx, project))
	require.NoError(t, h.store.Projects().SaveBase(ctx, project))
	h.net.mu.Lock()
	h.net.server["p1"] = project.Clone()
	h.net.mu.Unlock()

	h.m.SetOnline(false)
	require.NoError(t, h.m.DeleteOffline(ctx, models.EntityProject, "p1"))
	e, err := h.store.Projects().GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, e.Meta().SyncStatus)
	assert.True(t, h.net.has("p1"))

	// The reconnect runs a full sync on its own.
	h.m.SetOnline(true)
	require.Eventually(t, func() bool {
		e, err := h.store.Projects().GetByID(ctx, "p1")
		return err == nil && e.Meta().SyncStatus == models.SyncStatusDeleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, h.net.has("p1"))
	e, err = h.store.Projects().GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, e.Meta().IsDeleted)
	conflicts, err := h.m.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestOfflineCreateThenDeleteNeverReachesServer(t *testing.T) {
	// The harness clock is frozen, so both queue items share a timestamp.
	for i := 0; i < 10; i++ {
		h := newHarness(t, false)
		ctx := context.Background()

		created, err := h.m.CreateTask(ctx, &models.Task{Title: "Short lived"})
		require.NoError(t, err)
		require.NoError(t, h.m.DeleteOffline(ctx, models.EntityTask, created.ID))

		pending, err := h.store.Queue().GetPending(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, models.OperationCreate, pending[0].Operation)
		assert.Equal(t, models.OperationDelete, pending[1].Operation)

		h.m.SetOnline(true)
		require.Eventually(t, func() bool {
			left, err := h.store.Queue().GetPending(ctx, "u1")
			if err != nil || len(left) > 0 {
				return false
			}
			e, err := h.store.Tasks().GetByID(ctx, created.ID)
			return err == nil && e.Meta().SyncStatus == models.SyncStatusDeleted
		}, 2*time.Second, 5*time.Millisecond)

		assert.Equal(t, 0, h.net.pushCount())
		h.net.mu.Lock()
		assert.Empty(t, h.net.server)
		h.net.mu.Unlock()
		task := h.task(t, created.ID)
		assert.True(t, task.IsDeleted)
		assert.Equal(t, models.SyncStatusDeleted, task.SyncStatus)
	}
}

// =====================================================
// Retry Exhaustion Tests
// =====================================================

func TestRetryExhaustionBecomesConflict(t *testing.T) {
	h := newHarness(t, true, withQueue(queue.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))
	ctx := context.Background()
	h.net.setPushErr(stderrors.New("server unreachable"))

	created, err := h.m.CreateTask(ctx, &models.Task{Title: "Never lands"})
	require.NoError(t, err)
	require.NoError(t, h.m.SyncAll(ctx))

	var conflicts []*models.SyncConflict
	require.Eventually(t, func() bool {
		conflicts, err = h.m.Conflicts(ctx)
		return err == nil && len(conflicts) == 1
	}, 2*time.Second, 5*time.Millisecond)

	c := conflicts[0]
	assert.Equal(t, models.ConflictVersion, c.ConflictType)
	assert.Equal(t, created.ID, c.EntityID)
	assert.Contains(t, c.Reason, string(errors.ErrSyncRetryExhausted))
	assert.Equal(t, "Never lands", c.ClientData.Task.Title)
	assert.True(t, c.ServerData.IsZero())
	assert.Equal(t, models.SyncStatusConflict, h.task(t, created.ID).SyncStatus)

	state, err := h.m.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailedCount)
	assert.Equal(t, 1, state.ConflictCount)

	// The server never saw it, so server_wins drops the local copy.
	_, err = h.m.ResolveConflict(ctx, c.ID, models.StrategyServerWins, nil)
	require.NoError(t, err)
	task := h.task(t, created.ID)
	assert.True(t, task.IsDeleted)
	assert.Equal(t, models.SyncStatusDeleted, task.SyncStatus)

	state, err = h.m.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, state.PendingCount)
	assert.Equal(t, 0, state.ConflictCount)
}

func TestClientWinsAfterExhaustionRequeuesCreate(t *testing.T) {
	h := newHarness(t, true, withQueue(queue.Config{MaxRetries: 1, BaseDelay: time.Hour, MaxDelay: time.Hour}))
	ctx := context.Background()
	h.net.setPushErr(stderrors.New("server unreachable"))

	created, err := h.m.CreateTask(ctx, &models.Task{Title: "Retry me"})
	require.NoError(t, err)
	require.NoError(t, h.m.SyncAll(ctx))

	conflicts, err := h.m.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	h.net.setPushErr(nil)
	h.m.SetOnline(false)
	_, err = h.m.ResolveConflict(ctx, conflicts[0].ID, models.StrategyClientWins, nil)
	require.NoError(t, err)

	pending, err := h.store.Queue().GetPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OperationCreate, pending[0].Operation)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Equal(t, models.SyncStatusPending, h.task(t, created.ID).SyncStatus)
}

func TestPurgeClearsHistory(t *testing.T) {
	h := newHarness(t, true, withQueue(queue.Config{MaxRetries: 1, BaseDelay: time.Hour, MaxDelay: time.Hour}))
	ctx := context.Background()
	h.net.setPushErr(stderrors.New("down"))
	_, err := h.m.CreateTask(ctx, &models.Task{Title: "x"})
	require.NoError(t, err)
	require.NoError(t, h.m.SyncAll(ctx))
	conflicts, err := h.m.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	_, err = h.m.ResolveConflict(ctx, conflicts[0].ID, models.StrategyServerWins, nil)
	require.NoError(t, err)

	_, resolvedCount, err := h.m.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolvedCount)
}
