package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/logging"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/store"
	"github.com/afenda/offlinesync/internal/sync/conflict"
	"github.com/afenda/offlinesync/internal/sync/events"
	"github.com/afenda/offlinesync/internal/sync/queue"
	"github.com/afenda/offlinesync/internal/sync/scheduler"
	"github.com/afenda/offlinesync/internal/sync/transport"
	"github.com/afenda/offlinesync/internal/telemetry"
)

// Status represents the connectivity and sync state.
type Status string

const (
	StatusOnline    Status = "online"
	StatusOffline   Status = "offline"
	StatusSyncing   Status = "syncing"
	StatusSyncError Status = "sync_error"
)

// DefaultRequestTimeout bounds a direct push made by a mutation.
const DefaultRequestTimeout = 10 * time.Second

// State is the snapshot returned by GetState.
type State struct {
	Status        Status     `json:"status"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
	PendingCount  int        `json:"pendingCount"`
	FailedCount   int        `json:"failedCount"`
	ConflictCount int        `json:"conflictCount"`
	LastError     string     `json:"lastError,omitempty"`
}

// Transport pushes mutations and pulls server changes.
type Transport interface {
	queue.Pusher
	Pull(ctx context.Context, userID string, since *time.Time) (*transport.PullResponse, error)
}

// Options wires a Manager. Store and Transport are required.
type Options struct {
	Store     *store.Store
	Transport Transport
	Bus       *events.Bus
	Logger    *logging.Logger
	// UserID scopes every operation. Empty means no authenticated user.
	UserID         string
	Queue          queue.Config
	Scheduler      *scheduler.SchedulerConfig
	RequestTimeout time.Duration
	Now            func() time.Time
}

// Manager is the offline manager: it owns the status state machine and
// drives the queue, the resolver and the scheduler.
type Manager struct {
	store     *store.Store
	transport Transport
	bus       *events.Bus
	logger    *logging.Logger
	resolver  *conflict.Resolver
	queue     *queue.SyncQueue
	sched     *scheduler.Scheduler

	userID         string
	requestTimeout time.Duration
	now            func() time.Time

	mu          gosync.RWMutex
	status      Status
	online      bool
	lastErr     string
	initialized bool
	disabled    bool
	disposed    bool
	unsubscribe func()

	// resolveMu serializes reconciliation writes with conflict resolution.
	resolveMu gosync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager. Nothing runs until Init.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Get()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	schedCfg := opts.Scheduler
	if schedCfg == nil {
		schedCfg = scheduler.DefaultSchedulerConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:          opts.Store,
		transport:      opts.Transport,
		bus:            bus,
		logger:         logger,
		resolver:       conflict.NewResolver(logger),
		userID:         opts.UserID,
		requestTimeout: timeout,
		now:            now,
		online:         schedCfg.StartOnline,
		ctx:            ctx,
		cancel:         cancel,
	}
	m.status = StatusOffline
	if m.online {
		m.status = StatusOnline
	}
	m.queue = queue.New(queue.Options{
		Store:  opts.Store,
		Pusher: opts.Transport,
		Bus:    bus,
		Config: opts.Queue,
		Logger: logger,
		Online: m.IsOnline,
	})
	m.sched = scheduler.NewScheduler(m, schedCfg)
	return m
}

// Init checks that local storage works, ensures the client id and starts
// the periodic scheduler. When storage is unavailable the manager disables
// itself: mutations and syncs fail with SYNC_DISABLED.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return errors.New(errors.ErrSyncDisabled, "manager disposed")
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.store.Ping(ctx); err != nil {
		m.mu.Lock()
		m.disabled = true
		m.mu.Unlock()
		m.logger.Warn("Offline storage not available, sync disabled", map[string]interface{}{"error": err.Error()})
		return errors.Wrap(errors.ErrStorageUnavailable, "offline storage not available", err)
	}

	clientID, err := m.store.Meta().ClientID(ctx)
	if err != nil {
		return err
	}

	unsubscribe := m.bus.Subscribe(m.onQueueEvent, events.ConflictDetected)

	m.mu.Lock()
	m.initialized = true
	m.unsubscribe = unsubscribe
	status := m.status
	m.mu.Unlock()

	telemetry.SetStatus(string(status))
	m.emitStatus(status)
	m.sched.Start(m.ctx)
	m.refreshGauges(ctx)

	m.logger.Info("Offline manager initialized", map[string]interface{}{
		"client_id": clientID,
		"user_id":   m.userID,
		"status":    status,
	})
	return nil
}

// Dispose stops the scheduler and retry timers and waits for background
// attempts to return. The store is left open for its owner to close.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	unsubscribe := m.unsubscribe
	m.mu.Unlock()

	m.sched.Stop()
	m.queue.Close()
	m.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	m.logger.Info("Offline manager disposed", nil)
}

// SetOnline feeds the connectivity signal. Losing connectivity moves any
// state to offline and stops the periodic timer; regaining it returns to
// online and runs a full sync right away.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	changed := false
	if !online {
		changed = m.setStatusLocked(StatusOffline)
	} else if m.status == StatusOffline {
		changed = m.setStatusLocked(StatusOnline)
	}
	status := m.status
	m.mu.Unlock()

	if changed {
		m.emitStatus(status)
	}
	m.sched.SetOnlineStatus(online)
}

// IsOnline reports the last connectivity signal.
func (m *Manager) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Status returns the current state machine status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// UserID returns the user every operation is scoped to.
func (m *Manager) UserID() string {
	return m.userID
}

func (m *Manager) setStatusLocked(s Status) bool {
	if m.status == s {
		return false
	}
	m.status = s
	telemetry.SetStatus(string(s))
	return true
}

func (m *Manager) emitStatus(s Status) {
	m.bus.Emit(events.Event{Type: events.StatusChanged, Status: string(s)})
}

// transition sets the status and emits status-changed when it changed.
func (m *Manager) transition(s Status) {
	m.mu.Lock()
	changed := m.setStatusLocked(s)
	m.mu.Unlock()
	if changed {
		m.emitStatus(s)
	}
}

func (m *Manager) ready() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.disabled:
		return errors.New(errors.ErrSyncDisabled, "offline storage not available")
	case m.disposed:
		return errors.New(errors.ErrSyncDisabled, "manager disposed")
	case !m.initialized:
		return errors.New(errors.ErrSyncDisabled, "manager not initialized")
	}
	return nil
}

func (m *Manager) requireUser() error {
	if m.userID == "" {
		return errors.New(errors.ErrSyncNotAuthenticated, "user not authenticated")
	}
	return nil
}

// GetState returns the status, last sync time and queue/conflict counters.
func (m *Manager) GetState(ctx context.Context) (State, error) {
	m.mu.RLock()
	st := State{Status: m.status, LastError: m.lastErr}
	m.mu.RUnlock()

	last, err := m.store.Meta().LastSync(ctx)
	if err != nil {
		return st, err
	}
	st.LastSyncAt = last

	if m.userID == "" {
		return st, nil
	}
	qs, err := m.queue.Status(ctx, m.userID)
	if err != nil {
		return st, err
	}
	st.PendingCount = qs.Pending
	st.FailedCount = qs.Failed

	conflicts, err := m.store.Conflicts().GetUnresolved(ctx, m.userID)
	if err != nil {
		return st, err
	}
	st.ConflictCount = len(conflicts)
	return st, nil
}

// Subscribe registers an event handler and returns its unsubscribe func.
func (m *Manager) Subscribe(h events.Handler, types ...events.Type) func() {
	return m.bus.Subscribe(h, types...)
}

// Bus returns the event bus.
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// SetSyncInterval changes the periodic sync period.
func (m *Manager) SetSyncInterval(d time.Duration) {
	m.sched.SetInterval(d)
}

// Scheduler returns the periodic scheduler status.
func (m *Manager) Scheduler() scheduler.SchedulerStatus {
	return m.sched.GetStatus()
}

// Purge removes processed queue items and resolved conflicts.
func (m *Manager) Purge(ctx context.Context) (items, conflicts int, err error) {
	if err := m.requireUser(); err != nil {
		return 0, 0, err
	}
	items, err = m.store.Queue().ClearProcessed(ctx, m.userID)
	if err != nil {
		return 0, 0, err
	}
	conflicts, err = m.store.Conflicts().ClearResolved(ctx, m.userID)
	if err != nil {
		return items, 0, err
	}
	m.logger.Info("Purged sync history", map[string]interface{}{
		"queue_items": items,
		"conflicts":   conflicts,
	})
	return items, conflicts, nil
}

func (m *Manager) refreshGauges(ctx context.Context) {
	if m.userID == "" {
		return
	}
	if open, err := m.store.Conflicts().GetUnresolved(ctx, m.userID); err == nil {
		telemetry.SetConflictsOpen(len(open))
	}
	if pending, err := m.store.Queue().GetPending(ctx, m.userID); err == nil {
		telemetry.SetQueuePending(len(pending))
	}
}

// entities returns the typed store for t, or an error for unknown types.
func (m *Manager) entities(t models.EntityType) (*store.EntityStore, error) {
	if !t.Valid() {
		return nil, errors.New(errors.ErrInvalid, "unknown entity type "+string(t))
	}
	return m.store.Entities(t), nil
}

var _ OfflineManagerInterface = (*Manager)(nil)
