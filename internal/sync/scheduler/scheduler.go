// Package scheduler runs periodic sync cycles while the client is online.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/logging"
)

// Syncer runs one full sync cycle.
type Syncer interface {
	SyncAll(ctx context.Context) error
}

// Scheduler manages background sync operations.
type Scheduler struct {
	syncer       Syncer
	interval     time.Duration
	cycleTimeout time.Duration
	stopCh       chan struct{}
	resetCh      chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	ctx          context.Context
	isRunning    bool
	isOnline     bool
	lastSyncTime time.Time
	lastError    string
	syncRunning  bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Interval     time.Duration // How often to sync while online (default: 30 seconds)
	CycleTimeout time.Duration // Upper bound for one cycle (default: 5 minutes)
	StartOnline  bool
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval:     30 * time.Second,
		CycleTimeout: 5 * time.Minute,
		StartOnline:  true,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(syncer Syncer, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	d := DefaultSchedulerConfig()
	interval := config.Interval
	if interval <= 0 {
		interval = d.Interval
	}
	timeout := config.CycleTimeout
	if timeout <= 0 {
		timeout = d.CycleTimeout
	}

	return &Scheduler{
		syncer:       syncer,
		interval:     interval,
		cycleTimeout: timeout,
		resetCh:      make(chan struct{}, 1),
		isOnline:     config.StartOnline,
	}
}

// Start starts the background loop. The timer only ticks while online.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.ctx = ctx
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.Interval().Seconds(),
	})
}

// Stop stops the loop and waits for a running cycle to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler.
// Going offline stops the timer. Coming back online restarts it and runs
// one cycle right away.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	ctx := s.ctx
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	s.reset()
	if isOnline && running {
		s.TriggerSync(ctx)
	}
}

// SetInterval changes the tick period. A running timer is re-armed.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	s.mu.Unlock()
	if changed {
		logging.Info("Sync interval changed", map[string]interface{}{"interval_seconds": d.Seconds()})
		s.reset()
	}
}

// Interval returns the tick period.
func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

func (s *Scheduler) reset() {
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	var ticker *time.Ticker
	var tick <-chan time.Time
	arm := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		s.mu.RLock()
		online, interval := s.isOnline, s.interval
		s.mu.RUnlock()
		if online {
			ticker = time.NewTicker(interval)
			tick = ticker.C
		}
	}
	arm()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.resetCh:
			arm()
		case <-tick:
			if !s.TriggerSync(ctx) {
				logging.Debug("Sync already in progress, skipping", nil)
			}
		}
	}
}

// TriggerSync starts a cycle in the background.
// Returns true if a cycle was started, false if one is already running,
// the scheduler is offline, or it is not running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.Lock()
	if !s.isRunning || !s.isOnline || s.syncRunning {
		s.mu.Unlock()
		return false
	}
	s.syncRunning = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_ = s.run(ctx, "periodic")
	}()
	return true
}

// SyncNow runs a cycle and waits for it. It does not require the loop to
// be running.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	if s.syncRunning {
		s.mu.Unlock()
		return errors.New(errors.ErrSyncFailed, "sync already in progress")
	}
	s.syncRunning = true
	s.mu.Unlock()

	return s.run(ctx, "manual")
}

func (s *Scheduler) run(ctx context.Context, trigger string) error {
	defer func() {
		s.mu.Lock()
		s.syncRunning = false
		s.mu.Unlock()
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	err := s.syncer.SyncAll(syncCtx)

	s.mu.Lock()
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
		s.lastSyncTime = time.Now()
	}
	s.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("Sync cycle failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"trigger": trigger})
		return err
	}
	logging.Debug("Sync cycle completed", map[string]interface{}{"trigger": trigger})
	return nil
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool       `json:"isRunning"`
	IsOnline       bool       `json:"isOnline"`
	Interval       string     `json:"interval"`
	CycleTimeout   string     `json:"cycleTimeout"`
	LastSyncTime   *time.Time `json:"lastSyncTime,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	SyncInProgress bool       `json:"syncInProgress"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		Interval:       s.interval.String(),
		CycleTimeout:   s.cycleTimeout.String(),
		LastError:      s.lastError,
		SyncInProgress: s.syncRunning,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
