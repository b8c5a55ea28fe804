// Package queue delivers queued local mutations to the server with bounded
// retries and exponential backoff.
package queue

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/logging"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/store"
	"github.com/afenda/offlinesync/internal/sync/events"
	"github.com/afenda/offlinesync/internal/sync/transport"
	"github.com/afenda/offlinesync/internal/telemetry"
)

// Pusher sends one mutation to the server.
type Pusher interface {
	Push(ctx context.Context, req transport.PushRequest) (*transport.PushResult, error)
}

// Options wires a SyncQueue.
type Options struct {
	Store  *store.Store
	Pusher Pusher
	Bus    *events.Bus
	Config Config
	Logger *logging.Logger
	// Online reports connectivity. Nil means always online.
	Online func() bool
}

// Status summarises the queue for one user.
type Status struct {
	Pending    int  `json:"pending"`
	Failed     int  `json:"failed"`
	Processing bool `json:"processing"`
}

type retryTimer struct {
	t *time.Timer
}

// SyncQueue persists mutations and pushes them in batches.
type SyncQueue struct {
	store  *store.Store
	pusher Pusher
	bus    *events.Bus
	cfg    Config
	logger *logging.Logger
	online func() bool

	processing atomic.Bool

	mu     sync.Mutex
	timers map[string]*retryTimer
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a SyncQueue.
func New(opts Options) *SyncQueue {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Get()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncQueue{
		store:  opts.Store,
		pusher: opts.Pusher,
		bus:    bus,
		cfg:    opts.Config.withDefaults(),
		logger: logger,
		online: online,
		timers: make(map[string]*retryTimer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Config returns the effective settings.
func (q *SyncQueue) Config() Config { return q.cfg }

// Enqueue persists a mutation of e and marks e pending. It does not push.
func (q *SyncQueue) Enqueue(ctx context.Context, userID string, op models.Operation, e models.Entity) (*models.SyncQueueItem, error) {
	if models.IsNil(e) {
		return nil, apperrors.New(apperrors.ErrInvalid, "cannot queue a nil entity")
	}
	m := e.Meta()
	item := &models.SyncQueueItem{
		UserID:            userID,
		EntityType:        e.EntityType(),
		EntityID:          m.ID,
		Operation:         op,
		Data:              models.PayloadOf(e),
		ClientGeneratedID: m.ClientGeneratedID,
	}
	if err := q.store.Queue().Add(ctx, item); err != nil {
		return nil, err
	}
	if _, err := q.store.Entities(item.EntityType).UpdateSyncStatus(ctx, m.ID, models.SyncStatusPending, nil); err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	telemetry.RecordQueueItem(telemetry.QueueEnqueued, string(op))
	q.bus.Emit(events.Event{
		Type:        events.SyncStarted,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		Operation:   op,
		QueueItemID: item.ID,
	})
	return item, nil
}

// QueueOperation enqueues a mutation and, when online, starts a queue pass
// in the background.
func (q *SyncQueue) QueueOperation(ctx context.Context, userID string, op models.Operation, e models.Entity) (*models.SyncQueueItem, error) {
	item, err := q.Enqueue(ctx, userID, op, e)
	if err != nil {
		return nil, err
	}
	if q.online() {
		q.Kick(userID)
	}
	return item, nil
}

// Kick runs ProcessQueue in the background.
func (q *SyncQueue) Kick(userID string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		if err := q.ProcessQueue(q.ctx, userID); err != nil {
			q.logger.Warn("Background queue pass failed", map[string]interface{}{"user_id": userID, "error": err.Error()})
		}
	}()
}

// IsProcessing reports whether a queue pass is running.
func (q *SyncQueue) IsProcessing() bool {
	return q.processing.Load()
}

// ProcessQueue pushes every deliverable pending item of userID. Only one
// pass runs at a time; a concurrent call returns immediately.
//
// Items are split into batches. Within a batch each entity's items run in
// order while different entities run concurrently, so one failure does not
// hold up unrelated items. Items waiting on a retry timer or out of retries
// are skipped.
func (q *SyncQueue) ProcessQueue(ctx context.Context, userID string) error {
	if !q.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer q.processing.Store(false)

	pending, err := q.store.Queue().GetPending(ctx, userID)
	if err != nil {
		q.logger.Error("Failed to read sync queue", err, map[string]interface{}{"user_id": userID})
		q.bus.Emit(events.Event{Type: events.SyncFailed, Error: err.Error()})
		return err
	}

	ready := make([]*models.SyncQueueItem, 0, len(pending))
	for _, item := range pending {
		if item.Exhausted(q.cfg.MaxRetries) || q.hasTimer(item.ID) {
			continue
		}
		ready = append(ready, item)
	}

	for start := 0; start < len(ready); start += q.cfg.BatchSize {
		end := start + q.cfg.BatchSize
		if end > len(ready) {
			end = len(ready)
		}
		q.processBatch(ctx, ready[start:end])
		if ctx.Err() != nil {
			break
		}
	}

	if _, err := q.store.Queue().ClearProcessed(ctx, userID); err != nil {
		q.logger.Warn("Failed to clear processed queue items", map[string]interface{}{"error": err.Error()})
	}
	if left, err := q.store.Queue().GetPending(ctx, userID); err == nil {
		telemetry.SetQueuePending(len(left))
	}
	return ctx.Err()
}

func (q *SyncQueue) processBatch(ctx context.Context, batch []*models.SyncQueueItem) {
	var (
		order  []string
		chains = make(map[string][]*models.SyncQueueItem)
	)
	for _, item := range batch {
		key := string(item.EntityType) + ":" + item.EntityID
		if _, ok := chains[key]; !ok {
			order = append(order, key)
		}
		chains[key] = append(chains[key], item)
	}

	var g errgroup.Group
	for _, key := range order {
		chain := chains[key]
		g.Go(func() error {
			for _, item := range chain {
				if err := q.ProcessItem(ctx, item.ID); err != nil {
					q.handleFailure(ctx, item.ID, err)
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ProcessItem pushes one queued item using the entity's current local
// state. Processing an item that is already processed is a no-op, and items
// of an entity in conflict are held. Failures are returned without touching
// the retry count.
func (q *SyncQueue) ProcessItem(ctx context.Context, itemID string) error {
	item, err := q.store.Queue().Get(ctx, itemID)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if item.IsProcessed() {
		return nil
	}

	req := transport.PushRequest{
		UserID:     item.UserID,
		Operation:  item.Operation,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
	}
	current, err := q.store.Entities(item.EntityType).GetByID(ctx, item.EntityID)
	switch {
	case store.IsNotFound(err):
		if item.Operation != models.OperationDelete {
			// The entity was dropped locally; nothing left to send.
			return q.store.Queue().Discard(ctx, item.ID)
		}
	case err != nil:
		return err
	case current.Meta().SyncStatus == models.SyncStatusConflict:
		// Held until the conflict is resolved.
		q.logger.Debug("Holding queue item for entity in conflict", map[string]interface{}{
			"item_id":   item.ID,
			"entity_id": item.EntityID,
		})
		return nil
	case item.Operation == models.OperationCreate && current.Meta().IsDeleted:
		return q.dropUnsent(ctx, item)
	case item.Operation != models.OperationDelete:
		req.Entity = current
	}

	res, err := q.pusher.Push(ctx, req)
	if err != nil {
		if item.Operation == models.OperationDelete && transport.StatusCode(err) == http.StatusNotFound {
			res = &transport.PushResult{}
		} else {
			return err
		}
	}
	return q.complete(ctx, item, res)
}

func (q *SyncQueue) complete(ctx context.Context, item *models.SyncQueueItem, res *transport.PushResult) error {
	changed, err := q.store.Queue().MarkProcessed(ctx, item.ID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	q.disarm(item.ID)

	entities := q.store.Entities(item.EntityType)
	entityID := item.EntityID
	confirmed := res.Entity

	if !models.IsNil(confirmed) {
		if serverID := confirmed.Meta().ID; serverID != "" && serverID != entityID {
			if _, err := entities.Rekey(ctx, entityID, serverID); err != nil && !store.IsNotFound(err) {
				return err
			}
			if err := q.store.Queue().Retarget(ctx, item.EntityType, entityID, serverID); err != nil {
				return err
			}
			q.logger.Info("Entity re-keyed to server id", map[string]interface{}{
				"entity_type": item.EntityType,
				"local_id":    entityID,
				"server_id":   serverID,
			})
			entityID = serverID
		}
	}

	remaining, err := q.store.Queue().PendingForEntity(ctx, item.EntityType, entityID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		if err := q.markConfirmed(ctx, entities, item, entityID, confirmed); err != nil {
			return err
		}
	}

	telemetry.RecordQueueItem(telemetry.QueueProcessed, string(item.Operation))
	q.bus.Emit(events.Event{
		Type:        events.SyncCompleted,
		EntityType:  item.EntityType,
		EntityID:    entityID,
		Operation:   item.Operation,
		QueueItemID: item.ID,
	})
	return nil
}

// dropUnsent discards the queued history of an entity that was created and
// deleted before the server ever saw it.
func (q *SyncQueue) dropUnsent(ctx context.Context, item *models.SyncQueueItem) error {
	n, err := q.store.Queue().DiscardForEntity(ctx, item.EntityType, item.EntityID)
	if err != nil {
		return err
	}
	q.disarm(item.ID)
	if _, err := q.store.Entities(item.EntityType).UpdateSyncStatus(ctx, item.EntityID, models.SyncStatusDeleted, nil); err != nil && !store.IsNotFound(err) {
		return err
	}
	q.logger.Info("Dropped queue items of an entity deleted before its first push", map[string]interface{}{
		"entity_type": item.EntityType,
		"entity_id":   item.EntityID,
		"discarded":   n,
	})
	q.bus.Emit(events.Event{
		Type:        events.SyncCompleted,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		Operation:   models.OperationDelete,
		QueueItemID: item.ID,
	})
	return nil
}

// markConfirmed records that the server holds every local change of the
// entity and saves the confirmed copy as the merge base.
func (q *SyncQueue) markConfirmed(ctx context.Context, entities *store.EntityStore, item *models.SyncQueueItem, entityID string, confirmed models.Entity) error {
	if item.Operation == models.OperationDelete {
		_, err := entities.UpdateSyncStatus(ctx, entityID, models.SyncStatusDeleted, nil)
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	var version *int64
	if !models.IsNil(confirmed) {
		v := confirmed.Meta().SyncVersion
		version = &v
	}
	local, err := entities.UpdateSyncStatus(ctx, entityID, models.SyncStatusSynced, version)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	base := confirmed
	if models.IsNil(base) {
		base = local
	}
	base = base.CloneEntity()
	base.Meta().ID = entityID
	return entities.SaveBase(ctx, base)
}

// handleFailure counts a failed attempt and either arms a retry timer or,
// once retries are spent, reports the item as a conflict. ctx is the context
// of the pass that made the attempt; when it has ended the failure is not
// held against the item, which stays pending for the next pass.
func (q *SyncQueue) handleFailure(ctx context.Context, itemID string, cause error) {
	if ctx.Err() != nil {
		q.logger.Debug("Queue pass ended before the item finished", map[string]interface{}{
			"item_id": itemID,
			"cause":   cause.Error(),
			"reason":  ctx.Err().Error(),
		})
		return
	}
	item, err := q.store.Queue().IncrementRetry(ctx, itemID)
	if err != nil {
		q.logger.Error("Failed to record queue retry", err, map[string]interface{}{"item_id": itemID})
		return
	}
	if item.IsProcessed() {
		return
	}

	telemetry.RecordQueueItem(telemetry.QueueFailed, string(item.Operation))
	q.bus.Emit(events.Event{
		Type:        events.SyncFailed,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		Operation:   item.Operation,
		QueueItemID: item.ID,
		Error:       cause.Error(),
	})

	if item.RetryCount < q.cfg.MaxRetries {
		delay := Backoff(item.RetryCount, q.cfg.BaseDelay, q.cfg.MaxDelay)
		q.logger.Warn("Sync item failed, retry scheduled", map[string]interface{}{
			"item_id":     item.ID,
			"entity_type": item.EntityType,
			"entity_id":   item.EntityID,
			"operation":   item.Operation,
			"retry":       item.RetryCount,
			"max_retries": q.cfg.MaxRetries,
			"delay_ms":    delay.Milliseconds(),
			"error":       cause.Error(),
		})
		q.scheduleRetry(item.ID, delay)
		return
	}

	q.logger.ErrorWithCode("Sync item exhausted its retries", string(apperrors.ErrSyncRetryExhausted), cause, map[string]interface{}{
		"item_id":     item.ID,
		"entity_type": item.EntityType,
		"entity_id":   item.EntityID,
		"operation":   item.Operation,
	})
	telemetry.RecordQueueItem(telemetry.QueueExhausted, string(item.Operation))
	q.bus.Emit(events.Event{
		Type:        events.ConflictDetected,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		Operation:   item.Operation,
		QueueItemID: item.ID,
		Error:       cause.Error(),
	})
}

// scheduleRetry arms a timer that re-attempts the item after delay. The
// timer entry stays registered until the attempt finishes so queue passes
// skip the item meanwhile.
func (q *SyncQueue) scheduleRetry(itemID string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if old, ok := q.timers[itemID]; ok && old.t.Stop() {
		q.wg.Done()
	}

	entry := &retryTimer{}
	q.timers[itemID] = entry
	q.wg.Add(1)
	entry.t = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		defer q.release(itemID, entry)
		if q.isClosed() || !q.online() {
			return
		}
		ctx, cancel := context.WithTimeout(q.ctx, q.cfg.ItemTimeout)
		defer cancel()
		if err := q.ProcessItem(ctx, itemID); err != nil {
			q.release(itemID, entry)
			// A retry that hits its own item timeout still counts.
			q.handleFailure(q.ctx, itemID, err)
		}
	})
}

func (q *SyncQueue) release(itemID string, entry *retryTimer) {
	q.mu.Lock()
	if q.timers[itemID] == entry {
		delete(q.timers, itemID)
	}
	q.mu.Unlock()
}

// disarm cancels a pending retry for an item that was delivered another way.
func (q *SyncQueue) disarm(itemID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok := q.timers[itemID]; ok {
		if entry.t.Stop() {
			q.wg.Done()
			delete(q.timers, itemID)
		}
	}
}

func (q *SyncQueue) hasTimer(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.timers[itemID]
	return ok
}

func (q *SyncQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// PendingRetries returns the number of armed retry timers.
func (q *SyncQueue) PendingRetries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// CancelRetries stops every armed retry timer.
func (q *SyncQueue) CancelRetries() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, entry := range q.timers {
		if entry.t.Stop() {
			q.wg.Done()
		}
		delete(q.timers, id)
	}
}

// Status reports pending and exhausted items for userID.
func (q *SyncQueue) Status(ctx context.Context, userID string) (Status, error) {
	pending, err := q.store.Queue().GetPending(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	st := Status{Pending: len(pending), Processing: q.IsProcessing()}
	for _, item := range pending {
		if item.Exhausted(q.cfg.MaxRetries) {
			st.Failed++
		}
	}
	return st, nil
}

// Close cancels retries and background work and waits for running
// attempts to return. In-flight requests finish under their own timeout.
func (q *SyncQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.CancelRetries()
	q.cancel()
	q.wg.Wait()
}
