package sync

import (
	"context"
	"time"

	"github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/store"
	"github.com/afenda/offlinesync/internal/sync/conflict"
	"github.com/afenda/offlinesync/internal/sync/events"
	"github.com/afenda/offlinesync/internal/sync/transport"
	"github.com/afenda/offlinesync/internal/telemetry"
	"github.com/afenda/offlinesync/internal/uuid"
)

// SyncResult counts what one cycle did.
type SyncResult struct {
	Pulled    int
	Applied   int
	Merged    int
	Deleted   int
	Conflicts int
	Skipped   int
}

// SyncAll runs one full cycle: push the queue, pull changes since the last
// sync and reconcile them. It does nothing while offline or when a cycle is
// already running. Without a user it returns to online silently.
//
// Failures move the status to sync_error and emit sync-failed; lastSync
// only advances on success.
func (m *Manager) SyncAll(ctx context.Context) error {
	if err := m.ready(); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.online || m.status == StatusSyncing {
		m.mu.Unlock()
		telemetry.ObserveSyncCycle(telemetry.CycleSkipped, 0)
		return nil
	}
	m.setStatusLocked(StatusSyncing)
	m.mu.Unlock()
	m.emitStatus(StatusSyncing)

	if m.userID == "" {
		m.finishCycle(nil)
		return nil
	}

	start := m.now()
	result, err := m.runCycle(ctx)
	telemetry.ObserveSyncCycle(cycleResult(err), m.now().Sub(start))
	m.refreshGauges(ctx)
	m.finishCycle(err)

	if err != nil {
		m.logger.ErrorWithCode("Sync failed", string(errors.CodeOf(err)), err, map[string]interface{}{"user_id": m.userID})
		m.bus.Emit(events.Event{Type: events.SyncFailed, Error: err.Error()})
		return err
	}
	m.logger.Info("Sync completed", map[string]interface{}{
		"pulled":    result.Pulled,
		"applied":   result.Applied,
		"merged":    result.Merged,
		"deleted":   result.Deleted,
		"conflicts": result.Conflicts,
		"skipped":   result.Skipped,
	})
	return nil
}

func cycleResult(err error) string {
	if err != nil {
		return telemetry.CycleError
	}
	return telemetry.CycleSuccess
}

// finishCycle leaves the syncing state. A cycle that lost connectivity
// midway stays offline.
func (m *Manager) finishCycle(err error) {
	m.mu.Lock()
	next := StatusOnline
	if err != nil {
		next = StatusSyncError
		m.lastErr = err.Error()
	} else {
		m.lastErr = ""
	}
	if !m.online {
		next = StatusOffline
	}
	changed := m.setStatusLocked(next)
	m.mu.Unlock()
	if changed {
		m.emitStatus(next)
	}
}

func (m *Manager) runCycle(ctx context.Context) (*SyncResult, error) {
	start := m.now().UTC()

	if err := m.queue.ProcessQueue(ctx, m.userID); err != nil {
		return nil, errors.Wrap(errors.ErrSyncFailed, "process queue", err)
	}

	since, err := m.store.Meta().LastSync(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := m.transport.Pull(ctx, m.userID, since)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	m.resolveMu.Lock()
	err = m.reconcile(ctx, resp, result)
	m.resolveMu.Unlock()
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncFailed, "reconcile pulled changes", err)
	}

	next := start
	if resp.LastSync != nil {
		next = resp.LastSync.UTC()
	}
	if err := m.store.Meta().SetLastSync(ctx, next); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) reconcile(ctx context.Context, resp *transport.PullResponse, result *SyncResult) error {
	for _, t := range models.EntityTypes {
		es := m.store.Entities(t)
		for _, server := range resp.Entities(t) {
			result.Pulled++
			if err := m.reconcileEntity(ctx, es, server, result); err != nil {
				return err
			}
		}
		for _, ref := range resp.DeletedOf(t) {
			if err := m.reconcileDeleted(ctx, es, ref, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// findLocal looks an entity up by id and falls back to its client id. A
// match found by client id is re-keyed to the server id.
func (m *Manager) findLocal(ctx context.Context, es *store.EntityStore, id, clientID string) (models.Entity, error) {
	local, err := es.GetByID(ctx, id)
	if err == nil || !store.IsNotFound(err) || clientID == "" {
		return local, err
	}
	local, err = es.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	oldID := local.Meta().ID
	if oldID == id {
		return local, nil
	}
	local, err = es.Rekey(ctx, oldID, id)
	if err != nil {
		return nil, err
	}
	if err := m.store.Queue().Retarget(ctx, es.Type(), oldID, id); err != nil {
		return nil, err
	}
	m.logger.Info("Optimistic entity matched by client id", map[string]interface{}{
		"entity_type": es.Type(),
		"local_id":    oldID,
		"server_id":   id,
	})
	return local, nil
}

func (m *Manager) reconcileEntity(ctx context.Context, es *store.EntityStore, server models.Entity, result *SyncResult) error {
	sm := server.Meta()
	if sm.ID == "" {
		result.Skipped++
		return nil
	}
	if sm.UserID == "" {
		sm.UserID = m.userID
	}

	local, err := m.findLocal(ctx, es, sm.ID, sm.ClientGeneratedID)
	if store.IsNotFound(err) {
		result.Applied++
		return m.adopt(ctx, es, server, nil)
	}
	if err != nil {
		return err
	}

	open, err := m.store.Conflicts().UnresolvedForEntity(ctx, es.Type(), sm.ID)
	if err != nil {
		return err
	}
	if open != nil {
		result.Skipped++
		return nil
	}

	lm := local.Meta()
	switch lm.SyncStatus {
	case models.SyncStatusDeleted:
		// A stale copy must not resurrect a confirmed delete.
		if lm.IsDeleted && !sm.IsDeleted && sm.SyncVersion <= lm.SyncVersion {
			result.Skipped++
			return nil
		}
		result.Applied++
		return m.adopt(ctx, es, server, local)
	case models.SyncStatusSynced:
		result.Applied++
		return m.adopt(ctx, es, server, local)
	}

	base, err := es.GetBase(ctx, sm.ID)
	if err != nil {
		return err
	}
	res, err := m.resolver.ResolveWithBase(base, local, server)
	if err != nil {
		m.logger.Warn("Skipping unresolvable pulled entity", map[string]interface{}{
			"entity_type": es.Type(),
			"entity_id":   sm.ID,
			"error":       err.Error(),
		})
		result.Skipped++
		return nil
	}
	return m.applyAuto(ctx, es, local, server, res, result)
}

// reconcileDeleted applies a server-side deletion.
func (m *Manager) reconcileDeleted(ctx context.Context, es *store.EntityStore, ref transport.DeletedRef, result *SyncResult) error {
	if ref.ID == "" {
		return nil
	}
	local, err := m.findLocal(ctx, es, ref.ID, ref.ClientGeneratedID)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	lm := local.Meta()
	open, err := m.store.Conflicts().UnresolvedForEntity(ctx, es.Type(), lm.ID)
	if err != nil {
		return err
	}
	if open != nil {
		result.Skipped++
		return nil
	}

	if lm.SyncStatus == models.SyncStatusSynced || lm.SyncStatus == models.SyncStatusDeleted {
		result.Deleted++
		return m.markDeleted(ctx, es, local, ref.DeletedAt)
	}

	res, err := m.resolver.Resolve(local, nil)
	if err != nil {
		return err
	}
	return m.applyAuto(ctx, es, local, nil, res, result)
}

// applyAuto applies a resolution that needs no user input, or persists a
// conflict when it does.
func (m *Manager) applyAuto(ctx context.Context, es *store.EntityStore, local, server models.Entity, res *conflict.Resolution, result *SyncResult) error {
	if res.RequiresUserInput {
		result.Conflicts++
		_, err := m.recordConflict(ctx, es, local, server, res.Type.Persisted(), res.Conflicts, "")
		return err
	}

	lm := local.Meta()
	switch {
	case res.Type == conflict.TypeNone:
		// The server copy is not newer; the queue delivers the local one.
		return nil

	case res.Strategy == models.StrategyServerWins:
		if _, err := m.store.Queue().DiscardForEntity(ctx, es.Type(), lm.ID); err != nil {
			return err
		}
		telemetry.RecordConflict(string(res.Type.Persisted()), string(res.Strategy))
		if models.IsNil(server) {
			result.Deleted++
			return m.markDeleted(ctx, es, local, m.now().UTC())
		}
		result.Applied++
		return m.adopt(ctx, es, server, local)

	case res.Strategy == models.StrategyClientWins:
		telemetry.RecordConflict(string(res.Type.Persisted()), string(res.Strategy))
		return nil

	case res.Strategy == models.StrategyMerge:
		telemetry.RecordConflict(string(res.Type.Persisted()), string(res.Strategy))
		result.Merged++
		merged := res.Resolved.CloneEntity()
		mm := merged.Meta()
		mm.ID = lm.ID
		mm.UserID = lm.UserID
		mm.ClientGeneratedID = lm.ClientGeneratedID
		mm.SyncVersion = maxVersion(local, server) + 1
		mm.SyncStatus = models.SyncStatusPending
		mm.IsDeleted = false
		if err := es.Upsert(ctx, merged); err != nil {
			return err
		}
		if !models.IsNil(server) {
			if err := es.SaveBase(ctx, server); err != nil {
				return err
			}
		}
		_, err := m.queue.Enqueue(ctx, m.userID, models.OperationUpdate, merged)
		return err
	}
	return nil
}

// adopt stores the server copy as synced and records it as the merge base.
func (m *Manager) adopt(ctx context.Context, es *store.EntityStore, server, local models.Entity) error {
	e := server.CloneEntity()
	meta := e.Meta()
	if meta.ClientGeneratedID == "" {
		if !models.IsNil(local) && local.Meta().ClientGeneratedID != "" {
			meta.ClientGeneratedID = local.Meta().ClientGeneratedID
		} else {
			meta.ClientGeneratedID = uuid.NewClientID()
		}
	}
	meta.MarkSynced(m.now().UTC())
	if meta.IsDeleted {
		meta.SyncStatus = models.SyncStatusDeleted
	}
	if err := es.Upsert(ctx, e); err != nil {
		return err
	}
	return es.SaveBase(ctx, e)
}

// markDeleted records a server-confirmed deletion of the local copy.
func (m *Manager) markDeleted(ctx context.Context, es *store.EntityStore, local models.Entity, at time.Time) error {
	e := local.CloneEntity()
	meta := e.Meta()
	meta.IsDeleted = true
	meta.SyncStatus = models.SyncStatusDeleted
	if !at.IsZero() && at.After(meta.UpdatedAt) {
		meta.UpdatedAt = at.UTC()
	}
	now := m.now().UTC()
	meta.LastSyncedAt = &now
	if _, err := m.store.Queue().DiscardForEntity(ctx, es.Type(), meta.ID); err != nil {
		return err
	}
	return es.Upsert(ctx, e)
}

// recordConflict persists a conflict, flags the entity and emits
// conflict-detected.
func (m *Manager) recordConflict(ctx context.Context, es *store.EntityStore, client, server models.Entity, typ models.ConflictType, fields []string, reason string) (*models.SyncConflict, error) {
	entityID := client.Meta().ID
	c := &models.SyncConflict{
		UserID:       m.userID,
		EntityType:   es.Type(),
		EntityID:     entityID,
		ClientData:   models.PayloadOf(client),
		ServerData:   models.PayloadOf(server),
		ConflictType: typ,
		Fields:       fields,
		Reason:       reason,
	}
	if err := m.store.Conflicts().Add(ctx, c); err != nil {
		return nil, err
	}
	if _, err := es.UpdateSyncStatus(ctx, entityID, models.SyncStatusConflict, nil); err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	telemetry.RecordConflict(string(typ), string(models.StrategyManual))
	m.logger.Warn("Conflict recorded", map[string]interface{}{
		"conflict_id": c.ID,
		"entity_type": c.EntityType,
		"entity_id":   entityID,
		"type":        typ,
		"fields":      fields,
	})
	m.bus.Emit(events.Event{
		Type:       events.ConflictDetected,
		EntityType: c.EntityType,
		EntityID:   entityID,
		ConflictID: c.ID,
		Strategy:   models.StrategyManual,
		Error:      reason,
	})
	return c, nil
}

func maxVersion(client, server models.Entity) int64 {
	v := client.Meta().SyncVersion
	if !models.IsNil(server) && server.Meta().SyncVersion > v {
		v = server.Meta().SyncVersion
	}
	return v
}
