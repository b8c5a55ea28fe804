package sync

import (
	"context"

	"github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/store"
	"github.com/afenda/offlinesync/internal/sync/events"
	"github.com/afenda/offlinesync/internal/telemetry"
)

// Conflicts returns the user's unresolved conflicts, oldest first.
func (m *Manager) Conflicts(ctx context.Context) ([]*models.SyncConflict, error) {
	if err := m.requireUser(); err != nil {
		return nil, err
	}
	return m.store.Conflicts().GetUnresolved(ctx, m.userID)
}

// ResolveConflict settles a conflict:
//   - server_wins adopts the server copy as synced, or the local copy as
//     deleted when the server has none.
//   - client_wins, merge and manual store the chosen data as pending with a
//     version above both sides and queue it so the server converges.
//
// manual requires resolved; merge uses resolved when given and otherwise
// re-runs the merge heuristics.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID string, strategy models.ResolutionStrategy, resolved models.Entity) (*models.SyncConflict, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if !strategy.Valid() {
		return nil, errors.New(errors.ErrConflictInvalid, "unknown strategy "+string(strategy))
	}
	if strategy == models.StrategyManual && models.IsNil(resolved) {
		return nil, errors.New(errors.ErrConflictInvalid, "manual resolution requires resolved data")
	}

	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	c, err := m.store.Conflicts().Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, errors.New(errors.ErrConflictAlreadyResolved, "conflict "+conflictID+" already resolved")
	}
	if !models.IsNil(resolved) && resolved.EntityType() != c.EntityType {
		return nil, errors.New(errors.ErrConflictInvalid, "resolved data is not a "+string(c.EntityType))
	}

	es := m.store.Entities(c.EntityType)
	client := c.ClientData.Entity()
	server := c.ServerData.Entity()
	local, err := es.GetByID(ctx, c.EntityID)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}
	if models.IsNil(local) {
		local = client
	}
	if models.IsNil(local) {
		return nil, errors.New(errors.ErrConflictInvalid, "conflict has no client data")
	}

	var final models.Entity
	switch strategy {
	case models.StrategyServerWins:
		final, err = m.resolveServerWins(ctx, es, local, server)
	default:
		chosen := resolved
		switch {
		case strategy == models.StrategyClientWins:
			chosen = local
		case strategy == models.StrategyMerge && models.IsNil(chosen):
			chosen, err = m.mergeFor(local, server)
		}
		if err == nil {
			final, err = m.resolveWithData(ctx, es, c, local, server, chosen)
		}
	}
	if err != nil {
		return nil, err
	}

	done, err := m.store.Conflicts().MarkResolved(ctx, conflictID, strategy, models.PayloadOf(final))
	if err != nil {
		return nil, err
	}

	telemetry.RecordConflict(string(c.ConflictType), string(strategy))
	m.refreshGauges(ctx)
	m.logger.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": conflictID,
		"entity_type": c.EntityType,
		"entity_id":   c.EntityID,
		"strategy":    strategy,
	})
	m.bus.Emit(events.Event{
		Type:       events.ConflictResolved,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		ConflictID: conflictID,
		Strategy:   strategy,
	})

	if m.IsOnline() && strategy != models.StrategyServerWins {
		m.queue.Kick(m.userID)
	}
	return done, nil
}

func (m *Manager) resolveServerWins(ctx context.Context, es *store.EntityStore, local, server models.Entity) (models.Entity, error) {
	id := local.Meta().ID
	if _, err := m.store.Queue().DiscardForEntity(ctx, es.Type(), id); err != nil {
		return nil, err
	}
	if models.IsNil(server) {
		if err := m.markDeleted(ctx, es, local, m.now().UTC()); err != nil {
			return nil, err
		}
	} else {
		if err := m.adopt(ctx, es, server, local); err != nil {
			return nil, err
		}
	}
	return es.GetByID(ctx, id)
}

// mergeFor re-runs the heuristics for a merge request without explicit data.
func (m *Manager) mergeFor(local, server models.Entity) (models.Entity, error) {
	if models.IsNil(server) {
		return nil, errors.New(errors.ErrConflictInvalid, "merge needs a server copy")
	}
	// The stored server copy is authoritative here, so the version gate
	// must not short-circuit to the client copy.
	candidate := local.CloneEntity()
	candidate.Meta().SyncVersion = 0
	res, err := m.resolver.Resolve(candidate, server)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConflictInvalid, "merge", err)
	}
	if res.RequiresUserInput || models.IsNil(res.Resolved) {
		return nil, errors.New(errors.ErrConflictInvalid, "conflicting fields need resolved data")
	}
	return res.Resolved, nil
}

// resolveWithData stores chosen as pending with a version above both sides
// and queues what the server needs to converge.
func (m *Manager) resolveWithData(ctx context.Context, es *store.EntityStore, c *models.SyncConflict, local, server, chosen models.Entity) (models.Entity, error) {
	lm := local.Meta()
	e := chosen.CloneEntity()
	meta := e.Meta()
	meta.ID = c.EntityID
	meta.UserID = lm.UserID
	if meta.UserID == "" {
		meta.UserID = m.userID
	}
	meta.ClientGeneratedID = lm.ClientGeneratedID
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = lm.CreatedAt
	}
	meta.SyncVersion = maxVersion(local, server) + 1
	meta.SyncStatus = models.SyncStatusPending
	meta.UpdatedAt = m.now().UTC()
	if err := models.Validate(e); err != nil {
		return nil, err
	}

	base, err := es.GetBase(ctx, c.EntityID)
	if err != nil {
		return nil, err
	}
	if models.IsNil(base) && !models.IsNil(server) {
		base = server
	}
	if _, err := m.store.Queue().DiscardForEntity(ctx, es.Type(), c.EntityID); err != nil {
		return nil, err
	}

	// The server never confirmed a deleted entity: nothing to send.
	if meta.IsDeleted && models.IsNil(base) {
		meta.SyncStatus = models.SyncStatusDeleted
		if err := es.Upsert(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	}

	if err := es.Upsert(ctx, e); err != nil {
		return nil, err
	}
	if !models.IsNil(server) {
		if err := es.SaveBase(ctx, server); err != nil {
			return nil, err
		}
	}

	op := models.OperationUpdate
	switch {
	case meta.IsDeleted:
		op = models.OperationDelete
	case models.IsNil(base):
		op = models.OperationCreate
	}
	if _, err := m.queue.Enqueue(ctx, m.userID, op, e); err != nil {
		return nil, err
	}
	return e, nil
}

// onQueueEvent turns a queue item that ran out of retries into a persisted
// version conflict. The last server-confirmed copy, when known, is kept as
// the server side.
func (m *Manager) onQueueEvent(e events.Event) {
	if e.Type != events.ConflictDetected || e.QueueItemID == "" || e.ConflictID != "" {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.requestTimeout)
	defer cancel()
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	if err := m.recordExhausted(ctx, e); err != nil {
		m.logger.Error("Failed to record exhausted queue item", err, map[string]interface{}{
			"item_id":   e.QueueItemID,
			"entity_id": e.EntityID,
		})
	}
	m.refreshGauges(ctx)
}

func (m *Manager) recordExhausted(ctx context.Context, e events.Event) error {
	es, err := m.entities(e.EntityType)
	if err != nil {
		return err
	}
	open, err := m.store.Conflicts().UnresolvedForEntity(ctx, e.EntityType, e.EntityID)
	if err != nil {
		return err
	}
	if open != nil {
		return nil
	}

	client, err := es.GetByID(ctx, e.EntityID)
	if store.IsNotFound(err) {
		item, ierr := m.store.Queue().Get(ctx, e.QueueItemID)
		if ierr != nil {
			return ierr
		}
		client = item.Data.Entity()
	} else if err != nil {
		return err
	}
	if models.IsNil(client) {
		return errors.New(errors.ErrConflictInvalid, "exhausted item carries no data")
	}
	base, err := es.GetBase(ctx, e.EntityID)
	if err != nil {
		return err
	}

	reason := string(errors.ErrSyncRetryExhausted)
	if e.Error != "" {
		reason += ": " + e.Error
	}
	_, err = m.recordConflict(ctx, es, client, base, models.ConflictVersion, nil, reason)
	return err
}
