package sync

import (
	"context"

	"github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/store"
	"github.com/afenda/offlinesync/internal/uuid"
)

// CreateTask is CreateOffline for a task.
func (m *Manager) CreateTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	e, err := m.CreateOffline(ctx, t)
	if err != nil {
		return nil, err
	}
	return e.(*models.Task), nil
}

// CreateProject is CreateOffline for a project.
func (m *Manager) CreateProject(ctx context.Context, p *models.Project) (*models.Project, error) {
	e, err := m.CreateOffline(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.(*models.Project), nil
}

// CreateOffline stores a new entity as pending under a fresh client id and
// queues its creation. When online the create is also pushed right away;
// a failed push leaves it queued. The returned entity carries the server
// id when the push succeeded.
func (m *Manager) CreateOffline(ctx context.Context, e models.Entity) (models.Entity, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if err := m.requireUser(); err != nil {
		return nil, err
	}
	if models.IsNil(e) {
		return nil, errors.New(errors.ErrInvalid, "entity is required")
	}

	now := m.now().UTC()
	e = e.CloneEntity()
	meta := e.Meta()
	id := uuid.NewClientID()
	meta.ID = id
	meta.ClientGeneratedID = id
	meta.UserID = m.userID
	meta.SyncStatus = models.SyncStatusPending
	meta.SyncVersion = 1
	meta.LastSyncedAt = nil
	meta.IsDeleted = false
	meta.CreatedAt = now
	meta.UpdatedAt = now
	if t, ok := e.(*models.Task); ok {
		t.ApplyDefaults()
		t.SetStatus(t.Status, now)
	}
	if err := models.Validate(e); err != nil {
		return nil, err
	}

	es := m.store.Entities(e.EntityType())
	if err := es.Upsert(ctx, e); err != nil {
		return nil, err
	}
	if err := m.push(ctx, models.OperationCreate, e); err != nil {
		return nil, err
	}

	// A successful push re-keys the row to the server id.
	current, err := es.GetByClientID(ctx, id)
	if err != nil {
		return e, nil
	}
	return current, nil
}

// UpdateOffline applies patch to the entity, bumps its version and queues
// the update.
func (m *Manager) UpdateOffline(ctx context.Context, t models.EntityType, id string, patch models.Patch) (models.Entity, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if err := m.requireUser(); err != nil {
		return nil, err
	}
	if patch == nil || patch.EntityType() != t {
		return nil, errors.New(errors.ErrInvalid, "patch does not match entity type "+string(t))
	}
	es, err := m.entities(t)
	if err != nil {
		return nil, err
	}

	e, err := m.getLive(ctx, es, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := patch.Apply(e, now); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "apply patch", err)
	}
	e.Meta().Touch(now)
	if err := models.Validate(e); err != nil {
		return nil, err
	}
	if err := es.Upsert(ctx, e); err != nil {
		return nil, err
	}
	if err := m.push(ctx, models.OperationUpdate, e); err != nil {
		return nil, err
	}

	current, err := es.GetByID(ctx, id)
	if err != nil {
		return e, nil
	}
	return current, nil
}

// DeleteOffline soft-deletes the entity and queues the delete.
func (m *Manager) DeleteOffline(ctx context.Context, t models.EntityType, id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.requireUser(); err != nil {
		return err
	}
	es, err := m.entities(t)
	if err != nil {
		return err
	}
	if _, err := m.getLive(ctx, es, id); err != nil {
		return err
	}
	e, err := es.SoftDelete(ctx, id)
	if err != nil {
		return err
	}
	return m.push(ctx, models.OperationDelete, e)
}

// List returns the user's live entities of type t, oldest first.
func (m *Manager) List(ctx context.Context, t models.EntityType) ([]models.Entity, error) {
	if err := m.requireUser(); err != nil {
		return nil, err
	}
	es, err := m.entities(t)
	if err != nil {
		return nil, err
	}
	return es.GetAll(ctx, m.userID)
}

// Get returns one entity of the user, deleted or not.
func (m *Manager) Get(ctx context.Context, t models.EntityType, id string) (models.Entity, error) {
	if err := m.requireUser(); err != nil {
		return nil, err
	}
	es, err := m.entities(t)
	if err != nil {
		return nil, err
	}
	e, err := es.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Meta().UserID != m.userID {
		return nil, errors.New(errors.ErrNotFound, string(t)+" "+id+" not found")
	}
	return e, nil
}

func (m *Manager) getLive(ctx context.Context, es *store.EntityStore, id string) (models.Entity, error) {
	e, err := es.GetByID(ctx, id)
	if store.IsNotFound(err) {
		return nil, errors.New(errors.ErrNotFound, string(es.Type())+" "+id+" not found")
	}
	if err != nil {
		return nil, err
	}
	if e.Meta().IsDeleted || e.Meta().UserID != m.userID {
		return nil, errors.New(errors.ErrNotFound, string(es.Type())+" "+id+" not found")
	}
	return e, nil
}

// push queues the mutation and, when online, tries to deliver it now.
// Delivery errors are swallowed; the item stays queued for the next pass.
func (m *Manager) push(ctx context.Context, op models.Operation, e models.Entity) error {
	item, err := m.queue.Enqueue(ctx, m.userID, op, e)
	if err != nil {
		return err
	}
	if !m.IsOnline() {
		return nil
	}

	pushCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()
	if err := m.queue.ProcessItem(pushCtx, item.ID); err != nil {
		m.logger.Debug("Direct push failed, left queued", map[string]interface{}{
			"item_id":     item.ID,
			"entity_type": item.EntityType,
			"entity_id":   item.EntityID,
			"operation":   op,
			"error":       err.Error(),
		})
	}
	return nil
}
