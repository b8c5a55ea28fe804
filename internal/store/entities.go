package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/models"
)

const (
	idxUser        = "userId"
	idxUserLive    = "user_live"
	idxUserPending = "user_pending"
	idxSyncStatus  = "syncStatus"
	idxClientID    = "clientGeneratedId"
	idxDeleted     = "isDeleted"
)

// EntityStore persists one entity type. Tasks and projects use
// identical operations.
type EntityStore struct {
	s   *Store
	typ models.EntityType
}

// Type returns the entity type this store holds.
func (es *EntityStore) Type() models.EntityType { return es.typ }

func (es *EntityStore) collection() string { return es.typ.Collection() }

func (es *EntityStore) baseCollection() string { return es.typ.Collection() + "_base" }

func entityIndexes(e models.Entity) Indexes {
	m := e.Meta()
	pending := m.SyncStatus == models.SyncStatusPending || m.IsDeleted
	return Indexes{
		idxUser:        m.UserID,
		idxUserLive:    flag(!m.IsDeleted, m.UserID),
		idxUserPending: flag(pending, m.UserID),
		idxSyncStatus:  string(m.SyncStatus),
		idxClientID:    m.ClientGeneratedID,
		idxDeleted:     flag(m.IsDeleted, strconv.FormatBool(true)),
	}
}

func (es *EntityStore) check(e models.Entity) error {
	if models.IsNil(e) {
		return apperrors.New(apperrors.ErrInvalid, "entity is nil")
	}
	if e.EntityType() != es.typ {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s store cannot hold %s", es.typ, e.EntityType()))
	}
	if e.Meta().ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	return nil
}

func (es *EntityStore) decodeAll(recs []Record) ([]models.Entity, error) {
	out := make([]models.Entity, 0, len(recs))
	for _, r := range recs {
		e, err := models.DecodeEntity(es.typ, r.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetAll returns the user's non-deleted entities, oldest first.
func (es *EntityStore) GetAll(ctx context.Context, userID string) ([]models.Entity, error) {
	recs, err := es.s.backend.QueryByIndex(ctx, es.collection(), idxUserLive, userID)
	if err != nil {
		return nil, err
	}
	out, err := es.decodeAll(recs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Meta().CreatedAt.Before(out[j].Meta().CreatedAt)
	})
	return out, nil
}

// GetByID returns an entity by id, deleted or not.
func (es *EntityStore) GetByID(ctx context.Context, id string) (models.Entity, error) {
	data, err := es.s.backend.Get(ctx, es.collection(), id)
	if err != nil {
		return nil, err
	}
	return models.DecodeEntity(es.typ, data)
}

// GetByClientID returns the entity minted with clientGeneratedId.
func (es *EntityStore) GetByClientID(ctx context.Context, clientID string) (models.Entity, error) {
	if clientID == "" {
		return nil, notFound(es.collection(), "clientGeneratedId=")
	}
	recs, err := es.s.backend.QueryByIndex(ctx, es.collection(), idxClientID, clientID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, notFound(es.collection(), "clientGeneratedId="+clientID)
	}
	return models.DecodeEntity(es.typ, recs[0].Value)
}

// Upsert inserts or replaces e keyed by id.
func (es *EntityStore) Upsert(ctx context.Context, e models.Entity) error {
	if err := es.check(e); err != nil {
		return err
	}
	return putJSON(ctx, es.s.backend, es.collection(), e.Meta().ID, e, entityIndexes(e))
}

// SoftDelete flags the entity deleted and pending. The row is kept so the
// delete can be queued and reconciled.
func (es *EntityStore) SoftDelete(ctx context.Context, id string) (models.Entity, error) {
	e, err := es.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m := e.Meta()
	m.Touch(es.s.now().UTC())
	m.IsDeleted = true
	if err := es.Upsert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetPendingSync returns the user's entities that are pending or deleted.
func (es *EntityStore) GetPendingSync(ctx context.Context, userID string) ([]models.Entity, error) {
	recs, err := es.s.backend.QueryByIndex(ctx, es.collection(), idxUserPending, userID)
	if err != nil {
		return nil, err
	}
	return es.decodeAll(recs)
}

// UpdateSyncStatus sets the status, optionally stamps the version and
// refreshes lastSyncedAt.
func (es *EntityStore) UpdateSyncStatus(ctx context.Context, id string, status models.SyncStatus, version *int64) (models.Entity, error) {
	e, err := es.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m := e.Meta()
	m.SyncStatus = status
	if version != nil {
		m.SyncVersion = *version
	}
	now := es.s.now().UTC()
	m.LastSyncedAt = &now
	if err := es.Upsert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Delete removes the entity and its base snapshot.
func (es *EntityStore) Delete(ctx context.Context, id string) error {
	if err := es.s.backend.Delete(ctx, es.collection(), id); err != nil {
		return err
	}
	return es.s.backend.Delete(ctx, es.baseCollection(), id)
}

// ClearAll hard-deletes every entity the user owns and returns the count.
func (es *EntityStore) ClearAll(ctx context.Context, userID string) (int, error) {
	recs, err := es.s.backend.QueryByIndex(ctx, es.collection(), idxUser, userID)
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		if err := es.Delete(ctx, r.Key); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// Rekey moves the entity stored under oldID to newID, carrying its base.
func (es *EntityStore) Rekey(ctx context.Context, oldID, newID string) (models.Entity, error) {
	e, err := es.GetByID(ctx, oldID)
	if err != nil {
		return nil, err
	}
	if oldID == newID {
		return e, nil
	}
	base, err := es.GetBase(ctx, oldID)
	if err != nil {
		return nil, err
	}
	e.Meta().ID = newID
	if err := es.Upsert(ctx, e); err != nil {
		return nil, err
	}
	if base != nil {
		base.Meta().ID = newID
		if err := es.SaveBase(ctx, base); err != nil {
			return nil, err
		}
	}
	if err := es.Delete(ctx, oldID); err != nil {
		return nil, err
	}
	return e, nil
}

// SaveBase records e as the last server-confirmed copy of its entity.
func (es *EntityStore) SaveBase(ctx context.Context, e models.Entity) error {
	if err := es.check(e); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return es.s.backend.Put(ctx, es.baseCollection(), e.Meta().ID, data, nil)
}

// GetBase returns the last server-confirmed copy, or nil when none was saved.
func (es *EntityStore) GetBase(ctx context.Context, id string) (models.Entity, error) {
	data, err := es.s.backend.Get(ctx, es.baseCollection(), id)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return models.DecodeEntity(es.typ, data)
}
