package store

import (
	"context"
	"sort"

	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/uuid"
)

const (
	conflictCollection = "sync_conflicts"

	idxUserUnresolved   = "user_unresolved"
	idxUserResolved     = "user_resolved"
	idxEntityUnresolved = "entity_unresolved"
)

// ConflictStore persists SyncConflicts awaiting or past resolution.
type ConflictStore struct {
	s *Store
}

func conflictIndexes(c *models.SyncConflict) Indexes {
	return Indexes{
		idxUser:             c.UserID,
		idxUserUnresolved:   flag(!c.Resolved, c.UserID),
		idxUserResolved:     flag(c.Resolved, c.UserID),
		idxEntityUnresolved: flag(!c.Resolved, entityRef(c.EntityType, c.EntityID)),
	}
}

func (cs *ConflictStore) put(ctx context.Context, c *models.SyncConflict) error {
	return putJSON(ctx, cs.s.backend, conflictCollection, c.ID, c, conflictIndexes(c))
}

// Add persists a new conflict, filling its id and creation time when unset.
func (cs *ConflictStore) Add(ctx context.Context, c *models.SyncConflict) error {
	if c == nil || !c.EntityType.Valid() || c.EntityID == "" {
		return apperrors.New(apperrors.ErrConflictInvalid, "conflict requires entity type and id")
	}
	if c.ID == "" {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = cs.s.now().UTC()
	}
	return cs.put(ctx, c)
}

// Get returns a conflict by id.
func (cs *ConflictStore) Get(ctx context.Context, id string) (*models.SyncConflict, error) {
	c, err := getJSON[models.SyncConflict](ctx, cs.s.backend, conflictCollection, id)
	if IsNotFound(err) {
		return nil, apperrors.Wrap(apperrors.ErrConflictNotFound, "conflict "+id+" not found", err)
	}
	return c, err
}

// GetUnresolved returns the user's open conflicts, oldest first.
func (cs *ConflictStore) GetUnresolved(ctx context.Context, userID string) ([]*models.SyncConflict, error) {
	out, err := queryJSON[models.SyncConflict](ctx, cs.s.backend, conflictCollection, idxUserUnresolved, userID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UnresolvedForEntity returns the open conflict for an entity, or nil.
func (cs *ConflictStore) UnresolvedForEntity(ctx context.Context, t models.EntityType, entityID string) (*models.SyncConflict, error) {
	out, err := queryJSON[models.SyncConflict](ctx, cs.s.backend, conflictCollection, idxEntityUnresolved, entityRef(t, entityID))
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// MarkResolved closes a conflict. Resolving twice is an error.
func (cs *ConflictStore) MarkResolved(ctx context.Context, id string, strategy models.ResolutionStrategy, resolved models.EntityPayload) (*models.SyncConflict, error) {
	c, err := cs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, apperrors.New(apperrors.ErrConflictAlreadyResolved, "conflict "+id+" already resolved")
	}
	now := cs.s.now().UTC()
	c.Resolved = true
	c.ResolutionStrategy = strategy
	c.ResolvedData = resolved
	c.ResolvedAt = &now
	if err := cs.put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ClearResolved purges the user's resolved conflicts and returns the count.
func (cs *ConflictStore) ClearResolved(ctx context.Context, userID string) (int, error) {
	recs, err := cs.s.backend.QueryByIndex(ctx, conflictCollection, idxUserResolved, userID)
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		if err := cs.s.backend.Delete(ctx, conflictCollection, r.Key); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}
