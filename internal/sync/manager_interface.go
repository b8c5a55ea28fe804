// Package sync coordinates offline-first synchronization: local writes,
// the outbound queue, pulls from the server and conflict handling.
package sync

import (
	"context"
	"time"

	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/sync/events"
)

// OfflineManagerInterface defines the operations the admin API and CLI use.
// This interface allows for mocking in tests and alternative implementations.
type OfflineManagerInterface interface {
	// Init checks storage and starts the periodic scheduler.
	Init(ctx context.Context) error

	// Dispose stops timers and background work.
	Dispose()

	// SetOnline feeds the connectivity signal.
	SetOnline(online bool)

	// SyncAll runs one full cycle: push the queue, pull, reconcile.
	SyncAll(ctx context.Context) error

	// GetState returns the status and counters.
	GetState(ctx context.Context) (State, error)

	// CreateOffline stores a new entity and queues its creation.
	CreateOffline(ctx context.Context, e models.Entity) (models.Entity, error)

	// UpdateOffline applies a patch and queues the update.
	UpdateOffline(ctx context.Context, t models.EntityType, id string, patch models.Patch) (models.Entity, error)

	// DeleteOffline soft-deletes an entity and queues the delete.
	DeleteOffline(ctx context.Context, t models.EntityType, id string) error

	// List returns the user's live entities of one type.
	List(ctx context.Context, t models.EntityType) ([]models.Entity, error)

	// Conflicts returns the unresolved conflicts.
	Conflicts(ctx context.Context) ([]*models.SyncConflict, error)

	// ResolveConflict settles a conflict with the chosen strategy.
	ResolveConflict(ctx context.Context, conflictID string, strategy models.ResolutionStrategy, resolved models.Entity) (*models.SyncConflict, error)

	// Subscribe registers an event handler and returns its unsubscribe func.
	Subscribe(h events.Handler, types ...events.Type) func()

	// SetSyncInterval changes the periodic sync period.
	SetSyncInterval(d time.Duration)
}
