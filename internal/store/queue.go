package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/models"
	"github.com/afenda/offlinesync/internal/uuid"
)

const (
	queueCollection = "sync_queue"

	idxUserProcessed = "user_processed"
	idxEntityPending = "entity_pending"
)

// QueueStore persists SyncQueueItems. Only the sync queue reads it.
//
// mu serializes sequence allocation and the read-modify-write updates of
// single items.
type QueueStore struct {
	s  *Store
	mu sync.Mutex
}

func entityRef(t models.EntityType, id string) string {
	return string(t) + ":" + id
}

func queueIndexes(item *models.SyncQueueItem) Indexes {
	done := item.IsProcessed()
	return Indexes{
		idxUser:          item.UserID,
		idxUserPending:   flag(!done, item.UserID),
		idxUserProcessed: flag(done, item.UserID),
		idxEntityPending: flag(!done, entityRef(item.EntityType, item.EntityID)),
	}
}

func (qs *QueueStore) put(ctx context.Context, item *models.SyncQueueItem) error {
	return putJSON(ctx, qs.s.backend, queueCollection, item.ID, item, queueIndexes(item))
}

// sortFIFO orders items by sequence number. Items written before sequences
// existed carry zero and fall back to creation time.
func sortFIFO(items []*models.SyncQueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// nextSeq allocates the next sequence number. Callers hold mu.
func (qs *QueueStore) nextSeq(ctx context.Context) (int64, error) {
	v, ok, err := qs.s.meta.Get(ctx, KeyQueueSeq)
	if err != nil {
		return 0, err
	}
	var last int64
	if ok {
		if last, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "bad queue sequence", err)
		}
	}
	last++
	if err := qs.s.meta.Set(ctx, KeyQueueSeq, strconv.FormatInt(last, 10)); err != nil {
		return 0, err
	}
	return last, nil
}

// Add persists a new item, filling its id, sequence number and creation
// time when unset.
func (qs *QueueStore) Add(ctx context.Context, item *models.SyncQueueItem) error {
	if item == nil || !item.Operation.Valid() || !item.EntityType.Valid() || item.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalid, "queue item requires entity type, entity id and operation")
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if item.Seq == 0 {
		seq, err := qs.nextSeq(ctx)
		if err != nil {
			return err
		}
		item.Seq = seq
	}
	if item.ID == "" {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = qs.s.now().UTC()
	}
	return qs.put(ctx, item)
}

// Get returns an item by id.
func (qs *QueueStore) Get(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	return getJSON[models.SyncQueueItem](ctx, qs.s.backend, queueCollection, id)
}

// GetPending returns the user's unprocessed items in creation order.
func (qs *QueueStore) GetPending(ctx context.Context, userID string) ([]*models.SyncQueueItem, error) {
	items, err := queryJSON[models.SyncQueueItem](ctx, qs.s.backend, queueCollection, idxUserPending, userID)
	if err != nil {
		return nil, err
	}
	sortFIFO(items)
	return items, nil
}

// PendingForEntity returns unprocessed items that target one entity.
func (qs *QueueStore) PendingForEntity(ctx context.Context, t models.EntityType, entityID string) ([]*models.SyncQueueItem, error) {
	items, err := queryJSON[models.SyncQueueItem](ctx, qs.s.backend, queueCollection, idxEntityPending, entityRef(t, entityID))
	if err != nil {
		return nil, err
	}
	sortFIFO(items)
	return items, nil
}

// MarkProcessed stamps processedAt. It reports false when the item was
// already processed, in which case nothing is written.
func (qs *QueueStore) MarkProcessed(ctx context.Context, id string) (bool, error) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	item, err := qs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if item.IsProcessed() {
		return false, nil
	}
	now := qs.s.now().UTC()
	item.ProcessedAt = &now
	return true, qs.put(ctx, item)
}

// IncrementRetry bumps retryCount and lastRetryAt of an unprocessed item.
func (qs *QueueStore) IncrementRetry(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	item, err := qs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.IsProcessed() {
		return item, nil
	}
	now := qs.s.now().UTC()
	item.RetryCount++
	item.LastRetryAt = &now
	if err := qs.put(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// ClearProcessed deletes the user's processed items and returns the count.
func (qs *QueueStore) ClearProcessed(ctx context.Context, userID string) (int, error) {
	recs, err := qs.s.backend.QueryByIndex(ctx, queueCollection, idxUserProcessed, userID)
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		if err := qs.s.backend.Delete(ctx, queueCollection, r.Key); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// Retarget points pending items for oldID at newID after the server
// assigned a different id.
func (qs *QueueStore) Retarget(ctx context.Context, t models.EntityType, oldID, newID string) error {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	items, err := qs.PendingForEntity(ctx, t, oldID)
	if err != nil {
		return err
	}
	for _, item := range items {
		item.EntityID = newID
		if e := item.Data.Entity(); e != nil {
			e.Meta().ID = newID
		}
		if err := qs.put(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops an item without delivering it.
func (qs *QueueStore) Discard(ctx context.Context, id string) error {
	return qs.s.backend.Delete(ctx, queueCollection, id)
}

// DiscardForEntity drops every pending item for one entity.
func (qs *QueueStore) DiscardForEntity(ctx context.Context, t models.EntityType, entityID string) (int, error) {
	items, err := qs.PendingForEntity(ctx, t, entityID)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := qs.Discard(ctx, item.ID); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}
