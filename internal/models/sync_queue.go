package models

import "time"

// SyncQueueItem is one durable, not-yet-acknowledged mutation.
type SyncQueueItem struct {
	ID                string        `json:"id"`
	Seq               int64         `json:"seq"` // store-wide, only grows
	UserID            string        `json:"userId"`
	EntityType        EntityType    `json:"entityType"`
	EntityID          string        `json:"entityId"`
	Operation         Operation     `json:"operation"`
	Data              EntityPayload `json:"data"`
	ClientGeneratedID string        `json:"clientGeneratedId,omitempty"`
	RetryCount        int           `json:"retryCount"`
	LastRetryAt       *time.Time    `json:"lastRetryAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	ProcessedAt       *time.Time    `json:"processedAt,omitempty"`
}

// TableName returns the storage collection for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// IsProcessed reports whether the server acknowledged the item.
func (i *SyncQueueItem) IsProcessed() bool {
	return i.ProcessedAt != nil
}

// Exhausted reports whether every allowed retry has been used.
func (i *SyncQueueItem) Exhausted(maxRetries int) bool {
	return i.RetryCount >= maxRetries
}
