// Package models provides the record types exchanged by the sync engine.
package models

import (
	"fmt"
	"time"
)

// EntityType names a syncable record kind.
type EntityType string

const (
	EntityTask    EntityType = "task"
	EntityProject EntityType = "project"
)

// EntityTypes lists every syncable kind in a stable order.
var EntityTypes = []EntityType{EntityTask, EntityProject}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityTask || t == EntityProject
}

// Collection returns the storage collection and URL segment for t.
func (t EntityType) Collection() string {
	return string(t) + "s"
}

// SyncStatus is the per-record reconciliation state.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusDeleted  SyncStatus = "deleted"
)

// Operation is a queued mutation kind.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// SyncMeta is the sync bookkeeping shared by every entity.
type SyncMeta struct {
	ID                string     `json:"id" validate:"required"`
	ClientGeneratedID string     `json:"clientGeneratedId"`
	UserID            string     `json:"userId" validate:"required"`
	SyncStatus        SyncStatus `json:"syncStatus" validate:"omitempty,oneof=synced pending conflict deleted"`
	SyncVersion       int64      `json:"syncVersion" validate:"gte=0"`
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty"`
	IsDeleted         bool       `json:"isDeleted,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Meta returns the embedded metadata for in-place edits.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// Touch records a local mutation: bumps the version and marks the record pending.
func (m *SyncMeta) Touch(now time.Time) {
	m.UpdatedAt = now
	m.SyncVersion++
	m.SyncStatus = SyncStatusPending
}

// MarkSynced stamps a confirmed reconciliation.
func (m *SyncMeta) MarkSynced(now time.Time) {
	m.SyncStatus = SyncStatusSynced
	t := now
	m.LastSyncedAt = &t
}

func (m SyncMeta) clone() SyncMeta {
	c := m
	if m.LastSyncedAt != nil {
		t := *m.LastSyncedAt
		c.LastSyncedAt = &t
	}
	return c
}

// Entity is the closed set of syncable records: *Task and *Project.
type Entity interface {
	EntityType() EntityType
	Meta() *SyncMeta
	CloneEntity() Entity
	sealed()
}

// NewEntity returns an empty entity of type t.
func NewEntity(t EntityType) (Entity, error) {
	switch t {
	case EntityTask:
		return &Task{}, nil
	case EntityProject:
		return &Project{}, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", t)
}

// IsNil reports whether e is nil or a typed nil pointer.
func IsNil(e Entity) bool {
	switch v := e.(type) {
	case nil:
		return true
	case *Task:
		return v == nil
	case *Project:
		return v == nil
	}
	return false
}
