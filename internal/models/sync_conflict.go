package models

import "time"

// ConflictType classifies a persisted conflict.
type ConflictType string

const (
	ConflictVersion ConflictType = "version_conflict"
	ConflictDelete  ConflictType = "delete_conflict"
	ConflictField   ConflictType = "field_conflict"
)

// ResolutionStrategy names how a conflict was or should be settled.
type ResolutionStrategy string

const (
	StrategyServerWins ResolutionStrategy = "server_wins"
	StrategyClientWins ResolutionStrategy = "client_wins"
	StrategyMerge      ResolutionStrategy = "merge"
	StrategyManual     ResolutionStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// SyncConflict is a user-resolvable divergence between local and server state.
type SyncConflict struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"userId"`
	EntityType         EntityType         `json:"entityType"`
	EntityID           string             `json:"entityId"`
	ClientData         EntityPayload      `json:"clientData"`
	ServerData         EntityPayload      `json:"serverData"`
	ConflictType       ConflictType       `json:"conflictType"`
	Fields             []string           `json:"fields,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	Resolved           bool               `json:"resolved"`
	ResolutionStrategy ResolutionStrategy `json:"resolutionStrategy,omitempty"`
	ResolvedData       EntityPayload      `json:"resolvedData"`
	CreatedAt          time.Time          `json:"createdAt"`
	ResolvedAt         *time.Time         `json:"resolvedAt,omitempty"`
}

// TableName returns the storage collection for SyncConflict.
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}
