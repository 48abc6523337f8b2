// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind is the mutation a queued operation performs.
type OperationKind string

const (
	OpCreate  OperationKind = "create"
	OpUpdate  OperationKind = "update"
	OpRename  OperationKind = "rename"
	OpMove    OperationKind = "move"
	OpArchive OperationKind = "archive"
	OpPin     OperationKind = "pin"
	OpDelete  OperationKind = "delete"
)

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpRename, OpMove, OpArchive, OpPin, OpDelete:
		return true
	}

	return false
}

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "inProgress"
	StatusFailed     OperationStatus = "failed"
)

// PendingOperation is one durable entry in the write queue. Payload and
// ServerSnapshot are opaque JSON; only the executor for EntityType
// decodes them.
type PendingOperation struct {
	ID             string          `json:"id"`
	Operation      OperationKind   `json:"operation"`
	EntityType     EntityType      `json:"entityType"`
	EntityID       string          `json:"entityId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	Seq            uint64          `json:"seq"`
	Attempts       int             `json:"attempts"`
	Status         OperationStatus `json:"status"`
	LastError      string          `json:"lastError,omitempty"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
	ServerSnapshot json.RawMessage `json:"serverSnapshot,omitempty"`
	Conflict       *Conflict       `json:"conflict,omitempty"`
}

// CacheKey returns the cache key of the entity the operation targets.
func (op *PendingOperation) CacheKey() string {
	return CacheKey(op.EntityType, op.EntityID)
}

// Before reports whether op sorts ahead of other in drain order:
// oldest createdAt first, store sequence as the tie breaker.
func (op *PendingOperation) Before(other *PendingOperation) bool {
	if !op.CreatedAt.Equal(other.CreatedAt) {
		return op.CreatedAt.Before(other.CreatedAt)
	}

	return op.Seq < other.Seq
}

// NeedsAttention reports whether the operation is waiting on the user.
func (op *PendingOperation) NeedsAttention() bool {
	return op.Status == StatusFailed
}

// Conflict describes a divergence between the snapshot an operation was
// queued against and the server's current state.
type Conflict struct {
	OperationID   string          `json:"operationId"`
	EntityID      string          `json:"entityId"`
	EntityType    EntityType      `json:"entityType"`
	LocalSnapshot json.RawMessage `json:"localSnapshot,omitempty"`
	ServerState   json.RawMessage `json:"serverState,omitempty"`
	Reason        string          `json:"reason"`
	Diff          string          `json:"diff,omitempty"`
	DetectedAt    time.Time       `json:"detectedAt"`
}

// CacheEntry is the last known state of one entity.
type CacheEntry struct {
	Key        string          `json:"key"`
	EntityType EntityType      `json:"entityType"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	LastSyncAt *time.Time      `json:"lastSyncAt,omitempty"`
}

// CacheKey builds the composite cache key "entityType:entityID".
func CacheKey(t EntityType, id string) string {
	return string(t) + ":" + id
}

// ListingKey is the cache key of the cached listing for an entity type,
// such as the note tree.
func ListingKey(t EntityType) string {
	return "listing:" + string(t)
}
