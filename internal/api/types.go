package api

import (
	"encoding/json"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/models"
)

// Row is one entity returned by the API: the decoded entity and the
// body exactly as the server sent it, so callers can cache fields the
// typed entity does not model.
type Row[T models.Entity] struct {
	Entity T
	Raw    json.RawMessage
}

// UnmarshalJSON keeps a copy of data and decodes it into Entity.
func (r *Row[T]) UnmarshalJSON(data []byte) error {
	r.Raw = append(json.RawMessage(nil), data...)
	return json.Unmarshal(data, &r.Entity)
}

// SyncOperation is one queued operation submitted to a batch sync
// endpoint.
type SyncOperation struct {
	OperationID     string          `json:"operationId"`
	Op              string          `json:"op"`
	EntityID        string          `json:"entityId,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	ClientUpdatedAt time.Time       `json:"clientUpdatedAt"`
}

// SyncRequest asks a collection for everything changed since LastSync
// and, optionally, applies Operations first. A nil LastSync requests a
// full sync.
type SyncRequest struct {
	LastSync   *time.Time      `json:"lastSync"`
	Operations []SyncOperation `json:"operations"`
}

// SyncConflict is an operation the server refused because its copy has
// moved on.
type SyncConflict struct {
	OperationID     string          `json:"operationId"`
	Op              string          `json:"op"`
	ID              string          `json:"id"`
	ClientUpdatedAt *time.Time      `json:"clientUpdatedAt,omitempty"`
	ServerUpdatedAt *time.Time      `json:"serverUpdatedAt,omitempty"`
	ServerEntity    json.RawMessage `json:"serverEntity,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// SyncUpdates holds the authoritative rows changed since the cursor.
type SyncUpdates struct {
	Items []json.RawMessage `json:"items"`
}

// SyncResponse is a collection's answer to a SyncRequest.
type SyncResponse struct {
	Applied            []string       `json:"applied"`
	Conflicts          []SyncConflict `json:"conflicts"`
	Updates            SyncUpdates    `json:"updates"`
	ServerUpdatedSince *time.Time     `json:"serverUpdatedSince"`
}
