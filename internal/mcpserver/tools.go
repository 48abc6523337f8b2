// Package mcpserver registers MCP tools that inspect and steer the
// offline queue, the local cache and the sync coordinator.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/alexjbarnes/workspace-sync/internal/queue"
	"github.com/alexjbarnes/workspace-sync/internal/state"
	"github.com/alexjbarnes/workspace-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Syncer is the part of the coordinator the tools drive.
type Syncer interface {
	SyncNow(ctx context.Context) (syncer.CycleResult, error)
	Online() bool
	LastResult() *syncer.CycleResult
}

// Deps are the components the tools operate on. Sync may be nil.
type Deps struct {
	Queue *queue.Queue
	State *state.State
	Sync  Syncer
}

// RegisterTools adds all control tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_status",
		Description: "Counts of pending, in-progress and failed operations plus conflicts, connectivity and the last sync cycle.",
	}, statusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_list",
		Description: "List queued operations in drain order. Optionally filter by status or entity type.",
	}, listHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_enqueue",
		Description: "Queue a write (create, update, rename, move, archive, pin, delete) for an entity. Creates may omit entity_id.",
	}, enqueueHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_retry",
		Description: "Return a failed operation to pending and clear its conflict. Only failed operations can be retried.",
	}, retryHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_discard",
		Description: "Remove an operation from the queue without sending it.",
	}, discardHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cache_get",
		Description: "Read the cached copy of one entity by type and id.",
	}, cacheGetHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a full sync cycle now: push queued writes, pull every collection, prune the cache.",
	}, syncNowHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// ListInput holds parameters for queue_list.
type ListInput struct {
	Status     string `json:"status,omitempty" jsonschema:"pending, inProgress or failed; empty lists all"`
	EntityType string `json:"entity_type,omitempty" jsonschema:"note, task, website, file, scratchpad or message"`
}

// EnqueueInput holds parameters for queue_enqueue.
type EnqueueInput struct {
	Operation  string         `json:"operation" jsonschema:"required,create, update, rename, move, archive, pin or delete"`
	EntityType string         `json:"entity_type" jsonschema:"required,note, task, website or file"`
	EntityID   string         `json:"entity_id,omitempty" jsonschema:"target entity id, generated for creates when empty"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"operation payload"`
}

// IDInput identifies one queued operation.
type IDInput struct {
	ID string `json:"id" jsonschema:"required,operation id"`
}

// CacheGetInput holds parameters for cache_get.
type CacheGetInput struct {
	EntityType string `json:"entity_type" jsonschema:"required,entity type"`
	EntityID   string `json:"entity_id" jsonschema:"required,entity id"`
}

// SyncNowInput has no parameters.
type SyncNowInput struct{}

// --- Output types ---

// StatusResult is the queue_status output.
type StatusResult struct {
	Summary   queue.Summary       `json:"summary"`
	Online    bool                `json:"online"`
	LastCycle *syncer.CycleResult `json:"last_cycle,omitempty"`
}

// Operation is a queued operation with its JSON fields decoded.
type Operation struct {
	ID            string     `json:"id"`
	Operation     string     `json:"operation"`
	EntityType    string     `json:"entity_type"`
	EntityID      string     `json:"entity_id,omitempty"`
	Payload       any        `json:"payload,omitempty"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	Conflict      *Conflict  `json:"conflict,omitempty"`
}

// Conflict explains why an operation stopped retrying.
type Conflict struct {
	Reason      string    `json:"reason"`
	Diff        string    `json:"diff,omitempty"`
	ServerState any       `json:"server_state,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// ListResult is the queue_list output.
type ListResult struct {
	Total      int         `json:"total"`
	Operations []Operation `json:"operations"`
}

// DiscardResult is the queue_discard output.
type DiscardResult struct {
	ID        string `json:"id"`
	Discarded bool   `json:"discarded"`
}

// CacheResult is the cache_get output.
type CacheResult struct {
	Key        string     `json:"key"`
	Found      bool       `json:"found"`
	Entity     any        `json:"entity,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// --- Handlers ---

func statusHandler(d Deps) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		summary, err := d.Queue.Summary()
		if err != nil {
			return nil, nil, err
		}

		result := &StatusResult{Summary: summary, Online: true}
		if d.Sync != nil {
			result.Online = d.Sync.Online()
			result.LastCycle = d.Sync.LastResult()
		}

		return textResult(result), result, nil
	}
}

func listHandler(d Deps) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		ops, err := d.Queue.List()
		if err != nil {
			return nil, nil, err
		}

		result := &ListResult{Operations: []Operation{}}
		for i := range ops {
			op := &ops[i]
			if input.Status != "" && string(op.Status) != input.Status {
				continue
			}
			if input.EntityType != "" && string(op.EntityType) != input.EntityType {
				continue
			}
			result.Operations = append(result.Operations, operationView(op))
		}
		result.Total = len(result.Operations)

		return textResult(result), result, nil
	}
}

func enqueueHandler(d Deps) mcp.ToolHandlerFor[EnqueueInput, *Operation] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input EnqueueInput) (*mcp.CallToolResult, *Operation, error) {
		entityType, err := models.ParseEntityType(input.EntityType)
		if err != nil {
			return nil, nil, err
		}

		var payload json.RawMessage
		if input.Payload != nil {
			payload, err = json.Marshal(input.Payload)
			if err != nil {
				return nil, nil, fmt.Errorf("encoding payload: %w", err)
			}
		}

		op, err := d.Queue.Enqueue(models.OperationKind(input.Operation), entityType, input.EntityID, payload)
		if err != nil {
			return nil, nil, err
		}

		result := operationView(op)

		return textResult(result), &result, nil
	}
}

func retryHandler(d Deps) mcp.ToolHandlerFor[IDInput, *Operation] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *Operation, error) {
		op, err := d.Queue.Retry(input.ID)
		if err != nil {
			return nil, nil, err
		}

		result := operationView(op)

		return textResult(result), &result, nil
	}
}

func discardHandler(d Deps) mcp.ToolHandlerFor[IDInput, *DiscardResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *DiscardResult, error) {
		if err := d.Queue.Discard(input.ID); err != nil {
			return nil, nil, err
		}

		result := &DiscardResult{ID: input.ID, Discarded: true}

		return textResult(result), result, nil
	}
}

func cacheGetHandler(d Deps) mcp.ToolHandlerFor[CacheGetInput, *CacheResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input CacheGetInput) (*mcp.CallToolResult, *CacheResult, error) {
		entityType, err := models.ParseEntityType(input.EntityType)
		if err != nil {
			return nil, nil, err
		}

		if input.EntityID == "" {
			return nil, nil, errors.New("entity_id is required")
		}

		key := models.CacheKey(entityType, input.EntityID)

		entry, err := d.State.Get(key)
		if err != nil {
			return nil, nil, err
		}

		result := &CacheResult{Key: key}
		if entry != nil {
			result.Found = true
			result.Entity = decodeJSON(entry.Payload)
			result.UpdatedAt = &entry.UpdatedAt
			result.LastSyncAt = entry.LastSyncAt
		}

		return textResult(result), result, nil
	}
}

func syncNowHandler(d Deps) mcp.ToolHandlerFor[SyncNowInput, *syncer.CycleResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncNowInput) (*mcp.CallToolResult, *syncer.CycleResult, error) {
		if d.Sync == nil {
			return nil, nil, errors.New("sync coordinator is not running")
		}

		result, err := d.Sync.SyncNow(ctx)
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), &result, nil
	}
}

func operationView(op *models.PendingOperation) Operation {
	return Operation{
		ID:            op.ID,
		Operation:     string(op.Operation),
		EntityType:    string(op.EntityType),
		EntityID:      op.EntityID,
		Payload:       decodeJSON(op.Payload),
		Status:        string(op.Status),
		Attempts:      op.Attempts,
		LastError:     op.LastError,
		CreatedAt:     op.CreatedAt,
		LastAttemptAt: op.LastAttemptAt,
		Conflict:      conflictView(op.Conflict),
	}
}

func conflictView(c *models.Conflict) *Conflict {
	if c == nil {
		return nil
	}

	return &Conflict{
		Reason:      c.Reason,
		Diff:        c.Diff,
		ServerState: decodeJSON(c.ServerState),
		DetectedAt:  c.DetectedAt,
	}
}

func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}

	return v
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
