// Package executor replays queued operations against the domain API.
// Each entity type has its own executor, a table of handlers keyed by
// operation kind, and a Router picks the executor for an operation.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/api"
	"github.com/alexjbarnes/workspace-sync/internal/conflict"
	apperrors "github.com/alexjbarnes/workspace-sync/internal/errors"
	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/alexjbarnes/workspace-sync/internal/state"
)

// Executor replays one queued operation. A nil error means the server
// accepted it and the cache reflects the result.
type Executor interface {
	Execute(ctx context.Context, op models.PendingOperation) error
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, op models.PendingOperation) error

// Execute calls f.
func (f Func) Execute(ctx context.Context, op models.PendingOperation) error {
	return f(ctx, op)
}

// EntityAPI is the REST surface of one entity collection. api.Resource
// satisfies it.
type EntityAPI[T models.Entity] interface {
	Get(ctx context.Context, id string) (*api.Row[T], error)
	Create(ctx context.Context, body any) (*api.Row[T], error)
	Update(ctx context.Context, id string, body any) (*api.Row[T], error)
	Action(ctx context.Context, id, action string, body any) (*api.Row[T], error)
	Delete(ctx context.Context, id string) error
}

// Deps are the collaborators shared by every entity executor.
type Deps struct {
	State    *state.State
	Detector *conflict.Detector
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type handlerFunc func(ctx context.Context, op models.PendingOperation) error

// EntityExecutor executes the operations of one entity type.
type EntityExecutor struct {
	entityType models.EntityType
	handlers   map[models.OperationKind]handlerFunc
	logger     *slog.Logger
}

// EntityType returns the type this executor handles.
func (e *EntityExecutor) EntityType() models.EntityType {
	return e.entityType
}

// Execute runs the handler for op's kind. Kinds the entity does not
// support are skipped.
func (e *EntityExecutor) Execute(ctx context.Context, op models.PendingOperation) error {
	h, ok := e.handlers[op.Operation]
	if !ok {
		e.logger.Debug("no handler for operation, skipping",
			slog.String("op_id", op.ID),
			slog.String("operation", string(op.Operation)),
		)

		return nil
	}

	if err := h(ctx, op); err != nil {
		return err
	}

	e.logger.Debug("executed operation",
		slog.String("op_id", op.ID),
		slog.String("operation", string(op.Operation)),
		slog.String("entity_id", op.EntityID),
	)

	return nil
}

// base holds the steps every handler shares: the conflict pre-check,
// caching the server's answer and invalidating listings.
type base[T models.Entity] struct {
	entityType models.EntityType
	api        EntityAPI[T]
	state      *state.State
	detector   *conflict.Detector
	now        func() time.Time
}

func newBase[T models.Entity](t models.EntityType, rest EntityAPI[T], deps Deps) base[T] {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	detector := deps.Detector
	if detector == nil {
		detector = conflict.NewDetector()
	}

	return base[T]{
		entityType: t,
		api:        rest,
		state:      deps.State,
		detector:   detector,
		now:        now,
	}
}

func newEntityExecutor(t models.EntityType, logger *slog.Logger, handlers map[models.OperationKind]handlerFunc) *EntityExecutor {
	if logger == nil {
		logger = slog.Default()
	}

	return &EntityExecutor{
		entityType: t,
		handlers:   handlers,
		logger:     logger.With(slog.String("component", "executor"), slog.String("entity_type", string(t))),
	}
}

// check fetches the server copy and compares it with the snapshot taken
// at enqueue time. Operations without a snapshot skip the fetch. gone is
// true when a delete finds the entity already removed.
func (b *base[T]) check(ctx context.Context, op models.PendingOperation) (gone bool, err error) {
	if len(op.ServerSnapshot) == 0 {
		return false, nil
	}

	current, err := b.api.Get(ctx, op.EntityID)
	if errors.Is(err, apperrors.ErrNotFound) {
		if op.Operation == models.OpDelete {
			return true, nil
		}

		return false, &conflict.Error{Conflict: b.detector.Gone(op)}
	}

	if err != nil {
		return false, fmt.Errorf("fetching %s %s: %w", b.entityType, op.EntityID, err)
	}

	raw, err := rowJSON(current)
	if err != nil {
		return false, fmt.Errorf("encoding %s %s: %w", b.entityType, op.EntityID, err)
	}

	if c := b.detector.Check(op, raw); c != nil {
		return false, &conflict.Error{Conflict: c}
	}

	return false, nil
}

// store writes the server's answer to the cache as freshly synced. The
// body is cached as the server sent it.
func (b *base[T]) store(op models.PendingOperation, row *api.Row[T]) error {
	if row == nil {
		return nil
	}

	id := row.Entity.EntityID()
	if id == "" {
		id = op.EntityID
	}

	raw, err := rowJSON(row)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", b.entityType, id, err)
	}

	now := b.now().UTC()
	if err := b.state.Set(models.CacheKey(b.entityType, id), b.entityType, raw, &now); err != nil {
		return fmt.Errorf("caching %s %s: %w", b.entityType, id, err)
	}

	return nil
}

// rowJSON returns the raw body of row, or the encoded entity when the
// server sent none.
func rowJSON[T models.Entity](row *api.Row[T]) ([]byte, error) {
	if len(row.Raw) > 0 {
		return row.Raw, nil
	}

	return json.Marshal(row.Entity)
}

// remove drops the entity from the cache after a delete.
func (b *base[T]) remove(op models.PendingOperation) error {
	if err := b.state.Remove(op.CacheKey()); err != nil {
		return fmt.Errorf("uncaching %s %s: %w", b.entityType, op.EntityID, err)
	}

	return nil
}

// invalidateListing drops the cached listing so the next read refetches it.
func (b *base[T]) invalidateListing() error {
	if err := b.state.Remove(models.ListingKey(b.entityType)); err != nil {
		return fmt.Errorf("invalidating %s listing: %w", b.entityType, err)
	}

	return nil
}

// mutate runs the shared handler sequence: conflict check, API call,
// cache write.
func (b *base[T]) mutate(ctx context.Context, op models.PendingOperation, call func() (*api.Row[T], error)) error {
	if _, err := b.check(ctx, op); err != nil {
		return err
	}

	row, err := call()
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", op.Operation, b.entityType, op.EntityID, err)
	}

	return b.store(op, row)
}

// deleteEntity treats an entity that is already gone as deleted.
func (b *base[T]) deleteEntity(ctx context.Context, op models.PendingOperation) error {
	gone, err := b.check(ctx, op)
	if err != nil {
		return err
	}

	if !gone {
		err := b.api.Delete(ctx, op.EntityID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("deleting %s %s: %w", b.entityType, op.EntityID, err)
		}
	}

	return b.remove(op)
}

// decode unmarshals the operation payload into a typed request.
func decode[R any](op models.PendingOperation) (R, error) {
	var req R

	if len(op.Payload) == 0 {
		return req, fmt.Errorf("%w: %s %s has no payload", apperrors.ErrInvalidPayload, op.Operation, op.EntityType)
	}

	if err := json.Unmarshal(op.Payload, &req); err != nil {
		return req, fmt.Errorf("%w: decoding %s %s: %v", apperrors.ErrInvalidPayload, op.Operation, op.EntityType, err)
	}

	return req, nil
}

func invalidPayload(op models.PendingOperation, reason string) error {
	return fmt.Errorf("%w: %s %s: %s", apperrors.ErrInvalidPayload, op.Operation, op.EntityType, reason)
}

// archiveRequest toggles the archived flag.
type archiveRequest struct {
	Archived bool `json:"archived"`
}

// pinRequest toggles the pinned flag.
type pinRequest struct {
	Pinned bool `json:"pinned"`
}

// flagAction builds the handler for the archive and pin actions, whose
// payloads carry a single boolean.
func flagAction[T models.Entity, R any](b *base[T], action string) handlerFunc {
	return func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[R](op)
		if err != nil {
			return err
		}

		return b.mutate(ctx, op, func() (*api.Row[T], error) {
			return b.api.Action(ctx, op.EntityID, action, req)
		})
	}
}
