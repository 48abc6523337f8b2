// Package queue is the durable write queue. Mutations made while offline
// are recorded as pending operations and drained, oldest first, through
// an Executor once the server is reachable. Only one drain runs at a
// time; transient failures back off exponentially and give up after
// MaxAttempts, while conflicts and permanent errors fail at once and
// wait for the user to retry or discard them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/conflict"
	apperrors "github.com/alexjbarnes/workspace-sync/internal/errors"
	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/alexjbarnes/workspace-sync/internal/state"
	"github.com/google/uuid"
)

const (
	// DefaultMaxAttempts is how many times a transiently failing
	// operation is tried before it is marked failed.
	DefaultMaxAttempts = 5

	// maxBackoff caps the delay between attempts.
	maxBackoff = 16 * time.Second
)

//go:generate mockgen -source=queue.go -destination=mock_executor_test.go -package=queue Executor

// Executor replays one operation against the server.
type Executor interface {
	Execute(ctx context.Context, op models.PendingOperation) error
}

// EventKind names a queue state change.
type EventKind string

const (
	EventEnqueued  EventKind = "enqueued"
	EventCompleted EventKind = "completed"
	EventRetrying  EventKind = "retrying"
	EventFailed    EventKind = "failed"
	EventDiscarded EventKind = "discarded"
)

// Event is delivered to the OnChange callback after the change is
// persisted.
type Event struct {
	Kind      EventKind
	Operation models.PendingOperation
	// Coalesced is set on enqueued events that folded into an existing row.
	Coalesced bool
}

// Options configures a Queue. Zero values select the defaults.
type Options struct {
	MaxAttempts int
	// CoalesceTypes are the entity types whose updates fold into an
	// existing pending update for the same entity. Nil means notes only.
	CoalesceTypes []models.EntityType
	// BatchTypes go through a batch endpoint in DrainInOrder and
	// DrainBatch and are skipped by Drain.
	BatchTypes []models.EntityType
	Detector   *conflict.Detector
	Logger     *slog.Logger
	OnChange   func(Event)
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Queue is the pending operation log.
type Queue struct {
	state    *state.State
	executor Executor
	detector *conflict.Detector
	logger   *slog.Logger

	maxAttempts int
	coalesce    map[models.EntityType]bool
	batch       map[models.EntityType]bool
	onChange    func(Event)
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time

	processing atomic.Bool
}

// DrainResult counts what one drain did.
type DrainResult struct {
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
	Retried  int `json:"retried"`
	// Skipped is set when another drain was already running.
	Skipped bool `json:"skipped,omitempty"`
}

// Summary counts queued operations by state.
type Summary struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Failed     int `json:"failed"`
	Conflicts  int `json:"conflicts"`
}

// New returns a queue over s. Operations left inProgress by an earlier
// process are returned to pending.
func New(s *state.State, exec Executor, opts Options) (*Queue, error) {
	q := &Queue{
		state:       s,
		executor:    exec,
		detector:    opts.Detector,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		coalesce:    make(map[models.EntityType]bool),
		batch:       make(map[models.EntityType]bool),
		onChange:    opts.OnChange,
		sleep:       opts.Sleep,
		now:         opts.Now,
	}

	if q.detector == nil {
		q.detector = conflict.NewDetector()
	}

	if q.logger == nil {
		q.logger = slog.Default()
	}

	q.logger = q.logger.With(slog.String("component", "queue"))

	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}

	coalesce := opts.CoalesceTypes
	if coalesce == nil {
		coalesce = []models.EntityType{models.EntityNote}
	}

	for _, t := range coalesce {
		q.coalesce[t] = true
	}

	for _, t := range opts.BatchTypes {
		q.batch[t] = true
	}

	if q.sleep == nil {
		q.sleep = sleepContext
	}

	if q.now == nil {
		q.now = time.Now
	}

	reset, err := s.ResetInProgress()
	if err != nil {
		return nil, fmt.Errorf("resetting interrupted operations: %w", err)
	}

	if reset > 0 {
		q.logger.Info("requeued interrupted operations", slog.Int("count", reset))
	}

	return q, nil
}

// SetOnChange replaces the change callback. It must be called before the
// queue is shared between goroutines.
func (q *Queue) SetOnChange(fn func(Event)) {
	q.onChange = fn
}

// MaxAttempts returns the configured attempt limit.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// IsBatchType reports whether t is sent through a batch endpoint rather
// than the executor.
func (q *Queue) IsBatchType(t models.EntityType) bool {
	return q.batch[t]
}

// BackoffDelay returns the wait after the given number of attempts:
// 1s, 2s, 4s, 8s, then 16s from the fifth attempt on.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	if attempts > 5 {
		return maxBackoff
	}

	return min(time.Duration(1<<(attempts-1))*time.Second, maxBackoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (q *Queue) emit(kind EventKind, op models.PendingOperation, coalesced bool) {
	if q.onChange != nil {
		q.onChange(Event{Kind: kind, Operation: op, Coalesced: coalesced})
	}
}

// Enqueue records a mutation. Creates without an entity id get a fresh
// one. Non-create operations on a cached entity carry a snapshot of the
// cached copy, which is checked before the operation is replayed. An
// update on a coalescing type replaces the payload of an existing
// pending or failed update for the same entity instead of adding a row.
// A row holding an unresolved conflict is never coalesced into; only
// Retry or Discard take it out of the conflicted state.
func (q *Queue) Enqueue(kind models.OperationKind, entityType models.EntityType, entityID string, payload json.RawMessage) (*models.PendingOperation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", apperrors.ErrInvalidOperation, kind)
	}

	if _, ok := models.Spec(entityType); !ok {
		return nil, fmt.Errorf("%w: unknown entity type %q", apperrors.ErrInvalidOperation, entityType)
	}

	if entityID == "" {
		if kind != models.OpCreate {
			return nil, fmt.Errorf("%w: %s %s requires an entity id", apperrors.ErrInvalidOperation, kind, entityType)
		}

		entityID = uuid.NewString()
	}

	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", apperrors.ErrInvalidPayload)
	}

	op := models.PendingOperation{
		ID:         uuid.NewString(),
		Operation:  kind,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		CreatedAt:  q.now().UTC(),
		Status:     models.StatusPending,
	}

	if kind != models.OpCreate {
		snap, err := q.snapshot(op.CacheKey(), entityType)
		if err != nil {
			return nil, err
		}

		op.ServerSnapshot = snap
	}

	var match func(*models.PendingOperation) bool
	if kind == models.OpUpdate && q.coalesce[entityType] {
		match = func(existing *models.PendingOperation) bool {
			return existing.Operation == models.OpUpdate &&
				existing.EntityType == entityType &&
				existing.EntityID == entityID &&
				existing.Conflict == nil &&
				(existing.Status == models.StatusPending || existing.Status == models.StatusFailed)
		}
	}

	coalesced, err := q.state.AddOperation(&op, match)
	if err != nil {
		return nil, fmt.Errorf("queueing %s %s: %w", kind, entityType, err)
	}

	q.logger.Debug("operation queued",
		slog.String("op_id", op.ID),
		slog.String("operation", string(kind)),
		slog.String("entity_type", string(entityType)),
		slog.String("entity_id", entityID),
		slog.Bool("coalesced", coalesced),
	)

	q.emit(EventEnqueued, op, coalesced)

	return &op, nil
}

// snapshot projects the cached copy of key, or returns nil when the
// entity is not cached.
func (q *Queue) snapshot(key string, entityType models.EntityType) (json.RawMessage, error) {
	entry, err := q.state.Get(key)
	if err != nil {
		return nil, fmt.Errorf("reading cached %s: %w", key, err)
	}

	if entry == nil {
		return nil, nil
	}

	snap, err := q.detector.Snapshot(entityType, entry.Payload)
	if err != nil {
		q.logger.Warn("cached entity has no usable snapshot",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return nil, nil
	}

	return snap, nil
}

// Drain executes pending operations one at a time, oldest first, until
// none are left. Failures are recorded on the operation, not returned.
// The returned error is ctx.Err() when the drain was interrupted, or a
// storage error. A drain that finds another drain running returns at
// once with Skipped set.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	if !q.processing.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer q.processing.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		next, err := q.state.NextPending(func(op *models.PendingOperation) bool {
			return !q.batch[op.EntityType]
		})
		if err != nil {
			return res, fmt.Errorf("reading next operation: %w", err)
		}

		if next == nil {
			return res, nil
		}

		op, err := q.begin(next.ID)
		if err != nil {
			return res, err
		}

		execErr := q.executor.Execute(ctx, *op)

		if err := q.settle(ctx, op, execErr, &res, true); err != nil {
			return res, err
		}
	}
}

// begin marks an operation inProgress and counts the attempt.
func (q *Queue) begin(id string) (*models.PendingOperation, error) {
	started := q.now().UTC()

	op, err := q.state.UpdateOperation(id, func(op *models.PendingOperation) error {
		op.Status = models.StatusInProgress
		op.Attempts++
		op.LastAttemptAt = &started

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("starting operation %s: %w", id, err)
	}

	return op, nil
}

// settle records the outcome of one attempt. When wait is set, a
// retryable failure sleeps for the backoff delay before returning.
func (q *Queue) settle(ctx context.Context, op *models.PendingOperation, execErr error, res *DrainResult, wait bool) error {
	log := q.logger.With(
		slog.String("op_id", op.ID),
		slog.String("operation", string(op.Operation)),
		slog.String("entity_type", string(op.EntityType)),
		slog.String("entity_id", op.EntityID),
		slog.Int("attempt", op.Attempts),
	)

	if execErr == nil {
		if err := q.state.DeleteOperation(op.ID); err != nil && !errors.Is(err, apperrors.ErrOperationNotFound) {
			return fmt.Errorf("removing completed operation %s: %w", op.ID, err)
		}

		if err := q.rebase(op); err != nil {
			log.Warn("rebasing later operations", slog.String("error", err.Error()))
		}

		res.Executed++

		log.Debug("operation completed")
		q.emit(EventCompleted, *op, false)

		return nil
	}

	// An interrupted attempt is still counted; the row waits for the
	// next drain.
	if ctx.Err() != nil {
		_, err := q.update(op.ID, func(o *models.PendingOperation) {
			o.Status = models.StatusPending
		})
		if err != nil {
			return err
		}

		return ctx.Err()
	}

	if c, ok := conflict.AsConflict(execErr); ok {
		var fresh json.RawMessage

		if len(c.ServerState) > 0 {
			if snap, err := q.detector.Snapshot(op.EntityType, c.ServerState); err == nil {
				fresh = snap
			}
		}

		updated, err := q.update(op.ID, func(o *models.PendingOperation) {
			o.Status = models.StatusFailed
			o.LastError = execErr.Error()
			o.Conflict = c

			if fresh != nil {
				o.ServerSnapshot = fresh
			}
		})
		if err != nil {
			return err
		}

		res.Failed++

		log.Warn("operation conflicts with server state", slog.String("reason", c.Reason))
		q.emitUpdated(EventFailed, updated)

		return nil
	}

	if apperrors.IsPermanent(execErr) || op.Attempts >= q.maxAttempts {
		updated, err := q.update(op.ID, func(o *models.PendingOperation) {
			o.Status = models.StatusFailed
			o.LastError = execErr.Error()
		})
		if err != nil {
			return err
		}

		res.Failed++

		log.Warn("operation failed", slog.String("error", execErr.Error()))
		q.emitUpdated(EventFailed, updated)

		return nil
	}

	updated, err := q.update(op.ID, func(o *models.PendingOperation) {
		o.Status = models.StatusPending
		o.LastError = execErr.Error()
	})
	if err != nil {
		return err
	}

	res.Retried++

	delay := BackoffDelay(op.Attempts)

	log.Info("operation will be retried",
		slog.String("error", execErr.Error()),
		slog.Duration("backoff", delay),
	)
	q.emitUpdated(EventRetrying, updated)

	if !wait {
		return nil
	}

	return q.sleep(ctx, delay)
}

// update applies fn to a stored operation. An operation discarded while
// it was executing is not an error.
func (q *Queue) update(id string, fn func(*models.PendingOperation)) (*models.PendingOperation, error) {
	op, err := q.state.UpdateOperation(id, func(o *models.PendingOperation) error {
		fn(o)
		return nil
	})
	if errors.Is(err, apperrors.ErrOperationNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("updating operation %s: %w", id, err)
	}

	return op, nil
}

func (q *Queue) emitUpdated(kind EventKind, op *models.PendingOperation) {
	if op != nil {
		q.emit(kind, *op, false)
	}
}

// rebase refreshes the snapshot of later operations on the entity op
// just changed, so they are compared against the state this client
// produced rather than the state before it.
func (q *Queue) rebase(op *models.PendingOperation) error {
	if op.Operation == models.OpDelete {
		return nil
	}

	snap, err := q.snapshot(op.CacheKey(), op.EntityType)
	if err != nil || snap == nil {
		return err
	}

	_, err = q.state.UpdateOperations(
		func(o *models.PendingOperation) bool {
			return o.ID != op.ID &&
				o.EntityType == op.EntityType &&
				o.EntityID == op.EntityID &&
				o.Operation != models.OpCreate &&
				o.Status == models.StatusPending
		},
		func(o *models.PendingOperation) { o.ServerSnapshot = snap },
	)

	return err
}

// RemoteConflict is a conflict reported by a batch sync endpoint.
type RemoteConflict struct {
	ServerState json.RawMessage
	Reason      string
}

// BatchOutcome is the server's answer to a batch submission.
type BatchOutcome struct {
	// Applied lists the ids of operations the server accepted.
	Applied []string
	// Conflicts maps operation ids to the conflict the server reported.
	Conflicts map[string]RemoteConflict
}

// BatchFunc submits operations of one entity type in a single request.
type BatchFunc func(ctx context.Context, ops []models.PendingOperation) (BatchOutcome, error)

// DrainBatch submits every pending operation of entityType through
// submit in one call. Accepted operations are removed and reported
// conflicts fail. Operations the server did not acknowledge, or all of
// them when submit fails, follow the retry policy without sleeping; the
// next sync cycle tries them again.
func (q *Queue) DrainBatch(ctx context.Context, entityType models.EntityType, submit BatchFunc) (DrainResult, error) {
	var res DrainResult

	if !q.processing.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer q.processing.Store(false)

	err := q.submitBatch(ctx, entityType, nil, submit, &res)

	return res, err
}

// DrainInOrder executes every pending operation in queue order. A run of
// consecutive pending operations of a type listed in batches is sent
// through that type's BatchFunc in one call; everything else goes
// through the executor one at a time, as in Drain. The drain stops
// after a batch leaves an operation pending, so nothing queued after it
// is sent before the next call.
func (q *Queue) DrainInOrder(ctx context.Context, batches map[models.EntityType]BatchFunc) (DrainResult, error) {
	var res DrainResult

	if !q.processing.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer q.processing.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		run, err := q.nextRun(batches)
		if err != nil {
			return res, err
		}

		if len(run) == 0 {
			return res, nil
		}

		if submit, ok := batches[run[0].EntityType]; ok {
			ids := make(map[string]bool, len(run))
			for _, op := range run {
				ids[op.ID] = true
			}

			retried := res.Retried

			err := q.submitBatch(ctx, run[0].EntityType, func(o *models.PendingOperation) bool {
				return ids[o.ID]
			}, submit, &res)
			if err != nil {
				return res, err
			}

			if res.Retried > retried {
				return res, nil
			}

			continue
		}

		op, err := q.begin(run[0].ID)
		if err != nil {
			return res, err
		}

		execErr := q.executor.Execute(ctx, *op)

		if err := q.settle(ctx, op, execErr, &res, true); err != nil {
			return res, err
		}
	}
}

// nextRun returns the oldest pending operation, together with the
// pending operations of the same type queued directly after it when
// that type is batched.
func (q *Queue) nextRun(batches map[models.EntityType]BatchFunc) ([]models.PendingOperation, error) {
	all, err := q.state.Operations()
	if err != nil {
		return nil, fmt.Errorf("reading next operations: %w", err)
	}

	var run []models.PendingOperation

	for _, op := range all {
		if op.Status != models.StatusPending {
			continue
		}

		if len(run) == 0 {
			run = append(run, op)

			if _, ok := batches[op.EntityType]; !ok {
				return run, nil
			}

			continue
		}

		if op.EntityType != run[0].EntityType {
			break
		}

		run = append(run, op)
	}

	return run, nil
}

// submitBatch marks the pending operations of entityType selected by
// include (all of them when include is nil) in progress, submits them
// and settles each one by the outcome.
func (q *Queue) submitBatch(ctx context.Context, entityType models.EntityType, include func(*models.PendingOperation) bool, submit BatchFunc, res *DrainResult) error {
	started := q.now().UTC()

	_, err := q.state.UpdateOperations(
		func(o *models.PendingOperation) bool {
			return o.EntityType == entityType &&
				o.Status == models.StatusPending &&
				(include == nil || include(o))
		},
		func(o *models.PendingOperation) {
			o.Status = models.StatusInProgress
			o.Attempts++
			o.LastAttemptAt = &started
		},
	)
	if err != nil {
		return fmt.Errorf("starting %s batch: %w", entityType, err)
	}

	all, err := q.state.Operations()
	if err != nil {
		return fmt.Errorf("reading %s batch: %w", entityType, err)
	}

	ops := slices.DeleteFunc(all, func(o models.PendingOperation) bool {
		return o.EntityType != entityType || o.Status != models.StatusInProgress
	})

	if len(ops) == 0 {
		return nil
	}

	outcome, submitErr := submit(ctx, ops)
	if submitErr != nil {
		q.logger.Warn("batch submit failed",
			slog.String("entity_type", string(entityType)),
			slog.Int("operations", len(ops)),
			slog.String("error", submitErr.Error()),
		)
	}

	applied := make(map[string]bool, len(outcome.Applied))
	for _, id := range outcome.Applied {
		applied[id] = true
	}

	var firstErr error

	for i := range ops {
		op := &ops[i]

		var execErr error

		switch rc, isConflict := outcome.Conflicts[op.ID]; {
		case submitErr != nil:
			execErr = submitErr
		case applied[op.ID]:
		case isConflict:
			execErr = &conflict.Error{Conflict: q.detector.Remote(*op, rc.ServerState, rc.Reason)}
		default:
			execErr = &apperrors.TransientError{Err: errors.New("operation not acknowledged by server")}
		}

		if err := q.settle(ctx, op, execErr, res, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Retry returns a failed operation to pending and clears its conflict.
// Its attempt count is kept, so an operation that exhausted its attempts
// gets one more.
func (q *Queue) Retry(id string) (*models.PendingOperation, error) {
	op, err := q.state.UpdateOperation(id, func(o *models.PendingOperation) error {
		if o.Status != models.StatusFailed {
			return fmt.Errorf("%w: %s is %s", apperrors.ErrNotFailed, id, o.Status)
		}

		o.Status = models.StatusPending
		o.Conflict = nil

		return nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("operation requeued by user", slog.String("op_id", id))
	q.emit(EventRetrying, *op, false)

	return op, nil
}

// Discard removes an operation without executing it.
func (q *Queue) Discard(id string) error {
	op, err := q.Get(id)
	if err != nil {
		return err
	}

	if err := q.state.DeleteOperation(id); err != nil {
		return err
	}

	q.logger.Info("operation discarded", slog.String("op_id", id))
	q.emit(EventDiscarded, *op, false)

	return nil
}

// Get returns one operation.
func (q *Queue) Get(id string) (*models.PendingOperation, error) {
	op, err := q.state.Operation(id)
	if err != nil {
		return nil, fmt.Errorf("reading operation %s: %w", id, err)
	}

	if op == nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOperationNotFound, id)
	}

	return op, nil
}

// List returns every queued operation in drain order.
func (q *Queue) List() ([]models.PendingOperation, error) {
	return q.state.Operations()
}

// Summary counts operations by state.
func (q *Queue) Summary() (Summary, error) {
	ops, err := q.state.Operations()
	if err != nil {
		return Summary{}, err
	}

	var s Summary

	for _, op := range ops {
		switch op.Status {
		case models.StatusPending:
			s.Pending++
		case models.StatusInProgress:
			s.InProgress++
		case models.StatusFailed:
			s.Failed++

			if op.Conflict != nil {
				s.Conflicts++
			}
		}
	}

	return s, nil
}

// PendingCount returns how many operations are waiting to be sent,
// including any being sent now.
func (q *Queue) PendingCount() (int, error) {
	s, err := q.Summary()
	if err != nil {
		return 0, err
	}

	return s.Pending + s.InProgress, nil
}
