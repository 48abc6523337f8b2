// Package syncer coordinates pushes of the write queue and pulls of
// server changes. A cycle pushes queued operations (batch collections
// through their sync endpoint, everything else one by one), pulls every
// collection concurrently from its cursor and prunes the cache to its
// retention limits.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/api"
	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/alexjbarnes/workspace-sync/internal/queue"
	"github.com/alexjbarnes/workspace-sync/internal/state"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultInterval is the period between background cycles.
	DefaultInterval = 60 * time.Second

	// pullConcurrency bounds how many collections are pulled at once.
	pullConcurrency = 4
)

// SyncAPI is a collection's batch sync endpoint. api.Resource satisfies it.
type SyncAPI interface {
	Sync(ctx context.Context, req api.SyncRequest) (*api.SyncResponse, error)
}

// Collection pairs a registry entry with its sync endpoint.
type Collection struct {
	Spec models.EntitySpec
	API  SyncAPI
}

// Collections returns a Collection for every registered entity type.
func Collections(client *api.Client) []Collection {
	specs := models.Specs()
	out := make([]Collection, 0, len(specs))

	for _, spec := range specs {
		out = append(out, Collection{Spec: spec, API: resourceFor(client, spec)})
	}

	return out
}

func resourceFor(client *api.Client, spec models.EntitySpec) SyncAPI {
	switch spec.Type {
	case models.EntityNote:
		return api.NewResource[models.Note](client, spec.Collection)
	case models.EntityTask:
		return api.NewResource[models.Task](client, spec.Collection)
	case models.EntityWebsite:
		return api.NewResource[models.Website](client, spec.Collection)
	case models.EntityFile:
		return api.NewResource[models.File](client, spec.Collection)
	case models.EntityScratchpad:
		return api.NewResource[models.Scratchpad](client, spec.Collection)
	default:
		return api.NewResource[models.Message](client, spec.Collection)
	}
}

// Options configures a Coordinator.
type Options struct {
	// Interval defaults to DefaultInterval.
	Interval time.Duration
	// Retention overrides the registry's keep-latest limit per type. A
	// limit of zero disables pruning for the type.
	Retention map[models.EntityType]int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Coordinator runs sync cycles.
type Coordinator struct {
	state       *state.State
	queue       *queue.Queue
	locks       *Locks
	collections []Collection
	retention   map[models.EntityType]int
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time

	trigger chan string

	mu         sync.Mutex
	online     bool
	gate       context.Context
	closeGate  context.CancelFunc
	lastResult *CycleResult
}

// MergeStats counts how server rows were applied to the cache.
type MergeStats struct {
	Applied int `json:"applied"`
	Removed int `json:"removed"`
	Stale   int `json:"stale"`
	Invalid int `json:"invalid"`
}

// CycleResult describes one completed cycle.
type CycleResult struct {
	Skipped  bool                  `json:"skipped,omitempty"`
	Pushed   queue.DrainResult     `json:"pushed"`
	Pulled   map[string]MergeStats `json:"pulled,omitempty"`
	Pruned   int                   `json:"pruned"`
	Finished time.Time             `json:"finished"`
}

// New returns a coordinator that starts online.
func New(s *state.State, q *queue.Queue, locks *Locks, collections []Collection, opts Options) *Coordinator {
	c := &Coordinator{
		state:       s,
		queue:       q,
		locks:       locks,
		collections: collections,
		retention:   make(map[models.EntityType]int),
		interval:    opts.Interval,
		logger:      opts.Logger,
		now:         opts.Now,
		trigger:     make(chan string, 1),
		online:      true,
	}

	if c.locks == nil {
		c.locks = NewLocks()
	}

	if c.interval <= 0 {
		c.interval = DefaultInterval
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.logger = c.logger.With(slog.String("component", "syncer"))

	if c.now == nil {
		c.now = time.Now
	}

	for _, col := range collections {
		c.retention[col.Spec.Type] = col.Spec.KeepLatest
	}

	for t, n := range opts.Retention {
		c.retention[t] = n
	}

	c.gate, c.closeGate = context.WithCancel(context.Background())

	return c
}

// Online reports the connectivity state last set with SetOnline.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.online
}

// SetOnline records a connectivity change. Going offline cancels any
// running cycle; the interrupted operation stays pending. Coming back
// online triggers a cycle.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()

	if c.online == online {
		c.mu.Unlock()
		return
	}

	c.online = online

	if online {
		c.gate, c.closeGate = context.WithCancel(context.Background())
	} else {
		c.closeGate()
	}

	c.mu.Unlock()

	c.logger.Info("connectivity changed", slog.Bool("online", online))

	if online {
		c.Trigger("online")
	}
}

// Trigger asks Run for a cycle. Triggers that arrive while one is
// already waiting are merged.
func (c *Coordinator) Trigger(reason string) {
	select {
	case c.trigger <- reason:
	default:
	}
}

// LastResult returns the most recent completed cycle, or nil.
func (c *Coordinator) LastResult() *CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastResult
}

// Run performs a cycle at start, on every interval tick and on every
// trigger until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.runCycle(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.runCycle(ctx, "interval")
		case reason := <-c.trigger:
			c.runCycle(ctx, reason)
		}
	}
}

func (c *Coordinator) runCycle(ctx context.Context, reason string) {
	res, err := c.Cycle(ctx)

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		c.logger.Debug("sync cycle interrupted", slog.String("reason", reason))
	case err != nil:
		c.logger.Warn("sync cycle failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	case res.Skipped:
		c.logger.Debug("sync cycle skipped while offline", slog.String("reason", reason))
	default:
		c.logger.Debug("sync cycle complete",
			slog.String("reason", reason),
			slog.Int("executed", res.Pushed.Executed),
			slog.Int("failed", res.Pushed.Failed),
			slog.Int("pruned", res.Pruned),
		)
	}
}

// SyncNow runs a cycle immediately and returns its result.
func (c *Coordinator) SyncNow(ctx context.Context) (CycleResult, error) {
	return c.Cycle(ctx)
}

// Cycle pushes, pulls every collection and prunes the cache. It is
// skipped while offline.
func (c *Coordinator) Cycle(ctx context.Context) (CycleResult, error) {
	c.mu.Lock()
	online, gate := c.online, c.gate
	c.mu.Unlock()

	if !online {
		return CycleResult{Skipped: true}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(gate, cancel)
	defer stop()

	var res CycleResult

	pushed, err := c.Push(ctx)
	res.Pushed = pushed

	if err != nil {
		return res, err
	}

	res.Pulled, err = c.PullAll(ctx)
	if err != nil {
		return res, err
	}

	res.Pruned, err = c.Prune()
	if err != nil {
		return res, err
	}

	res.Finished = c.now().UTC()

	c.mu.Lock()
	c.lastResult = &res
	c.mu.Unlock()

	return res, nil
}

// Push drains the queue in order. Consecutive operations of a batch
// collection go through its sync endpoint under the collection lock;
// every other operation runs one by one through the executor.
func (c *Coordinator) Push(ctx context.Context) (queue.DrainResult, error) {
	batches := make(map[models.EntityType]queue.BatchFunc)

	for _, col := range c.collections {
		if !c.queue.IsBatchType(col.Spec.Type) {
			continue
		}

		batches[col.Spec.Type] = c.lockedSubmitter(col)
	}

	res, err := c.queue.DrainInOrder(ctx, batches)
	if err != nil {
		return res, fmt.Errorf("draining queue: %w", err)
	}

	return res, nil
}

// lockedSubmitter holds the collection lock around a batch submission
// so it never overlaps a pull of the same collection.
func (c *Coordinator) lockedSubmitter(col Collection) queue.BatchFunc {
	submit := c.submitter(col)

	return func(ctx context.Context, ops []models.PendingOperation) (queue.BatchOutcome, error) {
		unlock := c.locks.Lock(col.Spec.Type)
		defer unlock()

		return submit(ctx, ops)
	}
}

// submitter sends a batch of queued operations with the collection's
// cursor and merges the rows the server returns alongside.
func (c *Coordinator) submitter(col Collection) queue.BatchFunc {
	return func(ctx context.Context, ops []models.PendingOperation) (queue.BatchOutcome, error) {
		cursor, err := c.state.Cursor(col.Spec.Collection)
		if err != nil {
			return queue.BatchOutcome{}, fmt.Errorf("reading %s cursor: %w", col.Spec.Collection, err)
		}

		req := api.SyncRequest{LastSync: cursor, Operations: make([]api.SyncOperation, 0, len(ops))}
		for _, op := range ops {
			req.Operations = append(req.Operations, api.SyncOperation{
				OperationID:     op.ID,
				Op:              string(op.Operation),
				EntityID:        op.EntityID,
				Payload:         op.Payload,
				ClientUpdatedAt: op.CreatedAt,
			})
		}

		resp, err := col.API.Sync(ctx, req)
		if err != nil {
			return queue.BatchOutcome{}, err
		}

		if _, err := c.apply(col, resp); err != nil {
			c.logger.Warn("merging batch sync updates",
				slog.String("collection", col.Spec.Collection),
				slog.String("error", err.Error()),
			)
		}

		outcome := queue.BatchOutcome{
			Applied:   resp.Applied,
			Conflicts: make(map[string]queue.RemoteConflict, len(resp.Conflicts)),
		}

		for _, sc := range resp.Conflicts {
			outcome.Conflicts[sc.OperationID] = queue.RemoteConflict{
				ServerState: sc.ServerEntity,
				Reason:      sc.Reason,
			}
		}

		return outcome, nil
	}
}

// PullAll pulls every collection concurrently. A failing collection does
// not stop the others; their errors are joined.
func (c *Coordinator) PullAll(ctx context.Context) (map[string]MergeStats, error) {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	g.SetLimit(pullConcurrency)

	out := make(map[string]MergeStats, len(c.collections))

	for _, col := range c.collections {
		g.Go(func() error {
			stats, err := c.Pull(ctx, col)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = append(errs, err)
				return nil
			}

			out[col.Spec.Collection] = stats

			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}

	return out, errors.Join(errs...)
}

// Pull fetches everything changed since the collection's cursor, merges
// it into the cache and advances the cursor.
func (c *Coordinator) Pull(ctx context.Context, col Collection) (MergeStats, error) {
	unlock := c.locks.Lock(col.Spec.Type)
	defer unlock()

	cursor, err := c.state.Cursor(col.Spec.Collection)
	if err != nil {
		return MergeStats{}, fmt.Errorf("reading %s cursor: %w", col.Spec.Collection, err)
	}

	resp, err := col.API.Sync(ctx, api.SyncRequest{LastSync: cursor})
	if err != nil {
		return MergeStats{}, fmt.Errorf("pulling %s: %w", col.Spec.Collection, err)
	}

	return c.apply(col, resp)
}

// apply merges the response's rows with last-writer-wins and advances
// the cursor once every row is stored.
func (c *Coordinator) apply(col Collection, resp *api.SyncResponse) (MergeStats, error) {
	var stats MergeStats

	now := c.now().UTC()
	t := col.Spec.Type

	for _, raw := range resp.Updates.Items {
		entity, err := models.DecodeEntity(t, raw)
		if err != nil || entity.EntityID() == "" {
			stats.Invalid++

			c.logger.Warn("skipping undecodable row", slog.String("collection", col.Spec.Collection))

			continue
		}

		key := models.CacheKey(t, entity.EntityID())

		if entity.Deleted() {
			removed, err := c.state.MergeDelete(key, entity.Touched())
			if err != nil {
				return stats, fmt.Errorf("removing %s: %w", key, err)
			}

			if removed {
				stats.Removed++
			}

			continue
		}

		applied, err := c.state.Merge(key, t, raw, entity.Touched(), &now)
		if err != nil {
			return stats, fmt.Errorf("merging %s: %w", key, err)
		}

		if applied {
			stats.Applied++
		} else {
			stats.Stale++
		}
	}

	if resp.ServerUpdatedSince != nil {
		if _, err := c.state.AdvanceCursor(col.Spec.Collection, *resp.ServerUpdatedSince); err != nil {
			return stats, fmt.Errorf("advancing %s cursor: %w", col.Spec.Collection, err)
		}
	}

	if stats.Applied > 0 || stats.Removed > 0 {
		c.logger.Debug("pulled changes",
			slog.String("collection", col.Spec.Collection),
			slog.Int("applied", stats.Applied),
			slog.Int("removed", stats.Removed),
			slog.Int("stale", stats.Stale),
		)
	}

	return stats, nil
}

// Prune trims each entity type's cache entries to its retention limit.
func (c *Coordinator) Prune() (int, error) {
	total := 0

	for _, col := range c.collections {
		keep := c.retention[col.Spec.Type]
		if keep <= 0 {
			continue
		}

		n, err := c.state.Prune(col.Spec.Type, keep)
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", col.Spec.Type, err)
		}

		total += n
	}

	return total, nil
}
