package syncer

import (
	"context"
	"sync"

	"github.com/alexjbarnes/workspace-sync/internal/executor"
	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/alexjbarnes/workspace-sync/internal/queue"
)

// Locks hands out one mutex per entity type. Pulls and pushes of a
// collection hold its lock, so a pull never merges server rows while
// an operation on the same collection is being replayed.
type Locks struct {
	mu    sync.Mutex
	locks map[models.EntityType]*sync.Mutex
}

// NewLocks returns an empty lock set.
func NewLocks() *Locks {
	return &Locks{locks: make(map[models.EntityType]*sync.Mutex)}
}

func (l *Locks) get(t models.EntityType) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[t]
	if !ok {
		m = &sync.Mutex{}
		l.locks[t] = m
	}

	return m
}

// Lock acquires the lock for t and returns its release function.
func (l *Locks) Lock(t models.EntityType) func() {
	m := l.get(t)
	m.Lock()

	return m.Unlock
}

// Wrap returns an executor that holds the operation's type lock while
// next runs.
func (l *Locks) Wrap(next queue.Executor) executor.Func {
	return func(ctx context.Context, op models.PendingOperation) error {
		unlock := l.Lock(op.EntityType)
		defer unlock()

		return next.Execute(ctx, op)
	}
}
