package executor

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/workspace-sync/internal/api"
	apperrors "github.com/alexjbarnes/workspace-sync/internal/errors"
	"github.com/alexjbarnes/workspace-sync/internal/models"
)

// Router dispatches an operation to the executor for its entity type.
type Router struct {
	executors map[models.EntityType]Executor
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{executors: make(map[models.EntityType]Executor)}
}

// Register sets the executor for t, replacing any previous one.
func (r *Router) Register(t models.EntityType, e Executor) {
	r.executors[t] = e
}

// Execute routes op. An entity type with no executor fails with
// ErrNoExecutor, which the queue treats as permanent.
func (r *Router) Execute(ctx context.Context, op models.PendingOperation) error {
	e, ok := r.executors[op.EntityType]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrNoExecutor, op.EntityType)
	}

	return e.Execute(ctx, op)
}

// Has reports whether t has an executor.
func (r *Router) Has(t models.EntityType) bool {
	_, ok := r.executors[t]
	return ok
}

// Build registers the note, task, website and file executors against
// the client's collections.
func Build(client *api.Client, deps Deps) *Router {
	r := NewRouter()

	collection := func(t models.EntityType) string {
		spec, _ := models.Spec(t)
		return spec.Collection
	}

	r.Register(models.EntityNote, NewNoteExecutor(api.NewResource[models.Note](client, collection(models.EntityNote)), deps))
	r.Register(models.EntityTask, NewTaskExecutor(api.NewResource[models.Task](client, collection(models.EntityTask)), deps))
	r.Register(models.EntityWebsite, NewWebsiteExecutor(api.NewResource[models.Website](client, collection(models.EntityWebsite)), deps))
	r.Register(models.EntityFile, NewFileExecutor(api.NewResource[models.File](client, collection(models.EntityFile)), deps))

	return r
}
