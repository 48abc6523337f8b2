package executor

import (
	"context"

	"github.com/alexjbarnes/workspace-sync/internal/api"
	"github.com/alexjbarnes/workspace-sync/internal/models"
)

type taskCreateRequest struct {
	ID        string            `json:"id,omitempty"`
	Title     string            `json:"title"`
	Notes     string            `json:"notes,omitempty"`
	Completed bool              `json:"completed,omitempty"`
	DueDate   *models.Timestamp `json:"due_date,omitempty"`
}

type taskUpdateRequest struct {
	Title     *string           `json:"title,omitempty"`
	Notes     *string           `json:"notes,omitempty"`
	Completed *bool             `json:"completed,omitempty"`
	DueDate   *models.Timestamp `json:"due_date,omitempty"`
}

// NewTaskExecutor handles create, update, archive and delete for tasks.
func NewTaskExecutor(rest EntityAPI[models.Task], deps Deps) *EntityExecutor {
	b := newBase(models.EntityTask, rest, deps)

	create := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[taskCreateRequest](op)
		if err != nil {
			return err
		}

		if req.ID == "" {
			req.ID = op.EntityID
		}

		if req.Title == "" {
			return invalidPayload(op, "title is required")
		}

		return b.mutate(ctx, op, func() (*api.Row[models.Task], error) {
			return b.api.Create(ctx, req)
		})
	}

	update := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[taskUpdateRequest](op)
		if err != nil {
			return err
		}

		return b.mutate(ctx, op, func() (*api.Row[models.Task], error) {
			return b.api.Update(ctx, op.EntityID, req)
		})
	}

	return newEntityExecutor(models.EntityTask, deps.Logger, map[models.OperationKind]handlerFunc{
		models.OpCreate:  create,
		models.OpUpdate:  update,
		models.OpArchive: flagAction[models.Task, archiveRequest](&b, "archive"),
		models.OpDelete:  b.deleteEntity,
	})
}
