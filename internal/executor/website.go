package executor

import (
	"context"
	"net/url"

	"github.com/alexjbarnes/workspace-sync/internal/api"
	"github.com/alexjbarnes/workspace-sync/internal/models"
)

type websiteCreateRequest struct {
	ID    string `json:"id,omitempty"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type websiteUpdateRequest struct {
	Title   *string `json:"title,omitempty"`
	Summary *string `json:"summary,omitempty"`
}

// NewWebsiteExecutor handles create, update, pin, archive and delete for
// saved websites.
func NewWebsiteExecutor(rest EntityAPI[models.Website], deps Deps) *EntityExecutor {
	b := newBase(models.EntityWebsite, rest, deps)

	create := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[websiteCreateRequest](op)
		if err != nil {
			return err
		}

		if req.ID == "" {
			req.ID = op.EntityID
		}

		u, err := url.Parse(req.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalidPayload(op, "url must be absolute")
		}

		return b.mutate(ctx, op, func() (*api.Row[models.Website], error) {
			return b.api.Create(ctx, req)
		})
	}

	update := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[websiteUpdateRequest](op)
		if err != nil {
			return err
		}

		return b.mutate(ctx, op, func() (*api.Row[models.Website], error) {
			return b.api.Update(ctx, op.EntityID, req)
		})
	}

	return newEntityExecutor(models.EntityWebsite, deps.Logger, map[models.OperationKind]handlerFunc{
		models.OpCreate:  create,
		models.OpUpdate:  update,
		models.OpPin:     flagAction[models.Website, pinRequest](&b, "pin"),
		models.OpArchive: flagAction[models.Website, archiveRequest](&b, "archive"),
		models.OpDelete:  b.deleteEntity,
	})
}
