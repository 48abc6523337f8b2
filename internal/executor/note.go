package executor

import (
	"context"

	"github.com/alexjbarnes/workspace-sync/internal/api"
	"github.com/alexjbarnes/workspace-sync/internal/models"
	"golang.org/x/text/unicode/norm"
)

type noteCreateRequest struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	Content string `json:"content"`
	Pinned  bool   `json:"pinned,omitempty"`
}

type noteUpdateRequest struct {
	Content *string `json:"content,omitempty"`
	Pinned  *bool   `json:"pinned,omitempty"`
}

type noteRenameRequest struct {
	Name string `json:"name"`
}

type noteMoveRequest struct {
	Path string `json:"path"`
}

// NewNoteExecutor handles create, update, rename, move, archive, pin
// and delete for notes. Names and paths are sent in NFC so the same
// title typed on different platforms compares equal on the server.
func NewNoteExecutor(rest EntityAPI[models.Note], deps Deps) *EntityExecutor {
	b := newBase(models.EntityNote, rest, deps)

	// listing wraps a handler whose success changes the note tree.
	listing := func(h handlerFunc) handlerFunc {
		return func(ctx context.Context, op models.PendingOperation) error {
			if err := h(ctx, op); err != nil {
				return err
			}

			return b.invalidateListing()
		}
	}

	create := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[noteCreateRequest](op)
		if err != nil {
			return err
		}

		if req.ID == "" {
			req.ID = op.EntityID
		}

		req.Name = norm.NFC.String(req.Name)
		req.Path = norm.NFC.String(req.Path)

		if req.Name == "" && req.Path == "" {
			return invalidPayload(op, "name or path is required")
		}

		return b.mutate(ctx, op, func() (*api.Row[models.Note], error) {
			return b.api.Create(ctx, req)
		})
	}

	update := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[noteUpdateRequest](op)
		if err != nil {
			return err
		}

		return b.mutate(ctx, op, func() (*api.Row[models.Note], error) {
			return b.api.Update(ctx, op.EntityID, req)
		})
	}

	rename := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[noteRenameRequest](op)
		if err != nil {
			return err
		}

		req.Name = norm.NFC.String(req.Name)
		if req.Name == "" {
			return invalidPayload(op, "name is required")
		}

		return b.mutate(ctx, op, func() (*api.Row[models.Note], error) {
			return b.api.Action(ctx, op.EntityID, "rename", req)
		})
	}

	move := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[noteMoveRequest](op)
		if err != nil {
			return err
		}

		req.Path = norm.NFC.String(req.Path)
		if req.Path == "" {
			return invalidPayload(op, "path is required")
		}

		return b.mutate(ctx, op, func() (*api.Row[models.Note], error) {
			return b.api.Action(ctx, op.EntityID, "move", req)
		})
	}

	return newEntityExecutor(models.EntityNote, deps.Logger, map[models.OperationKind]handlerFunc{
		models.OpCreate:  listing(create),
		models.OpUpdate:  update,
		models.OpRename:  listing(rename),
		models.OpMove:    listing(move),
		models.OpArchive: flagAction[models.Note, archiveRequest](&b, "archive"),
		models.OpPin:     flagAction[models.Note, pinRequest](&b, "pin"),
		models.OpDelete:  listing(b.deleteEntity),
	})
}
