package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	apperrors "github.com/alexjbarnes/workspace-sync/internal/errors"
	"github.com/alexjbarnes/workspace-sync/internal/models"
)

// Resource is the REST API of one entity collection, decoding rows into T.
// Single-entity calls return a Row holding both the decoded entity and
// the raw body.
type Resource[T models.Entity] struct {
	client     *Client
	collection string
}

// NewResource returns the API for collection.
func NewResource[T models.Entity](c *Client, collection string) *Resource[T] {
	return &Resource[T]{client: c, collection: collection}
}

// Collection returns the collection name.
func (r *Resource[T]) Collection() string {
	return r.collection
}

func (r *Resource[T]) path(parts ...string) string {
	p := apiPrefix + r.collection
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}

	return p
}

// Get fetches one entity.
func (r *Resource[T]) Get(ctx context.Context, id string) (*Row[T], error) {
	var out Row[T]
	if err := r.client.do(ctx, http.MethodGet, r.path(id), nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Create creates an entity from body.
func (r *Resource[T]) Create(ctx context.Context, body any) (*Row[T], error) {
	var out Row[T]
	if err := r.client.do(ctx, http.MethodPost, r.path(), body, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Update patches an entity.
func (r *Resource[T]) Update(ctx context.Context, id string, body any) (*Row[T], error) {
	var out Row[T]
	if err := r.client.do(ctx, http.MethodPatch, r.path(id), body, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Action invokes a named entity action such as rename, move, archive or pin.
func (r *Resource[T]) Action(ctx context.Context, id, action string, body any) (*Row[T], error) {
	var out Row[T]
	if err := r.client.do(ctx, http.MethodPost, r.path(id, action), body, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Delete removes an entity. An entity that is already gone counts as
// deleted.
func (r *Resource[T]) Delete(ctx context.Context, id string) error {
	err := r.client.do(ctx, http.MethodDelete, r.path(id), nil, nil)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}

	return err
}

// Sync submits a batch sync request to the collection.
func (r *Resource[T]) Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	if req.Operations == nil {
		req.Operations = []SyncOperation{}
	}

	var out SyncResponse
	if err := r.client.do(ctx, http.MethodPost, r.path("sync"), req, &out); err != nil {
		return nil, fmt.Errorf("syncing %s: %w", r.collection, err)
	}

	return &out, nil
}
