package executor

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/workspace-sync/internal/api"
	apperrors "github.com/alexjbarnes/workspace-sync/internal/errors"
	"github.com/alexjbarnes/workspace-sync/internal/models"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// maxUploadBytes caps the size of a file read for upload.
const maxUploadBytes = 50 * 1024 * 1024

// sniffLen is how many leading bytes content type detection looks at.
const sniffLen = 512

type fileCreateRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	LocalPath string `json:"local_path"`
}

type fileUploadRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Content  string `json:"content"`
}

type fileRenameRequest struct {
	Name string `json:"name"`
}

type fileMoveRequest struct {
	Path string `json:"path"`
}

// Checksum returns the hex blake2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DetectMimeType picks a MIME type from the file extension, falling back
// to sniffing the content.
func DetectMimeType(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}

	if len(data) > sniffLen {
		data = data[:sniffLen]
	}

	return http.DetectContentType(data)
}

// NewFileExecutor handles create (upload of a local file), rename, move
// and delete for files.
func NewFileExecutor(rest EntityAPI[models.File], deps Deps) *EntityExecutor {
	b := newBase(models.EntityFile, rest, deps)

	listing := func(h handlerFunc) handlerFunc {
		return func(ctx context.Context, op models.PendingOperation) error {
			if err := h(ctx, op); err != nil {
				return err
			}

			return b.invalidateListing()
		}
	}

	create := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[fileCreateRequest](op)
		if err != nil {
			return err
		}

		if req.LocalPath == "" {
			return invalidPayload(op, "local_path is required")
		}

		upload, err := readUpload(req)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return invalidPayload(op, "local file no longer exists")
			}

			return err
		}

		if upload.ID == "" {
			upload.ID = op.EntityID
		}

		return b.mutate(ctx, op, func() (*api.Row[models.File], error) {
			return b.api.Create(ctx, upload)
		})
	}

	rename := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[fileRenameRequest](op)
		if err != nil {
			return err
		}

		req.Name = norm.NFC.String(req.Name)
		if req.Name == "" {
			return invalidPayload(op, "name is required")
		}

		return b.mutate(ctx, op, func() (*api.Row[models.File], error) {
			return b.api.Action(ctx, op.EntityID, "rename", req)
		})
	}

	move := func(ctx context.Context, op models.PendingOperation) error {
		req, err := decode[fileMoveRequest](op)
		if err != nil {
			return err
		}

		req.Path = norm.NFC.String(req.Path)
		if req.Path == "" {
			return invalidPayload(op, "path is required")
		}

		return b.mutate(ctx, op, func() (*api.Row[models.File], error) {
			return b.api.Action(ctx, op.EntityID, "move", req)
		})
	}

	return newEntityExecutor(models.EntityFile, deps.Logger, map[models.OperationKind]handlerFunc{
		models.OpCreate: listing(create),
		models.OpRename: listing(rename),
		models.OpMove:   listing(move),
		models.OpDelete: listing(b.deleteEntity),
	})
}

// readUpload reads the local file named by req and builds the upload
// body. The checksum is computed from what is read now, not what was
// recorded at enqueue time.
func readUpload(req fileCreateRequest) (fileUploadRequest, error) {
	info, err := os.Stat(req.LocalPath)
	if err != nil {
		return fileUploadRequest{}, fmt.Errorf("reading %s: %w", req.LocalPath, err)
	}

	if !info.Mode().IsRegular() {
		return fileUploadRequest{}, fmt.Errorf("reading %s: %w", req.LocalPath, fs.ErrNotExist)
	}

	if info.Size() > maxUploadBytes {
		return fileUploadRequest{}, fmt.Errorf("%w: file %s is %d bytes, over the %d byte upload limit", apperrors.ErrInvalidPayload, req.LocalPath, info.Size(), maxUploadBytes)
	}

	data, err := os.ReadFile(req.LocalPath)
	if err != nil {
		return fileUploadRequest{}, fmt.Errorf("reading %s: %w", req.LocalPath, err)
	}

	name := req.Name
	if name == "" {
		name = filepath.Base(req.LocalPath)
	}

	path := req.Path
	if path == "" {
		path = name
	}

	return fileUploadRequest{
		ID:       req.ID,
		Name:     norm.NFC.String(name),
		Path:     norm.NFC.String(filepath.ToSlash(path)),
		MimeType: DetectMimeType(name, data),
		Size:     int64(len(data)),
		Checksum: Checksum(data),
		Content:  base64.StdEncoding.EncodeToString(data),
	}, nil
}
