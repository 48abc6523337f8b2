// Package inbox turns files dropped into a local directory into queued
// file uploads.
package inbox

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	tickInterval = 500 * time.Millisecond
	settleDelay  = 300 * time.Millisecond
)

// Enqueuer is the subset of the queue the watcher needs.
//
//go:generate mockgen -source=inbox.go -destination=mock_enqueuer_test.go -package=inbox Enqueuer
type Enqueuer interface {
	Enqueue(kind models.OperationKind, entityType models.EntityType, entityID string, payload json.RawMessage) (*models.PendingOperation, error)
}

type inboxFile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	LocalPath string `json:"local_path"`
	Checksum  string `json:"checksum"`
}

// Watcher monitors the inbox directory and queues a file create for
// every settled file whose content has not been queued before.
type Watcher struct {
	dir     string
	queue   Enqueuer
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	// seen maps content digests to the relative path that queued them.
	seen map[string]string
}

// New creates a watcher for dir.
func New(dir string, q Enqueuer, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		dir:    dir,
		queue:  q,
		logger: logger.With(slog.String("component", "inbox")),
		seen:   make(map[string]string),
	}
}

// Watch queues files already in the directory, then watches it until
// ctx is cancelled. Directories are watched recursively.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	if err := w.addRecursive(w.dir); err != nil {
		return fmt.Errorf("watching inbox dir: %w", err)
	}

	w.scan()

	w.logger.Info("inbox watcher started", slog.String("dir", w.dir))

	// Debounce: a file is queued once writes to it have stopped.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				if event.Has(fsnotify.Create) {
					info, err := os.Stat(event.Name)
					if err == nil && info.IsDir() {
						delete(pending, event.Name)
						if err := w.addRecursive(event.Name); err != nil {
							w.logger.Warn("watching new dir", slog.String("dir", event.Name), slog.String("error", err.Error()))
						}
						w.scanDir(event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleDelay {
					continue
				}
				delete(pending, path)
				w.handleWrite(path)
			}
		}
	}
}

// scan queues every file already present in the inbox.
func (w *Watcher) scan() {
	w.scanDir(w.dir)
}

func (w *Watcher) scanDir(dir string) {
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if w.shouldIgnore(path) && path != w.dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			w.handleWrite(path)
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("scanning inbox", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}

func (w *Watcher) handleWrite(absPath string) {
	relPath, err := filepath.Rel(w.dir, absPath)
	if err != nil {
		w.logger.Warn("computing relative path", slog.String("error", err.Error()))
		return
	}
	relPath = filepath.ToSlash(relPath)

	info, err := os.Stat(absPath)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("stat failed", slog.String("path", relPath), slog.String("error", err.Error()))
		}
		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	digest, err := fileDigest(absPath)
	if err != nil {
		w.logger.Warn("hashing file", slog.String("path", relPath), slog.String("error", err.Error()))
		return
	}

	if prev, ok := w.seen[digest]; ok {
		w.logger.Debug("skipping duplicate content",
			slog.String("path", relPath),
			slog.String("queued_as", prev),
		)
		return
	}

	id := uuid.NewString()
	payload, err := json.Marshal(inboxFile{
		ID:        id,
		Name:      filepath.Base(absPath),
		Path:      relPath,
		LocalPath: absPath,
		Checksum:  digest,
	})
	if err != nil {
		w.logger.Warn("encoding payload", slog.String("path", relPath), slog.String("error", err.Error()))
		return
	}

	op, err := w.queue.Enqueue(models.OpCreate, models.EntityFile, id, payload)
	if err != nil {
		w.logger.Warn("queueing upload failed",
			slog.String("path", relPath),
			slog.String("error", err.Error()),
		)
		return
	}

	w.seen[digest] = relPath

	w.logger.Info("queued upload",
		slog.String("path", relPath),
		slog.String("op_id", op.ID),
		slog.Int64("bytes", info.Size()),
	)
}

// fileDigest returns the hex blake2b-256 digest of the file's content,
// matching the checksum the file executor uploads.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.dir && w.shouldIgnore(path) {
				return filepath.SkipDir
			}
			return w.watcher.Add(path)
		}
		return nil
	})
}

var tempSuffixes = []string{"~", ".swp", ".tmp", ".part", ".crdownload"}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, suffix := range tempSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}
