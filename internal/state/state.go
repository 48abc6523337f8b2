// Package state persists the entity cache, the pending operation log and
// the per-collection sync cursors in a single bbolt database. Every
// exported method runs in one bbolt transaction, so readers see either
// the old or the fully written new value. bbolt admits one writer at a
// time, which serializes all mutations from the queue, the coordinator
// and realtime ingest.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.workspace-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	cacheBucket  = []byte("cache")
	opsBucket    = []byte("ops")
	cursorBucket = []byte("cursors")
)

// State wraps a bbolt database for all persistent sync state.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// Load opens the state database at ~/.workspace-sync/state.db, creating
// it if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{cacheBucket, opsBucket, cursorBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SetClock replaces the clock used for store write times.
func (s *State) SetClock(now func() time.Time) {
	s.now = now
}

// DefaultPath returns ~/.workspace-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".workspace-sync", "state.db"), nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}
