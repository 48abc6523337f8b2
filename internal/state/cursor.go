package state

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Cursor returns the sync cursor for a collection, or nil before the
// first successful sync.
func (s *State) Cursor(collection string) (*time.Time, error) {
	var cursor *time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorBucket).Get([]byte(collection))
		if v == nil {
			return nil
		}

		t, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return fmt.Errorf("decoding cursor for %s: %w", collection, err)
		}

		cursor = &t

		return nil
	})

	return cursor, err
}

// AdvanceCursor stores t as the collection's cursor unless the stored
// cursor is already later. Returns the cursor in effect afterwards, so
// the stored value never moves backwards.
func (s *State) AdvanceCursor(collection string, t time.Time) (time.Time, error) {
	effective := t.UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorBucket)

		if v := b.Get([]byte(collection)); v != nil {
			current, err := time.Parse(time.RFC3339Nano, string(v))
			if err == nil && current.After(effective) {
				effective = current
				return nil
			}
		}

		return b.Put([]byte(collection), []byte(effective.Format(time.RFC3339Nano)))
	})

	return effective, err
}
