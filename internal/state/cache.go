package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

// Get returns the cache entry for key, or nil if not found.
func (s *State) Get(key string) (*models.CacheEntry, error) {
	var entry *models.CacheEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		entry, err = decodeEntry(tx.Bucket(cacheBucket).Get([]byte(key)))

		return err
	})

	return entry, err
}

// GetAll returns every cache entry whose key starts with prefix, in key
// order. An empty prefix returns the whole cache.
func (s *State) GetAll(prefix string) ([]models.CacheEntry, error) {
	var entries []models.CacheEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(cacheBucket).Cursor()
		p := []byte(prefix)

		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			entry, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("decoding cache entry %s: %w", k, err)
			}

			entries = append(entries, *entry)
		}

		return nil
	})

	return entries, err
}

// Set writes the entry for key, replacing any existing one.
func (s *State) Set(key string, entityType models.EntityType, payload []byte, lastSyncAt *time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(cacheBucket), []byte(key), s.newEntry(key, entityType, payload, lastSyncAt))
	})
}

// Remove deletes the entry for key. Removing a missing key is not an error.
func (s *State) Remove(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Delete([]byte(key))
	})
}

// RemovePrefix deletes every entry whose key starts with prefix and
// returns how many were removed.
func (s *State) RemovePrefix(prefix string) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		p := []byte(prefix)

		var keys [][]byte

		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(keys)

		return nil
	})

	return removed, err
}

// LastSyncAt returns when the entry for key was last confirmed by the
// server, or nil if it never was or does not exist.
func (s *State) LastSyncAt(key string) (*time.Time, error) {
	entry, err := s.Get(key)
	if err != nil || entry == nil {
		return nil, err
	}

	return entry.LastSyncAt, nil
}

// Merge writes the entry unless the cached copy was touched after
// touched (last writer wins). A zero touched always writes. Returns
// whether the entry was written.
func (s *State) Merge(key string, entityType models.EntityType, payload []byte, touched time.Time, lastSyncAt *time.Time) (bool, error) {
	applied := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)

		existing, err := decodeEntry(b.Get([]byte(key)))
		if err != nil {
			return err
		}

		if existing != nil && !touched.IsZero() && touched.Before(TouchedAt(existing)) {
			return nil
		}

		applied = true

		return putJSON(b, []byte(key), s.newEntry(key, entityType, payload, lastSyncAt))
	})

	return applied, err
}

// MergeDelete removes the entry unless the cached copy was touched after
// touched. A zero touched always removes. Returns whether an entry was
// removed.
func (s *State) MergeDelete(key string, touched time.Time) (bool, error) {
	removed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)

		existing, err := decodeEntry(b.Get([]byte(key)))
		if err != nil || existing == nil {
			return err
		}

		if !touched.IsZero() && touched.Before(TouchedAt(existing)) {
			return nil
		}

		removed = true

		return b.Delete([]byte(key))
	})

	return removed, err
}

// Prune keeps the keepLatest most recently touched entries of an entity
// type and evicts the rest, oldest first. Entries referenced by a queued
// operation are never evicted. Returns the number of evicted entries.
func (s *State) Prune(entityType models.EntityType, keepLatest int) (int, error) {
	keepLatest = max(keepLatest, 0)
	evicted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		referenced, err := referencedKeys(tx)
		if err != nil {
			return err
		}

		type candidate struct {
			key     []byte
			touched time.Time
		}

		var all []candidate

		b := tx.Bucket(cacheBucket)
		p := []byte(string(entityType) + ":")
		c := b.Cursor()

		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			entry, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("decoding cache entry %s: %w", k, err)
			}

			all = append(all, candidate{key: bytes.Clone(k), touched: TouchedAt(entry)})
		}

		if len(all) <= keepLatest {
			return nil
		}

		sort.Slice(all, func(i, j int) bool {
			if !all[i].touched.Equal(all[j].touched) {
				return all[i].touched.After(all[j].touched)
			}

			return bytes.Compare(all[i].key, all[j].key) < 0
		})

		for _, cand := range all[keepLatest:] {
			if _, ok := referenced[string(cand.key)]; ok {
				continue
			}

			if err := b.Delete(cand.key); err != nil {
				return err
			}

			evicted++
		}

		return nil
	})

	return evicted, err
}

// TouchedAt returns the entity's own modification time from its payload,
// falling back to the store write time when the payload lacks one.
func TouchedAt(entry *models.CacheEntry) time.Time {
	if spec, ok := models.Spec(entry.EntityType); ok && spec.TouchedField != "" {
		res := gjson.GetBytes(entry.Payload, spec.TouchedField)
		if res.Exists() {
			if t, ok := models.TimeFromJSON([]byte(res.Raw)); ok {
				return t
			}
		}
	}

	return entry.UpdatedAt
}

func (s *State) newEntry(key string, entityType models.EntityType, payload []byte, lastSyncAt *time.Time) models.CacheEntry {
	return models.CacheEntry{
		Key:        key,
		EntityType: entityType,
		Payload:    json.RawMessage(payload),
		UpdatedAt:  s.now().UTC(),
		LastSyncAt: lastSyncAt,
	}
}

func decodeEntry(v []byte) (*models.CacheEntry, error) {
	if v == nil {
		return nil, nil
	}

	entry := &models.CacheEntry{}
	if err := json.Unmarshal(v, entry); err != nil {
		return nil, err
	}

	return entry, nil
}

// referencedKeys collects the cache keys of every queued operation.
func referencedKeys(tx *bolt.Tx) (map[string]struct{}, error) {
	keys := make(map[string]struct{})

	err := tx.Bucket(opsBucket).ForEach(func(_, v []byte) error {
		var op models.PendingOperation
		if err := json.Unmarshal(v, &op); err != nil {
			return err
		}

		if op.EntityID != "" {
			keys[op.CacheKey()] = struct{}{}
		}

		return nil
	})

	return keys, err
}
