package state

import (
	"encoding/json"
	"fmt"
	"sort"

	apperrors "github.com/alexjbarnes/workspace-sync/internal/errors"
	"github.com/alexjbarnes/workspace-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// AddOperation persists op. When match is non-nil and selects an existing
// row, that row is coalesced instead: its payload and createdAt are taken
// from op, it is reset to pending with zero attempts and no error, and
// it keeps its id and snapshot. op is updated to the stored row either
// way. Returns whether the operation was coalesced.
func (s *State) AddOperation(op *models.PendingOperation, match func(*models.PendingOperation) bool) (bool, error) {
	coalesced := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		if match != nil {
			existing, err := firstMatch(b, match)
			if err != nil {
				return err
			}

			if existing != nil {
				existing.Payload = op.Payload
				existing.CreatedAt = op.CreatedAt
				existing.Seq = seq
				existing.Status = models.StatusPending
				existing.Attempts = 0
				existing.LastError = ""
				existing.LastAttemptAt = nil
				existing.Conflict = nil

				if len(existing.ServerSnapshot) == 0 {
					existing.ServerSnapshot = op.ServerSnapshot
				}

				*op = *existing
				coalesced = true

				return putJSON(b, []byte(op.ID), op)
			}
		}

		op.Seq = seq

		return putJSON(b, []byte(op.ID), op)
	})

	return coalesced, err
}

// Operation returns the operation with the given id, or nil if not found.
func (s *State) Operation(id string) (*models.PendingOperation, error) {
	var op *models.PendingOperation

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(opsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		op = &models.PendingOperation{}

		return json.Unmarshal(v, op)
	})

	return op, err
}

// Operations returns every queued operation in drain order.
func (s *State) Operations() ([]models.PendingOperation, error) {
	var ops []models.PendingOperation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(opsBucket).ForEach(func(_, v []byte) error {
			var op models.PendingOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("decoding operation: %w", err)
			}

			ops = append(ops, op)

			return nil
		})
	})

	sort.Slice(ops, func(i, j int) bool { return ops[i].Before(&ops[j]) })

	return ops, err
}

// NextPending returns the oldest pending operation accepted by filter,
// or nil if there is none. A nil filter accepts everything.
func (s *State) NextPending(filter func(*models.PendingOperation) bool) (*models.PendingOperation, error) {
	var next *models.PendingOperation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(opsBucket).ForEach(func(_, v []byte) error {
			op := &models.PendingOperation{}
			if err := json.Unmarshal(v, op); err != nil {
				return fmt.Errorf("decoding operation: %w", err)
			}

			if op.Status != models.StatusPending || (filter != nil && !filter(op)) {
				return nil
			}

			if next == nil || op.Before(next) {
				next = op
			}

			return nil
		})
	})

	return next, err
}

// UpdateOperation applies fn to the stored operation and persists the
// result in one transaction. Returns ErrOperationNotFound if id is not
// queued. If fn returns an error nothing is written.
func (s *State) UpdateOperation(id string, fn func(*models.PendingOperation) error) (*models.PendingOperation, error) {
	var op *models.PendingOperation

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", apperrors.ErrOperationNotFound, id)
		}

		op = &models.PendingOperation{}
		if err := json.Unmarshal(v, op); err != nil {
			return fmt.Errorf("decoding operation %s: %w", id, err)
		}

		if err := fn(op); err != nil {
			return err
		}

		return putJSON(b, []byte(id), op)
	})
	if err != nil {
		return nil, err
	}

	return op, nil
}

// UpdateOperations applies fn to every operation selected by match in
// one transaction and returns how many were changed.
func (s *State) UpdateOperations(match func(*models.PendingOperation) bool, fn func(*models.PendingOperation)) (int, error) {
	changed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)

		var updated []*models.PendingOperation

		err := b.ForEach(func(_, v []byte) error {
			op := &models.PendingOperation{}
			if err := json.Unmarshal(v, op); err != nil {
				return fmt.Errorf("decoding operation: %w", err)
			}

			if match(op) {
				fn(op)
				updated = append(updated, op)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, op := range updated {
			if err := putJSON(b, []byte(op.ID), op); err != nil {
				return err
			}
		}

		changed = len(updated)

		return nil
	})

	return changed, err
}

// DeleteOperation removes an operation. Returns ErrOperationNotFound if
// id is not queued.
func (s *State) DeleteOperation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", apperrors.ErrOperationNotFound, id)
		}

		return b.Delete([]byte(id))
	})
}

// ResetInProgress returns every inProgress operation to pending. Called
// at startup: an operation still marked inProgress was interrupted.
func (s *State) ResetInProgress() (int, error) {
	return s.UpdateOperations(
		func(op *models.PendingOperation) bool { return op.Status == models.StatusInProgress },
		func(op *models.PendingOperation) { op.Status = models.StatusPending },
	)
}

// firstMatch returns the oldest operation in b selected by match.
func firstMatch(b *bolt.Bucket, match func(*models.PendingOperation) bool) (*models.PendingOperation, error) {
	var found *models.PendingOperation

	err := b.ForEach(func(_, v []byte) error {
		op := &models.PendingOperation{}
		if err := json.Unmarshal(v, op); err != nil {
			return fmt.Errorf("decoding operation: %w", err)
		}

		if match(op) && (found == nil || op.Before(found)) {
			found = op
		}

		return nil
	})

	return found, err
}
