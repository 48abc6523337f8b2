// Package conflict decides whether a queued write may be replayed. A
// snapshot of the fields that identify an entity version is taken when
// the operation is queued, and compared against the server's current
// copy just before the write is sent.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// diffCleanupThreshold is the minimum number of diffs before running
// semantic and efficiency cleanup passes.
const diffCleanupThreshold = 2

// Error carries a detected conflict through error returns. Conflicts are
// terminal: the queue never retries them.
type Error struct {
	Conflict *models.Conflict
}

func (e *Error) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Conflict.EntityType, e.Conflict.EntityID, e.Conflict.Reason)
}

// AsConflict returns the conflict carried by err, if any.
func AsConflict(err error) (*models.Conflict, bool) {
	var ce *Error
	if errors.As(err, &ce) && ce.Conflict != nil {
		return ce.Conflict, true
	}

	return nil, false
}

// Detector builds snapshots and compares them against server state.
type Detector struct {
	fields map[models.EntityType][]string
	now    func() time.Time
}

// NewDetector returns a detector using the snapshot fields from the
// entity registry.
func NewDetector() *Detector {
	fields := make(map[models.EntityType][]string)
	for _, s := range models.Specs() {
		if len(s.SnapshotFields) > 0 {
			fields[s.Type] = s.SnapshotFields
		}
	}

	return &Detector{fields: fields, now: time.Now}
}

// Snapshot projects the snapshot fields of entityType out of payload.
// Returns nil when the type has no snapshot fields or payload carries
// none of them.
func (d *Detector) Snapshot(entityType models.EntityType, payload []byte) ([]byte, error) {
	fields := d.fields[entityType]
	if len(fields) == 0 || len(payload) == 0 {
		return nil, nil
	}

	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("building %s snapshot: payload is not valid JSON", entityType)
	}

	snap := make(map[string]json.RawMessage, len(fields))
	for _, f := range fields {
		if res := gjson.GetBytes(payload, gjson.Escape(f)); res.Exists() {
			snap[f] = json.RawMessage(res.Raw)
		}
	}

	if len(snap) == 0 {
		return nil, nil
	}

	return json.Marshal(snap)
}

// HasConflicted reports whether any field captured in snapshot differs
// in current. Fields absent from the snapshot are not compared.
func (d *Detector) HasConflicted(snapshot, current []byte) bool {
	return len(diverged(snapshot, current)) > 0
}

// Check compares the operation's snapshot with current. Returns nil when
// the operation carries no snapshot (creates never conflict) or nothing
// diverged.
func (d *Detector) Check(op models.PendingOperation, current []byte) *models.Conflict {
	if len(op.ServerSnapshot) == 0 {
		return nil
	}

	fields := diverged(op.ServerSnapshot, current)
	if len(fields) == 0 {
		return nil
	}

	c := d.newConflict(op, current, "server changed "+strings.Join(fields, ", ")+" since the operation was queued")
	c.Diff = contentDiff(current, op.Payload)

	return c
}

// Gone returns the conflict for an operation whose entity no longer
// exists on the server.
func (d *Detector) Gone(op models.PendingOperation) *models.Conflict {
	return d.newConflict(op, nil, "entity was deleted on the server")
}

// Remote builds a conflict reported by the server's batch sync endpoint.
func (d *Detector) Remote(op models.PendingOperation, serverState []byte, reason string) *models.Conflict {
	if reason == "" {
		reason = "server rejected the operation as conflicting"
	}

	c := d.newConflict(op, serverState, reason)
	c.Diff = contentDiff(serverState, op.Payload)

	return c
}

func (d *Detector) newConflict(op models.PendingOperation, serverState []byte, reason string) *models.Conflict {
	return &models.Conflict{
		OperationID:   op.ID,
		EntityID:      op.EntityID,
		EntityType:    op.EntityType,
		LocalSnapshot: op.ServerSnapshot,
		ServerState:   serverState,
		Reason:        reason,
		DetectedAt:    d.now().UTC(),
	}
}

func diverged(snapshot, current []byte) []string {
	var fields []string

	gjson.ParseBytes(snapshot).ForEach(func(key, want gjson.Result) bool {
		got := gjson.GetBytes(current, gjson.Escape(key.String()))
		if !sameValue(want, got) {
			fields = append(fields, key.String())
		}

		return true
	})

	sort.Strings(fields)

	return fields
}

// sameValue compares two JSON values the way the server's encodings
// vary: numbers numerically, timestamps as instants, strings after NFC
// normalisation.
func sameValue(want, got gjson.Result) bool {
	if !got.Exists() {
		return false
	}

	if want.Type == gjson.Null || got.Type == gjson.Null {
		return want.Type == got.Type
	}

	if want.Type == gjson.Number && got.Type == gjson.Number {
		return want.Num == got.Num
	}

	if tw, ok := models.TimeFromJSON([]byte(want.Raw)); ok {
		if tg, ok := models.TimeFromJSON([]byte(got.Raw)); ok {
			return tw.Equal(tg)
		}
	}

	if want.Type == gjson.String && got.Type == gjson.String {
		return norm.NFC.String(want.Str) == norm.NFC.String(got.Str)
	}

	return want.Raw == got.Raw
}

// contentDiff renders a patch from the server's content to the queued
// content, for display alongside the conflict.
func contentDiff(server, local []byte) string {
	s := gjson.GetBytes(server, "content")
	l := gjson.GetBytes(local, "content")

	if s.Type != gjson.String || l.Type != gjson.String || s.Str == l.Str {
		return ""
	}

	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(s.Str, l.Str, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	return dmp.PatchToText(dmp.PatchMake(s.Str, diffs))
}
