package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/alexjbarnes/workspace-sync/internal/state"
	"github.com/tidwall/gjson"
)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row change pushed by the server.
type ChangeEvent struct {
	EventType EventType       `json:"eventType"`
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

// Decision is what Apply did with an event.
type Decision string

const (
	DecisionApplied Decision = "applied"
	DecisionRemoved Decision = "removed"
	DecisionStale   Decision = "stale"
	DecisionIgnored Decision = "ignored"
)

// Ingest applies change events to the cache. An event older than the
// cached copy is discarded, so a late delivery never rolls back a newer
// pull or local write.
type Ingest struct {
	state  *state.State
	logger *slog.Logger
	now    func() time.Time
}

// NewIngest returns an Ingest writing to s.
func NewIngest(s *state.State, logger *slog.Logger) *Ingest {
	if logger == nil {
		logger = slog.Default()
	}

	return &Ingest{
		state:  s,
		logger: logger.With(slog.String("component", "realtime")),
		now:    time.Now,
	}
}

// Apply merges ev into the cache. Events for unknown tables or with
// unusable records are ignored; the error explains why.
func (i *Ingest) Apply(ev ChangeEvent) (Decision, error) {
	spec, ok := models.SpecForCollection(ev.Table)
	if !ok {
		return DecisionIgnored, nil
	}

	switch ev.EventType {
	case EventInsert, EventUpdate:
		return i.upsert(spec.Type, ev.New)
	case EventDelete:
		return i.remove(spec.Type, ev.Old)
	}

	return DecisionIgnored, nil
}

func (i *Ingest) upsert(t models.EntityType, record json.RawMessage) (Decision, error) {
	entity, err := models.DecodeEntity(t, record)
	if err != nil {
		return DecisionIgnored, fmt.Errorf("decoding %s record: %w", t, err)
	}

	if entity.EntityID() == "" {
		return DecisionIgnored, fmt.Errorf("%s record has no id", t)
	}

	key := models.CacheKey(t, entity.EntityID())

	if entity.Deleted() {
		removed, err := i.state.MergeDelete(key, entity.Touched())
		if err != nil {
			return DecisionIgnored, fmt.Errorf("removing %s: %w", key, err)
		}

		if !removed {
			return DecisionStale, nil
		}

		return DecisionRemoved, nil
	}

	now := i.now().UTC()

	applied, err := i.state.Merge(key, t, record, entity.Touched(), &now)
	if err != nil {
		return DecisionIgnored, fmt.Errorf("merging %s: %w", key, err)
	}

	if !applied {
		i.logger.Debug("discarding stale change", slog.String("key", key))
		return DecisionStale, nil
	}

	return DecisionApplied, nil
}

// remove handles a hard delete. The old record usually carries only the
// primary key; without a touched time the delete always applies.
func (i *Ingest) remove(t models.EntityType, old json.RawMessage) (Decision, error) {
	id := gjson.GetBytes(old, "id").String()
	if id == "" {
		return DecisionIgnored, fmt.Errorf("%s delete has no id", t)
	}

	key := models.CacheKey(t, id)

	entry, err := i.state.Get(key)
	if err != nil {
		return DecisionIgnored, fmt.Errorf("reading %s: %w", key, err)
	}

	if entry == nil {
		return DecisionIgnored, nil
	}

	var touched time.Time
	if entity, err := models.DecodeEntity(t, old); err == nil {
		touched = entity.Touched()
	}

	removed, err := i.state.MergeDelete(key, touched)
	if err != nil {
		return DecisionIgnored, fmt.Errorf("removing %s: %w", key, err)
	}

	if !removed {
		return DecisionStale, nil
	}

	return DecisionRemoved, nil
}
