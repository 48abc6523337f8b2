package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EntityType names a kind of workspace entity.
type EntityType string

const (
	EntityNote       EntityType = "note"
	EntityTask       EntityType = "task"
	EntityWebsite    EntityType = "website"
	EntityFile       EntityType = "file"
	EntityScratchpad EntityType = "scratchpad"
	EntityMessage    EntityType = "message"
)

// EntitySpec describes how one entity type is stored, compared and synced.
type EntitySpec struct {
	Type EntityType
	// Collection is both the REST path segment and the realtime table.
	Collection string
	// TouchedField is the JSON field holding the entity's own last
	// modification time.
	TouchedField string
	// SnapshotFields are captured at enqueue time and compared before a
	// queued write is replayed.
	SnapshotFields []string
	// DeletedField marks soft-deleted rows. Empty for hard delete only.
	DeletedField string
	// Batch reports whether the collection's sync endpoint accepts
	// queued operations.
	Batch bool
	// KeepLatest is the default cache retention for the type.
	KeepLatest int
}

var entitySpecs = map[EntityType]EntitySpec{
	EntityNote: {
		Type:           EntityNote,
		Collection:     "notes",
		TouchedField:   "modified",
		SnapshotFields: []string{"modified", "name", "path"},
		DeletedField:   "deleted_at",
		KeepLatest:     500,
	},
	EntityTask: {
		Type:           EntityTask,
		Collection:     "tasks",
		TouchedField:   "updated_at",
		SnapshotFields: []string{"updated_at"},
		DeletedField:   "deleted_at",
		Batch:          true,
		KeepLatest:     1000,
	},
	EntityWebsite: {
		Type:           EntityWebsite,
		Collection:     "websites",
		TouchedField:   "updated_at",
		SnapshotFields: []string{"updated_at"},
		DeletedField:   "deleted_at",
		Batch:          true,
		KeepLatest:     500,
	},
	EntityFile: {
		Type:           EntityFile,
		Collection:     "files",
		TouchedField:   "updated_at",
		SnapshotFields: []string{"updated_at", "name", "path"},
		DeletedField:   "deleted_at",
		KeepLatest:     300,
	},
	EntityScratchpad: {
		Type:         EntityScratchpad,
		Collection:   "scratchpad",
		TouchedField: "updated_at",
		KeepLatest:   10,
	},
	EntityMessage: {
		Type:         EntityMessage,
		Collection:   "messages",
		TouchedField: "created_at",
		KeepLatest:   2000,
	},
}

// Spec returns the registry entry for t.
func Spec(t EntityType) (EntitySpec, bool) {
	s, ok := entitySpecs[t]
	return s, ok
}

// SpecForCollection returns the registry entry whose collection (or
// realtime table) is name.
func SpecForCollection(name string) (EntitySpec, bool) {
	for _, s := range entitySpecs {
		if s.Collection == name {
			return s, true
		}
	}

	return EntitySpec{}, false
}

// Specs returns every registered entity spec sorted by type.
func Specs() []EntitySpec {
	out := make([]EntitySpec, 0, len(entitySpecs))
	for _, s := range entitySpecs {
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })

	return out
}

// ParseEntityType validates s as a registered entity type.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if _, ok := entitySpecs[t]; !ok {
		return "", fmt.Errorf("unknown entity type %q", s)
	}

	return t, nil
}

// Entity is the decoded, typed form of a server row.
type Entity interface {
	EntityType() EntityType
	EntityID() string
	// Touched is the entity's own last modification time.
	Touched() time.Time
	// Deleted reports a soft-deleted row.
	Deleted() bool
}

// DecodeEntity decodes a wire record into the typed entity for t.
func DecodeEntity(t EntityType, raw []byte) (Entity, error) {
	switch t {
	case EntityNote:
		return decodeAs[Note](raw)
	case EntityTask:
		return decodeAs[Task](raw)
	case EntityWebsite:
		return decodeAs[Website](raw)
	case EntityFile:
		return decodeAs[File](raw)
	case EntityScratchpad:
		return decodeAs[Scratchpad](raw)
	case EntityMessage:
		return decodeAs[Message](raw)
	}

	return nil, fmt.Errorf("unknown entity type %q", t)
}

func decodeAs[T Entity](raw []byte) (Entity, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %T: %w", v, err)
	}

	return v, nil
}
