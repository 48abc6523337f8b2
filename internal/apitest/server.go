// Package apitest provides an in-memory fake of the workspace REST API
// for tests. It serves the same routes as the real service, stamps each
// mutation with a deterministic clock and records every request.
package apitest

import (
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/api"
	"github.com/alexjbarnes/workspace-sync/internal/models"
)

// Token is the bearer token the fake expects.
const Token = "test-token"

// Epoch is the fake clock's starting time. Every mutation advances the
// clock by one second.
var Epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Request is one recorded request.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Server is a fake workspace API.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	rows      map[string]map[string]map[string]any
	conflicts map[string]bool
	failures  []int
	requests  []Request
	clock     time.Time
}

// NewServer starts a fake API that is closed when the test ends.
func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		rows:      make(map[string]map[string]map[string]any),
		conflicts: make(map[string]bool),
		clock:     Epoch,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)

	return s
}

// Client returns an API client authenticated against the fake.
func (s *Server) Client() *api.Client {
	return api.NewClient(s.URL, Token, s.Server.Client())
}

// Seed stores row in collection without advancing the clock. The row
// must carry an "id".
func (s *Server) Seed(collection string, row map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.table(collection)[row["id"].(string)] = maps.Clone(row)
}

// Row returns a copy of the stored row.
func (s *Server) Row(collection, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.table(collection)[id]
	if !ok {
		return nil, false
	}

	return maps.Clone(row), true
}

// RowJSON returns the stored row encoded as JSON, or nil.
func (s *Server) RowJSON(collection, id string) []byte {
	row, ok := s.Row(collection, id)
	if !ok {
		return nil
	}

	raw, _ := json.Marshal(row)

	return raw
}

// Touch changes a row the way another device would: fields are merged
// and the touched field advances.
func (s *Server) Touch(collection, id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.table(collection)[id]
	if row == nil {
		row = map[string]any{"id": id}
		s.table(collection)[id] = row
	}

	maps.Copy(row, fields)
	s.stamp(collection, row)
}

// Remove hard-deletes a row.
func (s *Server) Remove(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.table(collection), id)
}

// ConflictOn makes batch sync report a conflict for operations on id.
func (s *Server) ConflictOn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conflicts[id] = true
}

// FailNext makes the next len(statuses) requests fail with the given
// statuses, in order.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = append(s.failures, statuses...)
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.requests)
}

// RequestLines returns "METHOD path" for every request received so far.
func (s *Server) RequestLines() []string {
	reqs := s.Requests()

	lines := make([]string, len(reqs))
	for i, r := range reqs {
		lines[i] = r.Method + " " + r.Path
	}

	return lines
}

// Now returns the fake clock.
func (s *Server) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clock
}

func (s *Server) table(collection string) map[string]map[string]any {
	t, ok := s.rows[collection]
	if !ok {
		t = make(map[string]map[string]any)
		s.rows[collection] = t
	}

	return t
}

func touchedField(collection string) string {
	if spec, ok := models.SpecForCollection(collection); ok {
		return spec.TouchedField
	}

	return "updated_at"
}

// stamp advances the clock and writes it to row's touched field.
func (s *Server) stamp(collection string, row map[string]any) {
	s.clock = s.clock.Add(time.Second)
	row[touchedField(collection)] = s.clock.Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "not found"})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Body: body})

	if r.Header.Get("Authorization") != "Bearer "+Token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid token"})
		return
	}

	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		writeJSON(w, status, map[string]string{"detail": http.StatusText(status)})

		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/"), "/")
	collection := parts[0]
	table := s.table(collection)

	var fields map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid json"})
			return
		}
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodPost:
		id, _ := fields["id"].(string)
		if id == "" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "id required"})
			return
		}

		row := maps.Clone(fields)
		s.stamp(collection, row)
		table[id] = row
		writeJSON(w, http.StatusCreated, row)

	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		s.sync(w, collection, body)

	case len(parts) == 2 && r.Method == http.MethodGet:
		row, ok := table[parts[1]]
		if !ok {
			notFound(w)
			return
		}

		writeJSON(w, http.StatusOK, row)

	case len(parts) == 2 && r.Method == http.MethodPatch,
		len(parts) == 3 && r.Method == http.MethodPost:
		row, ok := table[parts[1]]
		if !ok {
			notFound(w)
			return
		}

		maps.Copy(row, fields)
		s.stamp(collection, row)
		writeJSON(w, http.StatusOK, row)

	case len(parts) == 2 && r.Method == http.MethodDelete:
		if _, ok := table[parts[1]]; !ok {
			notFound(w)
			return
		}

		delete(table, parts[1])
		w.WriteHeader(http.StatusNoContent)

	default:
		notFound(w)
	}
}

// sync implements the batch endpoint: queued operations are applied
// unless the entity is marked conflicting, then every row touched after
// lastSync is returned.
func (s *Server) sync(w http.ResponseWriter, collection string, body []byte) {
	var req api.SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid sync request"})
		return
	}

	table := s.table(collection)
	resp := api.SyncResponse{Applied: []string{}, Conflicts: []api.SyncConflict{}}

	for _, op := range req.Operations {
		var fields map[string]any
		_ = json.Unmarshal(op.Payload, &fields)

		id := op.EntityID
		if id == "" {
			id, _ = fields["id"].(string)
		}

		if s.conflicts[id] {
			server, _ := json.Marshal(table[id])
			resp.Conflicts = append(resp.Conflicts, api.SyncConflict{
				OperationID:  op.OperationID,
				Op:           op.Op,
				ID:           id,
				ServerEntity: server,
				Reason:       "server copy is newer",
			})

			continue
		}

		row := table[id]
		if row == nil {
			row = map[string]any{"id": id}
			table[id] = row
		}

		if op.Op == string(models.OpDelete) {
			row["deleted_at"] = s.clock.Add(time.Second).Format(time.RFC3339Nano)
		} else {
			maps.Copy(row, fields)
		}

		s.stamp(collection, row)
		resp.Applied = append(resp.Applied, op.OperationID)
	}

	field := touchedField(collection)

	ids := slices.Sorted(maps.Keys(table))
	for _, id := range ids {
		row := table[id]

		value, _ := row[field].(string)

		touched, err := models.ParseTimestamp(value)
		if err != nil {
			continue
		}

		if req.LastSync != nil && !touched.After(*req.LastSync) {
			continue
		}

		raw, _ := json.Marshal(row)
		resp.Updates.Items = append(resp.Updates.Items, raw)
	}

	now := s.clock
	resp.ServerUpdatedSince = &now

	writeJSON(w, http.StatusOK, resp)
}
