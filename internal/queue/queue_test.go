package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/conflict"
	apperrors "github.com/alexjbarnes/workspace-sync/internal/errors"
	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/alexjbarnes/workspace-sync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testDB(t *testing.T) *state.State {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// sleepRecorder records backoff delays instead of waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) seconds() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.delays))
	for i, d := range r.delays {
		out[i] = int(d / time.Second)
	}
	return out
}

// stepClock returns a clock that advances one millisecond per call so
// createdAt ordering is deterministic.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

type harness struct {
	q      *Queue
	state  *state.State
	exec   *MockExecutor
	sleeps *sleepRecorder
	events []Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	h := &harness{
		state:  testDB(t),
		exec:   NewMockExecutor(ctrl),
		sleeps: &sleepRecorder{},
	}

	opts.Sleep = h.sleeps.sleep
	opts.Now = stepClock()
	opts.OnChange = func(e Event) { h.events = append(h.events, e) }

	q, err := New(h.state, h.exec, opts)
	require.NoError(t, err)
	h.q = q

	return h
}

func (h *harness) enqueue(t *testing.T, kind models.OperationKind, et models.EntityType, id, payload string) *models.PendingOperation {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	op, err := h.q.Enqueue(kind, et, id, raw)
	require.NoError(t, err)
	return op
}

func (h *harness) kinds() []EventKind {
	out := make([]EventKind, len(h.events))
	for i, e := range h.events {
		out[i] = e.Kind
	}
	return out
}

func transient(msg string) error {
	return &apperrors.TransientError{Err: errors.New(msg)}
}

// --- BackoffDelay ---

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 16 * time.Second},
		{100, 16 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

// --- Enqueue ---

func TestEnqueue_Validation(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.q.Enqueue("explode", models.EntityNote, "n1", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidOperation)

	_, err = h.q.Enqueue(models.OpUpdate, "widget", "w1", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidOperation)

	_, err = h.q.Enqueue(models.OpUpdate, models.EntityNote, "", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidOperation)

	_, err = h.q.Enqueue(models.OpUpdate, models.EntityNote, "n1", json.RawMessage(`{nope`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidPayload)

	ops, err := h.q.List()
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Empty(t, h.events)
}

func TestEnqueue_CreateAssignsIDs(t *testing.T) {
	h := newHarness(t, Options{})

	op := h.enqueue(t, models.OpCreate, models.EntityTask, "", `{"title":"x"}`)
	assert.NotEmpty(t, op.ID)
	assert.NotEmpty(t, op.EntityID)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Zero(t, op.Attempts)
	assert.Nil(t, op.ServerSnapshot)

	stored, err := h.q.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.EntityID, stored.EntityID)

	require.Len(t, h.events, 1)
	assert.Equal(t, EventEnqueued, h.events[0].Kind)
	assert.False(t, h.events[0].Coalesced)
}

func TestEnqueue_CapturesSnapshotFromCache(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.state.Set("note:n1", models.EntityNote,
		[]byte(`{"id":"n1","name":"a","path":"a.md","modified":"2024-04-01T00:00:00Z","content":"x"}`), nil))

	op := h.enqueue(t, models.OpRename, models.EntityNote, "n1", `{"name":"b"}`)
	assert.JSONEq(t, `{"modified":"2024-04-01T00:00:00Z","name":"a","path":"a.md"}`, string(op.ServerSnapshot))

	uncached := h.enqueue(t, models.OpRename, models.EntityNote, "n2", `{"name":"b"}`)
	assert.Nil(t, uncached.ServerSnapshot)
}

func TestEnqueue_CoalescesNoteUpdates(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.state.Set("note:n1", models.EntityNote,
		[]byte(`{"id":"n1","name":"a","path":"a.md","modified":"2024-04-01T00:00:00Z"}`), nil))

	first := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"one"}`)

	// The cache moves on before the second edit; the original snapshot wins.
	require.NoError(t, h.state.Set("note:n1", models.EntityNote,
		[]byte(`{"id":"n1","name":"a","path":"a.md","modified":"2024-04-02T00:00:00Z"}`), nil))

	second := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"two"}`)

	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"content":"two"}`, string(second.Payload))
	assert.Equal(t, first.ServerSnapshot, second.ServerSnapshot)
	assert.True(t, h.events[1].Coalesced)

	ops, err := h.q.List()
	require.NoError(t, err)
	require.Len(t, ops, 1)
}

func TestEnqueue_DoesNotCoalesceOtherTypesOrKinds(t *testing.T) {
	h := newHarness(t, Options{})

	h.enqueue(t, models.OpUpdate, models.EntityTask, "t1", `{"title":"a"}`)
	h.enqueue(t, models.OpUpdate, models.EntityTask, "t1", `{"title":"b"}`)
	h.enqueue(t, models.OpRename, models.EntityNote, "n1", `{"name":"a"}`)
	h.enqueue(t, models.OpRename, models.EntityNote, "n1", `{"name":"b"}`)
	h.enqueue(t, models.OpUpdate, models.EntityNote, "n2", `{"content":"a"}`)

	ops, err := h.q.List()
	require.NoError(t, err)
	assert.Len(t, ops, 5)
}

func TestEnqueue_CoalesceTypesConfigurable(t *testing.T) {
	h := newHarness(t, Options{CoalesceTypes: []models.EntityType{models.EntityTask}})

	h.enqueue(t, models.OpUpdate, models.EntityTask, "t1", `{"title":"a"}`)
	h.enqueue(t, models.OpUpdate, models.EntityTask, "t1", `{"title":"b"}`)
	h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"a"}`)
	h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"b"}`)

	ops, err := h.q.List()
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func TestEnqueue_CoalescingRevivesFailedUpdate(t *testing.T) {
	h := newHarness(t, Options{})

	op := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"one"}`)
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(apperrors.ErrRejected)

	_, err := h.q.Drain(context.Background())
	require.NoError(t, err)

	failed, err := h.q.Get(op.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, failed.Status)

	revived := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"two"}`)
	assert.Equal(t, op.ID, revived.ID)
	assert.Equal(t, models.StatusPending, revived.Status)
	assert.Zero(t, revived.Attempts)
	assert.Empty(t, revived.LastError)
}

func TestEnqueue_DoesNotCoalesceIntoConflict(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.state.Set("note:n1", models.EntityNote,
		[]byte(`{"id":"n1","name":"a","path":"a.md","modified":"2024-04-01T00:00:00Z"}`), nil))

	first := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"mine-1"}`)

	serverState := json.RawMessage(`{"id":"n1","name":"a","path":"a.md","modified":"2024-04-03T00:00:00Z","content":"theirs"}`)
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, got models.PendingOperation) error {
			return &conflict.Error{Conflict: conflict.NewDetector().Check(got, serverState)}
		})

	_, err := h.q.Drain(context.Background())
	require.NoError(t, err)

	second := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"mine-2"}`)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, h.events[len(h.events)-1].Coalesced)
	assert.JSONEq(t, `{"modified":"2024-04-01T00:00:00Z","name":"a","path":"a.md"}`, string(second.ServerSnapshot),
		"the new edit is still checked against the state the user saw")

	held, err := h.q.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, held.Status)
	require.NotNil(t, held.Conflict, "only retry or discard resolve a conflict")
	assert.JSONEq(t, `{"content":"mine-1"}`, string(held.Payload))

	// The new edit replays against the same stale snapshot and conflicts too.
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, got models.PendingOperation) error {
			assert.Equal(t, second.ID, got.ID)
			c := conflict.NewDetector().Check(got, serverState)
			require.NotNil(t, c)
			return &conflict.Error{Conflict: c}
		})

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1}, res)

	summary, err := h.q.Summary()
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 2, Conflicts: 2}, summary)
}

// --- Drain ---

func TestDrain_ExecutesInOrder(t *testing.T) {
	h := newHarness(t, Options{})

	a := h.enqueue(t, models.OpCreate, models.EntityNote, "n1", `{"name":"a"}`)
	b := h.enqueue(t, models.OpUpdate, models.EntityTask, "t1", `{"title":"b"}`)
	c := h.enqueue(t, models.OpDelete, models.EntityFile, "f1", "")

	var seen []string
	record := func(_ context.Context, op models.PendingOperation) error {
		assert.Equal(t, models.StatusInProgress, op.Status)
		assert.Equal(t, 1, op.Attempts)
		require.NotNil(t, op.LastAttemptAt)
		seen = append(seen, op.ID)
		return nil
	}
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(record).Times(3)

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Executed: 3}, res)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, seen)

	ops, err := h.q.List()
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Empty(t, h.sleeps.seconds())
}

func TestDrain_Empty(t *testing.T) {
	h := newHarness(t, Options{})

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
}

func TestDrain_TransientThenSuccess(t *testing.T) {
	h := newHarness(t, Options{})
	op := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"x"}`)

	gomock.InOrder(
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(transient("503")),
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(transient("503")),
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil),
	)

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 2, res.Retried)
	assert.Equal(t, []int{1, 2}, h.sleeps.seconds())

	_, err = h.q.Get(op.ID)
	assert.ErrorIs(t, err, apperrors.ErrOperationNotFound)
	assert.Equal(t, []EventKind{EventEnqueued, EventRetrying, EventRetrying, EventCompleted}, h.kinds())
}

func TestDrain_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Options{})
	op := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"x"}`)

	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(transient("connection refused")).Times(DefaultMaxAttempts)

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 4, res.Retried)
	assert.Equal(t, []int{1, 2, 4, 8}, h.sleeps.seconds())

	stored, err := h.q.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, DefaultMaxAttempts, stored.Attempts)
	assert.Equal(t, "connection refused", stored.LastError)
	assert.Nil(t, stored.Conflict)
}

func TestDrain_BackoffCapsAtSixteenSeconds(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 7})
	h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"x"}`)

	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(transient("timeout")).Times(7)

	_, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 8, 16, 16}, h.sleeps.seconds())
}

func TestDrain_UnclassifiedErrorIsRetried(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 2})
	h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"x"}`)

	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(errors.New("something odd")).Times(2)

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1, Retried: 1}, res)
}

func TestDrain_PermanentErrorsFailAtOnce(t *testing.T) {
	for _, execErr := range []error{
		apperrors.ErrRejected,
		apperrors.ErrInvalidPayload,
		apperrors.ErrNoExecutor,
		apperrors.ErrNotFound,
	} {
		t.Run(execErr.Error(), func(t *testing.T) {
			h := newHarness(t, Options{})
			op := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"x"}`)

			h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(execErr)

			res, err := h.q.Drain(context.Background())
			require.NoError(t, err)
			assert.Equal(t, DrainResult{Failed: 1}, res)
			assert.Empty(t, h.sleeps.seconds())

			stored, err := h.q.Get(op.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, stored.Status)
			assert.Equal(t, 1, stored.Attempts)
		})
	}
}

func TestDrain_ConflictFailsWithServerState(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.state.Set("note:n1", models.EntityNote,
		[]byte(`{"id":"n1","name":"a","path":"a.md","modified":"2024-04-01T00:00:00Z"}`), nil))

	op := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"mine"}`)
	other := h.enqueue(t, models.OpCreate, models.EntityTask, "t1", `{"title":"x"}`)

	serverState := json.RawMessage(`{"id":"n1","name":"a","path":"a.md","modified":"2024-04-03T00:00:00Z","content":"theirs"}`)

	gomock.InOrder(
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, got models.PendingOperation) error {
				c := conflict.NewDetector().Check(got, serverState)
				require.NotNil(t, c)
				return &conflict.Error{Conflict: c}
			}),
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil),
	)

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Executed: 1, Failed: 1}, res)
	assert.Empty(t, h.sleeps.seconds(), "conflicts are never retried")

	stored, err := h.q.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.Conflict)
	assert.JSONEq(t, string(serverState), string(stored.Conflict.ServerState))
	assert.JSONEq(t, `{"modified":"2024-04-03T00:00:00Z","name":"a","path":"a.md"}`, string(stored.ServerSnapshot))
	assert.Contains(t, stored.LastError, "conflict on note n1")

	_, err = h.q.Get(other.ID)
	assert.ErrorIs(t, err, apperrors.ErrOperationNotFound, "later operations still drain")
}

func TestDrain_SkipsBatchTypes(t *testing.T) {
	h := newHarness(t, Options{BatchTypes: []models.EntityType{models.EntityTask}})

	task := h.enqueue(t, models.OpCreate, models.EntityTask, "t1", `{"title":"x"}`)
	h.enqueue(t, models.OpCreate, models.EntityNote, "n1", `{"name":"x"}`)

	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, op models.PendingOperation) error {
			assert.Equal(t, models.EntityNote, op.EntityType)
			return nil
		})

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	stored, err := h.q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.True(t, h.q.IsBatchType(models.EntityTask))
}

func TestDrain_SingleInFlight(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, models.OpCreate, models.EntityNote, "n1", `{"name":"x"}`)

	started := make(chan struct{})
	release := make(chan struct{})

	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.PendingOperation) error {
			close(started)
			<-release
			return nil
		})

	done := make(chan DrainResult)
	go func() {
		res, _ := h.q.Drain(context.Background())
		done <- res
	}()

	<-started

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	batch, err := h.q.DrainBatch(context.Background(), models.EntityTask, func(context.Context, []models.PendingOperation) (BatchOutcome, error) {
		t.Fatal("batch submit must not run during a drain")
		return BatchOutcome{}, nil
	})
	require.NoError(t, err)
	assert.True(t, batch.Skipped)

	close(release)
	assert.Equal(t, 1, (<-done).Executed)
}

func TestDrain_CancelledDuringBackoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := NewMockExecutor(ctrl)
	s := testDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := New(s, exec, Options{
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	op, err := q.Enqueue(models.OpUpdate, models.EntityNote, "n1", json.RawMessage(`{"content":"x"}`))
	require.NoError(t, err)

	exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(transient("offline"))

	_, err = q.Drain(ctx)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := q.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestDrain_CancelledDuringExecution(t *testing.T) {
	h := newHarness(t, Options{})
	op := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"x"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ models.PendingOperation) error {
			cancel()
			return ctx.Err()
		})

	_, err := h.q.Drain(ctx)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := h.q.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts, "attempts never go down")
}

func TestDrain_BackoffWaitsOnTimers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		exec := NewMockExecutor(ctrl)
		s := testDB(t)

		q, err := New(s, exec, Options{})
		require.NoError(t, err)

		_, err = q.Enqueue(models.OpUpdate, models.EntityNote, "n1", json.RawMessage(`{"content":"x"}`))
		require.NoError(t, err)

		gomock.InOrder(
			exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(transient("503")),
			exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(transient("503")),
			exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(transient("503")),
			exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil),
		)

		start := time.Now()
		res, err := q.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Executed)
		assert.Equal(t, 7*time.Second, time.Since(start), "1s + 2s + 4s of backoff")
	})
}

func TestDrain_RebasesLaterOperations(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.state.Set("note:n1", models.EntityNote,
		[]byte(`{"id":"n1","name":"a","path":"a.md","modified":"2024-04-01T00:00:00Z"}`), nil))

	h.enqueue(t, models.OpRename, models.EntityNote, "n1", `{"name":"b"}`)
	h.enqueue(t, models.OpMove, models.EntityNote, "n1", `{"path":"x/b.md"}`)

	gomock.InOrder(
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
			func(context.Context, models.PendingOperation) error {
				// The executor caches the server's answer to the rename.
				return h.state.Set("note:n1", models.EntityNote,
					[]byte(`{"id":"n1","name":"b","path":"a.md","modified":"2024-04-05T00:00:00Z"}`), nil)
			}),
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, op models.PendingOperation) error {
				assert.JSONEq(t, `{"modified":"2024-04-05T00:00:00Z","name":"b","path":"a.md"}`, string(op.ServerSnapshot))
				return nil
			}),
	)

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Executed)
}

func TestNew_ResetsInterruptedOperations(t *testing.T) {
	s := testDB(t)
	ctrl := gomock.NewController(t)

	q, err := New(s, NewMockExecutor(ctrl), Options{})
	require.NoError(t, err)

	op, err := q.Enqueue(models.OpCreate, models.EntityNote, "n1", json.RawMessage(`{"name":"x"}`))
	require.NoError(t, err)

	_, err = s.UpdateOperation(op.ID, func(o *models.PendingOperation) error {
		o.Status = models.StatusInProgress
		return nil
	})
	require.NoError(t, err)

	q, err = New(s, NewMockExecutor(ctrl), Options{})
	require.NoError(t, err)

	stored, err := q.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

// --- DrainBatch ---

func TestDrainBatch_MapsOutcome(t *testing.T) {
	h := newHarness(t, Options{BatchTypes: []models.EntityType{models.EntityTask}})

	applied := h.enqueue(t, models.OpCreate, models.EntityTask, "t1", `{"title":"a"}`)
	conflicted := h.enqueue(t, models.OpUpdate, models.EntityTask, "t2", `{"title":"b"}`)
	ignored := h.enqueue(t, models.OpUpdate, models.EntityTask, "t3", `{"title":"c"}`)
	note := h.enqueue(t, models.OpCreate, models.EntityNote, "n1", `{"name":"n"}`)

	var submitted []string

	res, err := h.q.DrainBatch(context.Background(), models.EntityTask,
		func(_ context.Context, ops []models.PendingOperation) (BatchOutcome, error) {
			for _, op := range ops {
				assert.Equal(t, models.StatusInProgress, op.Status)
				submitted = append(submitted, op.ID)
			}
			return BatchOutcome{
				Applied: []string{applied.ID},
				Conflicts: map[string]RemoteConflict{
					conflicted.ID: {ServerState: json.RawMessage(`{"id":"t2","updated_at":"2024-05-02T00:00:00Z"}`), Reason: "stale"},
				},
			}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{applied.ID, conflicted.ID, ignored.ID}, submitted)
	assert.Equal(t, DrainResult{Executed: 1, Failed: 1, Retried: 1}, res)
	assert.Empty(t, h.sleeps.seconds(), "batch failures do not sleep")

	_, err = h.q.Get(applied.ID)
	assert.ErrorIs(t, err, apperrors.ErrOperationNotFound)

	c, err := h.q.Get(conflicted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, c.Status)
	require.NotNil(t, c.Conflict)
	assert.Equal(t, "stale", c.Conflict.Reason)
	assert.JSONEq(t, `{"updated_at":"2024-05-02T00:00:00Z"}`, string(c.ServerSnapshot))

	i, err := h.q.Get(ignored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, i.Status)
	assert.Equal(t, 1, i.Attempts)

	n, err := h.q.Get(note.ID)
	require.NoError(t, err)
	assert.Zero(t, n.Attempts, "other types are untouched")
}

func TestDrainBatch_SubmitErrorFollowsRetryPolicy(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 2})

	op := h.enqueue(t, models.OpCreate, models.EntityWebsite, "w1", `{"url":"https://a.example"}`)
	submit := func(context.Context, []models.PendingOperation) (BatchOutcome, error) {
		return BatchOutcome{}, transient("bad gateway")
	}

	res, err := h.q.DrainBatch(context.Background(), models.EntityWebsite, submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Retried: 1}, res)

	res, err = h.q.DrainBatch(context.Background(), models.EntityWebsite, submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1}, res)

	stored, err := h.q.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, "bad gateway", stored.LastError)
}

func TestDrainBatch_NothingPending(t *testing.T) {
	h := newHarness(t, Options{})

	res, err := h.q.DrainBatch(context.Background(), models.EntityTask, func(context.Context, []models.PendingOperation) (BatchOutcome, error) {
		t.Fatal("submit called with no operations")
		return BatchOutcome{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
}

// --- DrainInOrder ---

// batchRecorder is a BatchFunc that records submissions and applies
// every operation unless told otherwise.
type batchRecorder struct {
	log    *[]string
	reject bool
}

func (b batchRecorder) submit(_ context.Context, ops []models.PendingOperation) (BatchOutcome, error) {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.EntityID
	}
	*b.log = append(*b.log, "batch:"+strings.Join(ids, ","))

	if b.reject {
		return BatchOutcome{}, transient("bad gateway")
	}

	return BatchOutcome{Applied: opIDs(ops)}, nil
}

func opIDs(ops []models.PendingOperation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func TestDrainInOrder_BatchesConsecutiveRuns(t *testing.T) {
	h := newHarness(t, Options{BatchTypes: []models.EntityType{models.EntityTask}})

	h.enqueue(t, models.OpCreate, models.EntityNote, "n1", `{"name":"a"}`)
	h.enqueue(t, models.OpCreate, models.EntityTask, "t1", `{"title":"a"}`)
	h.enqueue(t, models.OpCreate, models.EntityTask, "t2", `{"title":"b"}`)
	h.enqueue(t, models.OpCreate, models.EntityNote, "n2", `{"name":"b"}`)
	h.enqueue(t, models.OpCreate, models.EntityTask, "t3", `{"title":"c"}`)

	var calls []string

	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, op models.PendingOperation) error {
			calls = append(calls, "exec:"+op.EntityID)
			return nil
		}).Times(2)

	res, err := h.q.DrainInOrder(context.Background(), map[models.EntityType]BatchFunc{
		models.EntityTask: batchRecorder{log: &calls}.submit,
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Executed: 5}, res)
	assert.Equal(t, []string{"exec:n1", "batch:t1,t2", "exec:n2", "batch:t3"}, calls)

	n, err := h.q.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainInOrder_StopsBehindUnsentBatch(t *testing.T) {
	h := newHarness(t, Options{BatchTypes: []models.EntityType{models.EntityTask}})

	task := h.enqueue(t, models.OpCreate, models.EntityTask, "t1", `{"title":"a"}`)
	note := h.enqueue(t, models.OpCreate, models.EntityNote, "n1", `{"name":"a"}`)

	var calls []string

	res, err := h.q.DrainInOrder(context.Background(), map[models.EntityType]BatchFunc{
		models.EntityTask: batchRecorder{log: &calls, reject: true}.submit,
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Retried: 1}, res)
	assert.Equal(t, []string{"batch:t1"}, calls)
	assert.Empty(t, h.sleeps.seconds())

	stored, err := h.q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	waiting, err := h.q.Get(note.ID)
	require.NoError(t, err)
	assert.Zero(t, waiting.Attempts, "nothing overtakes the unsent task")
}

func TestDrainInOrder_BatchTypeWithoutSubmitterRunsOneByOne(t *testing.T) {
	h := newHarness(t, Options{BatchTypes: []models.EntityType{models.EntityNote}})

	op := h.enqueue(t, models.OpCreate, models.EntityNote, "n1", `{"name":"a"}`)
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil)

	res, err := h.q.DrainInOrder(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	_, err = h.q.Get(op.ID)
	assert.ErrorIs(t, err, apperrors.ErrOperationNotFound)
}

func TestDrainInOrder_SkipsFailedOperations(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 1, BatchTypes: []models.EntityType{models.EntityTask}})

	failed := h.enqueue(t, models.OpCreate, models.EntityNote, "n1", `{"name":"a"}`)
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(apperrors.ErrRejected)

	_, err := h.q.Drain(context.Background())
	require.NoError(t, err)

	h.enqueue(t, models.OpCreate, models.EntityTask, "t1", `{"title":"a"}`)

	var calls []string

	res, err := h.q.DrainInOrder(context.Background(), map[models.EntityType]BatchFunc{
		models.EntityTask: batchRecorder{log: &calls}.submit,
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Executed: 1}, res)
	assert.Equal(t, []string{"batch:t1"}, calls)

	stored, err := h.q.Get(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

// --- Retry / Discard ---

func TestRetry(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 1})
	op := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"x"}`)

	_, err := h.q.Retry(op.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFailed)

	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(transient("down"))
	_, err = h.q.Drain(context.Background())
	require.NoError(t, err)

	retried, err := h.q.Retry(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Equal(t, 1, retried.Attempts, "attempts are preserved")

	// One more attempt is granted even though the limit was reached.
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, got models.PendingOperation) error {
			assert.Equal(t, 2, got.Attempts)
			return nil
		})

	res, err := h.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	_, err = h.q.Retry("missing")
	assert.ErrorIs(t, err, apperrors.ErrOperationNotFound)
}

func TestRetry_ClearsConflict(t *testing.T) {
	h := newHarness(t, Options{})
	op := h.enqueue(t, models.OpUpdate, models.EntityNote, "n1", `{"content":"x"}`)

	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(&conflict.Error{Conflict: &models.Conflict{EntityID: "n1", EntityType: models.EntityNote, Reason: "changed"}})
	_, err := h.q.Drain(context.Background())
	require.NoError(t, err)

	retried, err := h.q.Retry(op.ID)
	require.NoError(t, err)
	assert.Nil(t, retried.Conflict)
}

func TestDiscard(t *testing.T) {
	h := newHarness(t, Options{})
	op := h.enqueue(t, models.OpDelete, models.EntityNote, "n1", "")

	require.NoError(t, h.q.Discard(op.ID))
	assert.ErrorIs(t, h.q.Discard(op.ID), apperrors.ErrOperationNotFound)
	assert.Equal(t, []EventKind{EventEnqueued, EventDiscarded}, h.kinds())
}

// --- Summary ---

func TestSummaryAndPendingCount(t *testing.T) {
	h := newHarness(t, Options{})

	h.enqueue(t, models.OpCreate, models.EntityNote, "n1", `{"name":"a"}`)
	h.enqueue(t, models.OpCreate, models.EntityNote, "n2", `{"name":"b"}`)
	h.enqueue(t, models.OpCreate, models.EntityNote, "n3", `{"name":"c"}`)

	gomock.InOrder(
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(apperrors.ErrRejected),
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(&conflict.Error{Conflict: &models.Conflict{Reason: "x"}}),
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil),
	)

	_, err := h.q.Drain(context.Background())
	require.NoError(t, err)

	h.enqueue(t, models.OpCreate, models.EntityNote, "n4", `{"name":"d"}`)

	s, err := h.q.Summary()
	require.NoError(t, err)
	assert.Equal(t, Summary{Pending: 1, Failed: 2, Conflicts: 1}, s)

	n, err := h.q.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
