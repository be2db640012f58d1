// Package storetest holds the behaviour every core.Store implementation must share.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

// Factory builds a fresh, empty store that reports writes to publish.
type Factory func(t *testing.T, publish func(models.Change)) core.Store

// Run executes the shared store suite against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore) })
	t.Run("MessagesOrdered", func(t *testing.T) { testMessagesOrdered(t, newStore) })
	t.Run("TerminalStatusSticky", func(t *testing.T) { testTerminalSticky(t, newStore) })
	t.Run("ClaimOnce", func(t *testing.T) { testClaimOnce(t, newStore) })
	t.Run("ResultAndCursor", func(t *testing.T) { testResultAndCursor(t, newStore) })
	t.Run("StaleRuns", func(t *testing.T) { testStaleRuns(t, newStore) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore) })
	t.Run("PublishesChanges", func(t *testing.T) { testPublishes(t, newStore) })
}

// Session returns an active session owned by userID.
func Session(userID string) *models.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          "untitled",
		Status:         models.SessionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
}

// TaskRun returns a queued run attached to sessionID.
func TaskRun(sessionID, runID string) *models.TaskRun {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.TaskRun{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		RunID:     runID,
		Status:    models.TaskQueued,
		Brief:     `{"objective":"x"}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testSessionLifecycle(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, nil)

	a := Session("u1")
	b := Session("u1")
	b.LastActivityAt = a.LastActivityAt.Add(time.Minute)
	other := Session("u2")
	for _, s := range []*models.Session{a, b, other} {
		require.NoError(t, st.CreateSession(ctx, s))
	}

	got, err := st.GetSession(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.UserID, got.UserID)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	list, err := st.ListSessionsByUser(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "most recent activity first")

	n, err := st.CountActiveSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a.Status = models.SessionArchived
	a.Title = "renamed"
	require.NoError(t, st.UpdateSession(ctx, a))

	list, err = st.ListSessionsByUser(ctx, "u1", false)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = st.ListSessionsByUser(ctx, "u1", true)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err = st.CountActiveSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	later := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, st.TouchSession(ctx, a.ID, later))
	got, err = st.GetSession(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.True(t, later.Equal(got.LastActivityAt))

	_, err = st.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, st.TouchSession(ctx, "missing", later), core.ErrNotFound)
	assert.ErrorIs(t, st.DeleteSession(ctx, "missing"), core.ErrNotFound)
}

func testMessagesOrdered(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, nil)

	s := Session("u1")
	require.NoError(t, st.CreateSession(ctx, s))

	at := time.Now().UTC().Truncate(time.Millisecond)
	ids := make([]string, 0, 4)
	for i, role := range []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleResearch} {
		m := &models.Message{
			ID:        uuid.NewString(),
			SessionID: s.ID,
			Role:      role,
			Content:   "m",
			CreatedAt: at,
		}
		if i == 3 {
			m.Metadata = models.Metadata{"run_id": "run_1", "is_final_result": true}
		}
		require.NoError(t, st.InsertMessage(ctx, m))
		ids = append(ids, m.ID)
	}

	msgs, err := st.ListMessages(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID, "equal timestamps keep insertion order")
	}
	assert.Equal(t, "run_1", msgs[3].Metadata.String("run_id"))
	assert.True(t, msgs[3].Metadata.Bool("is_final_result"))

	require.NoError(t, st.UpdateMessageContent(ctx, ids[1], "edited"))
	msgs, err = st.ListMessages(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", msgs[1].Content)
	assert.ErrorIs(t, st.UpdateMessageContent(ctx, "missing", "x"), core.ErrNotFound)

	empty, err := st.ListMessages(ctx, "no-such-session")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testTerminalSticky(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, nil)

	s := Session("u1")
	require.NoError(t, st.CreateSession(ctx, s))
	require.NoError(t, st.CreateTaskRun(ctx, TaskRun(s.ID, "run_sticky")))

	changed, err := st.UpdateTaskRunStatus(ctx, "run_sticky", models.TaskRunning)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = st.UpdateTaskRunStatus(ctx, "run_sticky", models.TaskRunning)
	require.NoError(t, err)
	assert.False(t, changed, "same status is not a change")

	changed, err = st.UpdateTaskRunStatus(ctx, "run_sticky", models.TaskCompleted)
	require.NoError(t, err)
	assert.True(t, changed)

	for _, s := range []models.TaskStatus{models.TaskRunning, models.TaskFailed, models.TaskQueued} {
		changed, err = st.UpdateTaskRunStatus(ctx, "run_sticky", s)
		require.NoError(t, err)
		assert.False(t, changed)
	}

	run, err := st.GetTaskRun(ctx, "run_sticky")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, run.Status)

	_, err = st.UpdateTaskRunStatus(ctx, "missing", models.TaskRunning)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testClaimOnce(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, nil)

	s := Session("u1")
	require.NoError(t, st.CreateSession(ctx, s))
	require.NoError(t, st.CreateTaskRun(ctx, TaskRun(s.ID, "run_claim")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimReconciliation(ctx, "run_claim", time.Now())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	run, err := st.GetTaskRun(ctx, "run_claim")
	require.NoError(t, err)
	require.NotNil(t, run.ReconciledAt)

	require.NoError(t, st.ReleaseReconciliation(ctx, "run_claim"))
	ok, err := st.ClaimReconciliation(ctx, "run_claim", time.Now())
	require.NoError(t, err)
	assert.True(t, ok, "released claim can be taken again")

	_, err = st.ClaimReconciliation(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testResultAndCursor(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, nil)

	s := Session("u1")
	require.NoError(t, st.CreateSession(ctx, s))
	require.NoError(t, st.CreateTaskRun(ctx, TaskRun(s.ID, "run_res")))

	require.NoError(t, st.UpdateTaskRunCursor(ctx, "run_res", "evt-7"))
	done := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, st.SaveTaskRunResult(ctx, "run_res", []byte(`{"summary":"ok"}`), done))

	run, err := st.GetTaskRun(ctx, "run_res")
	require.NoError(t, err)
	assert.Equal(t, "evt-7", run.LastEventID)
	assert.JSONEq(t, `{"summary":"ok"}`, string(run.Result))
	require.NotNil(t, run.CompletedAt)
	assert.True(t, done.Equal(*run.CompletedAt))
	assert.Nil(t, run.ReconciledAt)

	runs, err := st.ListTaskRunsBySession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	assert.ErrorIs(t, st.UpdateTaskRunCursor(ctx, "missing", "e"), core.ErrNotFound)
	assert.ErrorIs(t, st.SaveTaskRunResult(ctx, "missing", []byte(`{}`), done), core.ErrNotFound)
}

func testStaleRuns(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, nil)

	s := Session("u1")
	require.NoError(t, st.CreateSession(ctx, s))

	old := TaskRun(s.ID, "run_old")
	old.CreatedAt = old.CreatedAt.Add(-3 * time.Hour)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, st.CreateTaskRun(ctx, old))

	finished := TaskRun(s.ID, "run_done")
	finished.CreatedAt = finished.CreatedAt.Add(-3 * time.Hour)
	finished.UpdatedAt = finished.CreatedAt
	finished.Status = models.TaskCompleted
	require.NoError(t, st.CreateTaskRun(ctx, finished))

	require.NoError(t, st.CreateTaskRun(ctx, TaskRun(s.ID, "run_fresh")))

	stale, err := st.ListStaleTaskRuns(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "run_old", stale[0].RunID)
}

func testDeleteCascades(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, nil)

	s := Session("u1")
	require.NoError(t, st.CreateSession(ctx, s))
	require.NoError(t, st.InsertMessage(ctx, &models.Message{
		ID: uuid.NewString(), SessionID: s.ID, Role: models.RoleUser, Content: "hi", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.CreateTaskRun(ctx, TaskRun(s.ID, "run_cascade")))

	require.NoError(t, st.DeleteSession(ctx, s.ID))

	_, err := st.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = st.GetTaskRun(ctx, "run_cascade")
	assert.ErrorIs(t, err, core.ErrNotFound)
	msgs, err := st.ListMessages(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testPublishes(t *testing.T, newStore Factory) {
	ctx := context.Background()

	var mu sync.Mutex
	var got []models.Change
	st := newStore(t, func(c models.Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	s := Session("u1")
	require.NoError(t, st.CreateSession(ctx, s))
	require.NoError(t, st.InsertMessage(ctx, &models.Message{
		ID: uuid.NewString(), SessionID: s.ID, Role: models.RoleAssistant, Content: "hi", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.CreateTaskRun(ctx, TaskRun(s.ID, "run_pub")))
	_, err := st.UpdateTaskRunStatus(ctx, "run_pub", models.TaskRunning)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4)
	assert.Equal(t, models.TableSessions, got[0].Table)
	assert.Equal(t, models.TableMessages, got[1].Table)
	assert.Equal(t, models.RoleAssistant, got[1].Role)
	assert.Equal(t, models.TableTaskRuns, got[2].Table)
	assert.Equal(t, models.OpInsert, got[2].Op)
	assert.Equal(t, models.OpUpdate, got[3].Op)
	assert.Equal(t, models.TaskRunning, got[3].Status)
	assert.Equal(t, "run_pub", got[3].RunID)
	for _, c := range got {
		assert.Equal(t, s.ID, c.SessionID)
	}
}
