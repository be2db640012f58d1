package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/core/parallel"
	"github.com/markdave123-py/Sleuth/internal/models"
)

func webhookBody(runID, status string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "task_run.status",
		"data": map[string]string{"run_id": runID, "status": status},
	})
	return b
}

func signed(secret string, body []byte) http.Header {
	h := http.Header{}
	h.Set(parallel.HeaderWebhookID, "wh_1")
	h.Set(parallel.HeaderWebhookTimestamp, "1700000000")
	h.Set(parallel.HeaderWebhookSignature, "v1,"+parallel.Sign(secret, "wh_1", "1700000000", body))
	return h
}

func TestCompletedWebhookReconcilesOnce(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_42")
	p := newFakeProvider()
	p.results["run_42"] = json.RawMessage(completedResult)
	r := NewReconciler(st, p, "", nil)

	body := []byte(`{"run_id":"run_42","status":"completed"}`)
	first, err := r.HandleWebhook(ctx, http.Header{}, body)
	require.NoError(t, err)
	assert.True(t, first.Reconciled)
	assert.False(t, first.Duplicate)

	second, err := r.HandleWebhook(ctx, http.Header{}, body)
	require.NoError(t, err)
	assert.False(t, second.Reconciled)
	assert.True(t, second.Duplicate)

	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	research := messagesByRole(msgs, models.RoleResearch)
	require.Len(t, research, 1)
	for _, want := range []string{"X", "1. a", "2. b", "1. s1", "Task ID: run_42"} {
		assert.Contains(t, research[0].Content, want)
	}
	assert.True(t, research[0].Metadata.Bool("is_final_result"))
	assert.Equal(t, "research_result", research[0].Metadata.String("kind"))
	assert.Equal(t, 1, p.ResultCalls())

	run, err := st.GetTaskRun(ctx, "run_42")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, run.Status)
	assert.JSONEq(t, completedResult, string(run.Result))
	assert.NotNil(t, run.CompletedAt)
	assert.NotNil(t, run.ReconciledAt)
}

func TestConcurrentSignalsReconcileOnce(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_race")
	p := newFakeProvider()
	p.results["run_race"] = json.RawMessage(completedResult)
	r := NewReconciler(st, p, "", nil)

	sources := []Source{SourceWebhook, SourceStream, SourcePoll, SourceWebhook, SourceStream, SourcePoll}
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Observe(ctx, Signal{RunID: "run_race", Status: models.TaskCompleted, Source: src})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, messagesByRole(msgs, models.RoleResearch), 1)
	assert.Equal(t, 1, p.ResultCalls())
}

func TestFailedWebhookWritesSystemMessageWithoutFetch(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_9")
	p := newFakeProvider()
	r := NewReconciler(st, p, "", nil)

	out, err := r.HandleWebhook(ctx, http.Header{}, webhookBody("run_9", "failed"))
	require.NoError(t, err)
	assert.True(t, out.Reconciled)
	assert.Equal(t, models.TaskFailed, out.Status)

	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.True(t, msgs[0].Metadata.Bool("error"))
	assert.Contains(t, msgs[0].Content, "failed")
	assert.Contains(t, msgs[0].Content, "run_9")
	assert.Zero(t, p.ResultCalls())
}

func TestCanceledWebhookSpelling(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_c")

	out, err := NewReconciler(st, newFakeProvider(), "", nil).HandleWebhook(ctx, http.Header{}, webhookBody("run_c", "cancelled"))
	require.NoError(t, err)
	assert.Equal(t, models.TaskCanceled, out.Status)
	assert.Contains(t, out.Message.Content, "canceled")
}

func TestTerminalStatusIsSticky(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_s")
	p := newFakeProvider()
	p.results["run_s"] = json.RawMessage(completedResult)
	r := NewReconciler(st, p, "", nil)

	_, err := r.Observe(ctx, Signal{RunID: "run_s", Status: models.TaskCompleted, Source: SourceStream})
	require.NoError(t, err)

	out, err := r.HandleWebhook(ctx, http.Header{}, webhookBody("run_s", "failed"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, models.TaskCompleted, out.Status)

	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Empty(t, messagesByRole(msgs, models.RoleSystem))
}

func TestRunningSignalOnlyUpdatesStatus(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_r")

	out, err := NewReconciler(st, newFakeProvider(), "", nil).HandleWebhook(ctx, http.Header{}, webhookBody("run_r", "running"))
	require.NoError(t, err)
	assert.False(t, out.Reconciled)
	assert.Equal(t, models.TaskRunning, out.Status)

	run, err := st.GetTaskRun(ctx, "run_r")
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, run.Status)
	assert.Nil(t, run.ReconciledAt)
}

func TestSignatureMismatchLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	st, changes := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_sig")
	before := changes.Len()
	r := NewReconciler(st, newFakeProvider(), "s3cret", nil)

	body := webhookBody("run_sig", "completed")
	_, err := r.HandleWebhook(ctx, signed("wrong-secret", body), body)
	require.Error(t, err)
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))
	assert.ErrorIs(t, err, parallel.ErrBadSignature)

	_, err = r.HandleWebhook(ctx, http.Header{}, body)
	assert.ErrorIs(t, err, parallel.ErrMissingSignature)

	assert.Equal(t, before, changes.Len())
	run, err := st.GetTaskRun(ctx, "run_sig")
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, run.Status)
	assert.Nil(t, run.ReconciledAt)
}

func TestValidSignatureAccepted(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_ok")

	body := webhookBody("run_ok", "running")
	out, err := NewReconciler(st, newFakeProvider(), "s3cret", nil).HandleWebhook(ctx, signed("s3cret", body), body)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, out.Status)
}

func TestMissingRunIDTouchesNothing(t *testing.T) {
	st, changes := newStore(t)
	seedSession(t, st, "u1")
	before := changes.Len()

	_, err := NewReconciler(st, newFakeProvider(), "", nil).HandleWebhook(context.Background(), http.Header{}, []byte(`{"status":"completed"}`))
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
	assert.Equal(t, before, changes.Len())
}

func TestUnknownRunIsNotFound(t *testing.T) {
	st, _ := newStore(t)
	_, err := NewReconciler(st, newFakeProvider(), "", nil).HandleWebhook(context.Background(), http.Header{}, webhookBody("run_nope", "completed"))
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestResultFetchFailureDegradesToSystemMessage(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_f")
	p := newFakeProvider()
	p.resultErr = errors.New("provider down")

	out, err := NewReconciler(st, p, "", nil).Observe(ctx, Signal{RunID: "run_f", Status: models.TaskCompleted, Source: SourceWebhook})
	require.NoError(t, err)
	assert.True(t, out.Reconciled)
	assert.Equal(t, models.RoleSystem, out.Message.Role)
	assert.True(t, out.Message.Metadata.Bool("error"))
	assert.Contains(t, out.Message.Content, "run_f")
}

func TestUndecodableResultDegradesToSystemMessage(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_u")
	p := newFakeProvider()
	p.results["run_u"] = json.RawMessage(`{"output":{"content":{"key_facts":["no summary"]}}}`)

	out, err := NewReconciler(st, p, "", nil).Observe(ctx, Signal{RunID: "run_u", Status: models.TaskCompleted, Source: SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, models.RoleSystem, out.Message.Role)

	run, err := st.GetTaskRun(ctx, "run_u")
	require.NoError(t, err)
	assert.NotEmpty(t, run.Result, "raw result is kept")
}

func TestInsertFailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	mem, _ := newStore(t)
	st := &flakyStore{Store: mem, failInserts: 1}
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_retry")
	p := newFakeProvider()
	p.results["run_retry"] = json.RawMessage(completedResult)
	r := NewReconciler(st, p, "", nil)

	body := webhookBody("run_retry", "completed")
	_, err := r.HandleWebhook(ctx, http.Header{}, body)
	require.Error(t, err)
	assert.Equal(t, core.KindPersistence, core.KindOf(err))

	run, err := st.GetTaskRun(ctx, "run_retry")
	require.NoError(t, err)
	assert.Nil(t, run.ReconciledAt, "claim released for redelivery")

	out, err := r.HandleWebhook(ctx, http.Header{}, body)
	require.NoError(t, err)
	assert.True(t, out.Reconciled)

	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, messagesByRole(msgs, models.RoleResearch), 1)
}

type recordingArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchive) Archive(_ context.Context, sessionID, runID string, raw []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, sessionID+"/"+runID)
	return "mem://" + runID, nil
}

func TestCompletedResultIsArchived(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_a")
	p := newFakeProvider()
	p.results["run_a"] = json.RawMessage(completedResult)
	arch := &recordingArchive{}

	out, err := NewReconciler(st, p, "", nil).WithArchive(arch).Observe(ctx, Signal{RunID: "run_a", Status: models.TaskCompleted, Source: SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID + "/run_a"}, arch.keys)
	assert.Equal(t, "mem://run_a", out.Message.Metadata.String("archive_url"))
}

func TestFormatResult(t *testing.T) {
	got := FormatResult(&models.ResearchResult{
		RunID:    "run_1",
		Summary:  "Summary text",
		KeyFacts: []string{"fact"},
		Sources:  []models.Source{{Title: "Doc", URL: "https://d"}},
	})
	assert.Equal(t, "Research complete\n\nSummary text\n\nKey facts:\n1. fact\n\nSources:\n1. Doc - https://d\n\nTask ID: run_1", got)
}

// interleavedStore runs beforeUpdate once, just before the next status
// update, to land a competing write between a signal's read and its update.
type interleavedStore struct {
	core.Store
	beforeUpdate func()
}

func (s *interleavedStore) UpdateTaskRunStatus(ctx context.Context, runID string, status models.TaskStatus) (bool, error) {
	if f := s.beforeUpdate; f != nil {
		s.beforeUpdate = nil
		f()
	}
	return s.Store.UpdateTaskRunStatus(ctx, runID, status)
}

func TestConflictingTerminalSignalsFollowStoredStatus(t *testing.T) {
	ctx := context.Background()
	mem, _ := newStore(t)
	sess := seedSession(t, mem, "u1")
	seedRun(t, mem, sess.ID, "run_x")
	p := newFakeProvider()
	p.results["run_x"] = json.RawMessage(completedResult)

	st := &interleavedStore{Store: mem}
	st.beforeUpdate = func() {
		// the completed signal's update lands after the failed signal read queued
		changed, err := mem.UpdateTaskRunStatus(ctx, "run_x", models.TaskCompleted)
		require.NoError(t, err)
		require.True(t, changed)
	}
	r := NewReconciler(st, p, "", nil)

	failed, err := r.Observe(ctx, Signal{RunID: "run_x", Status: models.TaskFailed, Source: SourceSweep})
	require.NoError(t, err)
	assert.True(t, failed.Reconciled)
	assert.Equal(t, models.TaskCompleted, failed.Status)

	completed, err := r.Observe(ctx, Signal{RunID: "run_x", Status: models.TaskCompleted, Source: SourceWebhook})
	require.NoError(t, err)
	assert.True(t, completed.Duplicate)
	assert.Equal(t, models.TaskCompleted, completed.Status)

	run, err := mem.GetTaskRun(ctx, "run_x")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, run.Status)
	assert.Equal(t, 1, p.ResultCalls())

	msgs, err := mem.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, messagesByRole(msgs, models.RoleSystem))
	research := messagesByRole(msgs, models.RoleResearch)
	require.Len(t, research, 1)
	assert.True(t, research[0].Metadata.Bool("is_final_result"))
}

func TestExpiryAfterCompletionReportsCompletion(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_late")
	p := newFakeProvider()
	p.results["run_late"] = json.RawMessage(completedResult)
	r := NewReconciler(st, p, "", nil)

	// completion is stored but its reconciliation never ran
	_, err := st.UpdateTaskRunStatus(ctx, "run_late", models.TaskCompleted)
	require.NoError(t, err)

	out, err := r.Observe(ctx, Signal{RunID: "run_late", Status: models.TaskExpired, Source: SourceSweep})
	require.NoError(t, err)
	assert.True(t, out.Reconciled)
	assert.Equal(t, models.TaskCompleted, out.Status)
	require.NotNil(t, out.Message)
	assert.Equal(t, models.RoleResearch, out.Message.Role)
	assert.Equal(t, 1, p.ResultCalls())
}
