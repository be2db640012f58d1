package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/core/parallel"
	"github.com/markdave123-py/Sleuth/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingObserver struct {
	mu      sync.Mutex
	signals []Signal
}

func (o *recordingObserver) Observe(_ context.Context, sig Signal) (*Outcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signals = append(o.signals, sig)
	return &Outcome{RunID: sig.RunID, Status: sig.Status}, nil
}

func (o *recordingObserver) Signals() []Signal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Signal(nil), o.signals...)
}

const relayStream = "id: e1\nevent: task_run.progress_msg\ndata: {\"type\":\"task_run.progress_msg.exec_status\",\"message\":\"searching\"}\n\n" +
	": keepalive\n\n" +
	"id: e2\nevent: task_run.state\ndata: {\"type\":\"task_run.state\",\"run\":{\"run_id\":\"run_42\",\"status\":\"running\"}}\n\n" +
	"id: e3\nevent: task_run.state\ndata: {\"type\":\"task_run.state\",\"run\":{\"run_id\":\"run_42\",\"status\":\"completed\"}}\n\n"

func TestRelayCopiesStreamVerbatim(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_42")
	p := newFakeProvider()
	p.events = relayStream
	obs := &recordingObserver{}

	rec := httptest.NewRecorder()
	require.NoError(t, NewRelay(st, p, obs, nil).Stream(ctx, rec, "run_42", ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, relayStream, rec.Body.String())
	assert.True(t, rec.Flushed)

	run, err := st.GetTaskRun(ctx, "run_42")
	require.NoError(t, err)
	assert.Equal(t, "e3", run.LastEventID)

	sigs := obs.Signals()
	require.Len(t, sigs, 2)
	assert.Equal(t, Signal{RunID: "run_42", Status: models.TaskRunning, Source: SourceStream}, sigs[0])
	assert.Equal(t, Signal{RunID: "run_42", Status: models.TaskCompleted, Source: SourceStream}, sigs[1])
}

func TestRelayResumesFromStoredCursor(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_42")
	require.NoError(t, st.UpdateTaskRunCursor(ctx, "run_42", "e7"))
	p := newFakeProvider()
	relay := NewRelay(st, p, &recordingObserver{}, nil)

	require.NoError(t, relay.Stream(ctx, httptest.NewRecorder(), "run_42", ""))
	require.NoError(t, relay.Stream(ctx, httptest.NewRecorder(), "run_42", "e9"))
	assert.Equal(t, []string{"e7", "e9"}, p.cursors)
}

func TestRelayTerminalFrameReconciles(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_42")
	p := newFakeProvider()
	p.events = relayStream
	p.results["run_42"] = json.RawMessage(completedResult)
	r := NewReconciler(st, p, "", nil)

	require.NoError(t, NewRelay(st, p, r, nil).Stream(ctx, httptest.NewRecorder(), "run_42", ""))

	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, messagesByRole(msgs, models.RoleResearch), 1)

	out, err := r.HandleWebhook(ctx, http.Header{}, webhookBody("run_42", "completed"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate, "webhook after stream does not double post")
}

func TestRelayUnknownRun(t *testing.T) {
	st, _ := newStore(t)
	rec := httptest.NewRecorder()
	err := NewRelay(st, newFakeProvider(), &recordingObserver{}, nil).Stream(context.Background(), rec, "run_missing", "")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
	assert.Zero(t, rec.Body.Len(), "nothing written before the error")
}

func TestRelayOpenFailureSendsErrorFrame(t *testing.T) {
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_42")
	p := newFakeProvider()
	p.eventsErr = core.E(core.KindProvider, "test", errors.New("502"))

	rec := httptest.NewRecorder()
	require.NoError(t, NewRelay(st, p, &recordingObserver{}, nil).Stream(context.Background(), rec, "run_42", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(parallel.ErrorFrame("upstream event stream unavailable")), rec.Body.String())
}

type brokenProvider struct {
	*fakeProvider
}

type failingBody struct {
	r io.Reader
}

func (b *failingBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset")
	}
	return n, err
}

func (b *failingBody) Close() error { return nil }

func (p brokenProvider) OpenEvents(context.Context, string, string) (io.ReadCloser, http.Header, error) {
	return &failingBody{r: strings.NewReader("id: e1\ndata: {}\n\n")}, nil, nil
}

func TestRelayUpstreamFailureEndsWithErrorFrame(t *testing.T) {
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	seedRun(t, st, sess.ID, "run_42")

	rec := httptest.NewRecorder()
	require.NoError(t, NewRelay(st, brokenProvider{newFakeProvider()}, &recordingObserver{}, nil).Stream(context.Background(), rec, "run_42", ""))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "id: e1\ndata: {}\n\n"))
	assert.True(t, strings.HasSuffix(body, string(parallel.ErrorFrame("upstream event stream interrupted"))))
}
