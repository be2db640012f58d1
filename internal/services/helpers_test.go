package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/core/memstore"
	"github.com/markdave123-py/Sleuth/internal/core/storetest"
	"github.com/markdave123-py/Sleuth/internal/models"
)

// fakeProvider is an in-process research provider.
type fakeProvider struct {
	mu sync.Mutex

	runID     string
	createErr error
	specs     []core.TaskSpec

	results     map[string]json.RawMessage
	resultErr   error
	resultCalls int

	statuses  map[string]string
	statusErr error

	events    string
	eventsErr error
	cursors   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		runID:    "run_42",
		results:  map[string]json.RawMessage{},
		statuses: map[string]string{},
	}
}

func (p *fakeProvider) CreateTask(_ context.Context, spec core.TaskSpec) (*core.TaskHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.specs = append(p.specs, spec)
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &core.TaskHandle{RunID: p.runID, Status: "queued"}, nil
}

func (p *fakeProvider) GetRunStatus(_ context.Context, runID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return "", p.statusErr
	}
	s, ok := p.statuses[runID]
	if !ok {
		return "", core.ErrNotFound
	}
	return s, nil
}

func (p *fakeProvider) GetResult(_ context.Context, runID string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resultCalls++
	if p.resultErr != nil {
		return nil, p.resultErr
	}
	r, ok := p.results[runID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return r, nil
}

func (p *fakeProvider) OpenEvents(_ context.Context, _ string, lastEventID string) (io.ReadCloser, http.Header, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors = append(p.cursors, lastEventID)
	if p.eventsErr != nil {
		return nil, nil, p.eventsErr
	}
	return io.NopCloser(strings.NewReader(p.events)), http.Header{"Content-Type": {"text/event-stream"}}, nil
}

func (p *fakeProvider) ResultCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resultCalls
}

// changeLog records store writes.
type changeLog struct {
	mu      sync.Mutex
	changes []models.Change
}

func (l *changeLog) publish(c models.Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes)
}

func (l *changeLog) All() []models.Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Change(nil), l.changes...)
}

func newStore(t *testing.T) (*memstore.Store, *changeLog) {
	t.Helper()
	log := &changeLog{}
	return memstore.New(log.publish), log
}

func seedSession(t *testing.T, st core.Store, userID string) *models.Session {
	t.Helper()
	s := storetest.Session(userID)
	require.NoError(t, st.CreateSession(context.Background(), s))
	return s
}

func seedRun(t *testing.T, st core.Store, sessionID, runID string) *models.TaskRun {
	t.Helper()
	r := storetest.TaskRun(sessionID, runID)
	require.NoError(t, st.CreateTaskRun(context.Background(), r))
	return r
}

func messagesByRole(msgs []models.Message, role models.Role) []models.Message {
	var out []models.Message
	for _, m := range msgs {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// flakyStore fails the next failInserts message inserts.
type flakyStore struct {
	core.Store
	mu          sync.Mutex
	failInserts int
}

var errInjected = errors.New("injected insert failure")

func (f *flakyStore) InsertMessage(ctx context.Context, m *models.Message) error {
	f.mu.Lock()
	if f.failInserts > 0 {
		f.failInserts--
		f.mu.Unlock()
		return errInjected
	}
	f.mu.Unlock()
	return f.Store.InsertMessage(ctx, m)
}

const completedResult = `{"summary":"X","key_facts":["a","b"],"sources":["s1"]}`

const validBrief = `{"objective":"Compare EV battery chemistries","constraints":["last 2 years"],"target_sources":["peer reviewed"],"disallowed_sources":[],"timebox_minutes":15,"expected_output_fields":["summary","key_facts","sources"],"summary":"EV battery comparison"}`
