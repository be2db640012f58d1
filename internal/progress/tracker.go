// Package progress follows one research run from the client side. It listens
// to the server-push relay and the change feed at the same time, and reads the
// stored run whenever the feed (re)connects; whichever reports a terminal
// status first completes the tracker.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/core/parallel"
	"github.com/markdave123-py/Sleuth/internal/models"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultExpected       = 10 * time.Minute
	defaultTick           = time.Second
	maxSyntheticPercent   = 95
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseTracking Phase = "tracking"
	PhaseDone     Phase = "done"
)

// Source names the signal that delivered an update.
type Source string

const (
	SourceStream Source = "stream"
	SourceFeed   Source = "feed"
	SourceClock  Source = "clock"
)

// State is a snapshot of what the tracker knows about a run.
type State struct {
	RunID       string            `json:"run_id,omitempty"`
	Phase       Phase             `json:"phase"`
	Status      models.TaskStatus `json:"status,omitempty"`
	Percent     int               `json:"percent"`
	Source      Source            `json:"source,omitempty"`
	LastEventID string            `json:"last_event_id,omitempty"`
}

type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8080.
	BaseURL string
	Token   string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	ReconnectDelay time.Duration
	Expected       time.Duration
	Tick           time.Duration

	// OnUpdate is called after every state change, never with the lock held.
	OnUpdate func(State)
	Logger   *zap.Logger
}

type Tracker struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	started   time.Time
	completed bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewTracker(cfg Config) *Tracker {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Expected <= 0 {
		cfg.Expected = DefaultExpected
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	done := make(chan struct{})
	close(done)
	return &Tracker{cfg: cfg, logger: logger, state: State{Phase: PhaseIdle}, done: done}
}

var ErrAlreadyTracking = errors.New("tracker is already following a run")

// Start begins following runID in sessionID. It returns immediately; use
// Done or OnUpdate to learn the outcome.
func (t *Tracker) Start(ctx context.Context, sessionID, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return ErrAlreadyTracking
	}
	ctx, cancel := context.WithCancel(ctx)
	t.ctx, t.cancel = ctx, cancel
	t.started = time.Now()
	t.completed = false
	t.state = State{RunID: runID, Phase: PhaseTracking, Status: models.TaskQueued}
	done := make(chan struct{})
	t.done = done
	snap := t.state
	t.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); t.followStream(ctx, runID) }()
	go func() { defer wg.Done(); t.followFeed(ctx, sessionID, runID) }()
	go func() { defer wg.Done(); t.runClock(ctx) }()
	go func() {
		wg.Wait()
		t.mu.Lock()
		if t.ctx == ctx {
			t.cancel = nil
		}
		t.mu.Unlock()
		cancel()
		close(done)
	}()

	t.notify(snap)
	return nil
}

// Cancel stops following the run and resets to idle. The provider task is
// left running.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.completed = false
	t.state = State{Phase: PhaseIdle}
	done := t.done
	snap := t.state
	t.mu.Unlock()

	<-done
	t.notify(snap)
}

// Done is closed once the tracker stops, by completion, Cancel or its parent
// context.
func (t *Tracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// State returns the current snapshot.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Percent is the synthetic progress after elapsed of an expected duration.
// It never reaches 100 on its own.
func Percent(elapsed, expected time.Duration) int {
	if elapsed <= 0 || expected <= 0 {
		return 0
	}
	return min(int(elapsed*100/expected), maxSyntheticPercent)
}

// update applies fn to the state of the run started with ctx. Updates from a
// stopped or superseded run are dropped.
func (t *Tracker) update(ctx context.Context, fn func(s *State) bool) bool {
	t.mu.Lock()
	if ctx.Err() != nil || t.ctx != ctx || t.completed {
		t.mu.Unlock()
		return false
	}
	if !fn(&t.state) {
		t.mu.Unlock()
		return false
	}
	if t.state.Status.Terminal() {
		t.completed = true
		t.state.Phase = PhaseDone
		t.state.Percent = 100
		t.cancel()
	}
	snap := t.state
	t.mu.Unlock()

	t.notify(snap)
	return true
}

func (t *Tracker) observe(ctx context.Context, status models.TaskStatus, src Source) {
	applied := t.update(ctx, func(s *State) bool {
		if status == "" || status == s.Status {
			return false
		}
		s.Status = status
		s.Source = src
		return true
	})
	if applied && status.Terminal() {
		t.logger.Debug("run reached terminal status", zap.String("status", string(status)), zap.String("source", string(src)))
	}
}

func (t *Tracker) notify(s State) {
	if t.cfg.OnUpdate != nil {
		t.cfg.OnUpdate(s)
	}
}

func (t *Tracker) runClock(ctx context.Context) {
	tick := time.NewTicker(t.cfg.Tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.mu.Lock()
			p := Percent(time.Since(t.started), t.cfg.Expected)
			t.mu.Unlock()
			t.update(ctx, func(s *State) bool {
				if p <= s.Percent {
					return false
				}
				s.Percent = p
				s.Source = SourceClock
				return true
			})
		}
	}
}

// reconnect runs once until ctx ends, waiting a fixed delay between attempts.
func (t *Tracker) reconnect(ctx context.Context, name string, once func(context.Context) error) {
	for {
		err := once(ctx)
		if ctx.Err() != nil {
			return
		}
		t.logger.Debug("progress signal dropped, reconnecting", zap.String("signal", name), zap.Error(err))

		timer := time.NewTimer(t.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *Tracker) followStream(ctx context.Context, runID string) {
	t.reconnect(ctx, string(SourceStream), func(ctx context.Context) error { return t.streamOnce(ctx, runID) })
}

func (t *Tracker) streamOnce(ctx context.Context, runID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+"/api/research-stream/"+url.PathEscape(runID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	if id := t.State().LastEventID; id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("research stream: status %d", resp.StatusCode)
	}

	var streamErr error
	err = parallel.ReadFrames(resp.Body, func(f parallel.Frame) {
		if f.ID != "" {
			t.update(ctx, func(s *State) bool {
				s.LastEventID = f.ID
				return true
			})
		}
		if f.Event == parallel.EventTypeError {
			streamErr = fmt.Errorf("research stream: %s", f.Data)
			return
		}
		if _, status, ok := parallel.StateOf(f); ok {
			t.observe(ctx, status, SourceStream)
		}
	})
	if err != nil {
		return err
	}
	if streamErr != nil {
		return streamErr
	}
	return errors.New("research stream closed")
}

func (t *Tracker) followFeed(ctx context.Context, sessionID, runID string) {
	t.reconnect(ctx, string(SourceFeed), func(ctx context.Context) error { return t.feedOnce(ctx, sessionID, runID) })
}

func (t *Tracker) feedOnce(ctx context.Context, sessionID, runID string) error {
	u, err := FeedURL(t.cfg.BaseURL, sessionID, runID, t.cfg.Token)
	if err != nil {
		return err
	}
	conn, _, err := t.cfg.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		t.syncStatus(ctx, runID)
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// changes published before this connection are only visible in the row
	t.syncStatus(ctx, runID)

	for {
		var c models.Change
		if err := conn.ReadJSON(&c); err != nil {
			return err
		}
		if c.Table != models.TableTaskRuns || c.RunID != runID {
			continue
		}
		t.observe(ctx, c.Status, SourceFeed)
	}
}

// syncStatus reads the stored run and applies its status. Failures are
// logged; the next reconnect tries again.
func (t *Tracker) syncStatus(ctx context.Context, runID string) {
	run, err := t.fetchRun(ctx, runID)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Debug("read task run failed", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}
	t.observe(ctx, run.Status, SourceFeed)
}

func (t *Tracker) fetchRun(ctx context.Context, runID string) (*models.TaskRun, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+"/api/task-runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task run: status %d", resp.StatusCode)
	}
	var run models.TaskRun
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&run); err != nil {
		return nil, fmt.Errorf("decode task run: %w", err)
	}
	return &run, nil
}

// FeedURL builds the change feed websocket address for a run.
func FeedURL(baseURL, sessionID, runID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/api/feed")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	q := u.Query()
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	q.Set("run_id", runID)
	if token != "" {
		q.Set("access_token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
