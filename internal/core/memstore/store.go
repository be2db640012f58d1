// Package memstore is an in-memory implementation of core.Store.
// It is NOT persistent and is only suitable for development / test mode.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

// Publisher receives a notification after every successful write.
type Publisher func(models.Change)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message
	runs     map[string]*models.TaskRun
	publish  Publisher
	closed   bool
}

func New(publish Publisher) *Store {
	if publish == nil {
		publish = func(models.Change) {}
	}
	return &Store{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
		runs:     make(map[string]*models.TaskRun),
		publish:  publish,
	}
}

var errClosed = errors.New("memory store is closed")

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sessions

func (s *Store) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	if _, exists := s.sessions[sess.ID]; exists {
		s.mu.Unlock()
		return errors.New("session already exists")
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.mu.Unlock()

	s.publish(models.Change{Table: models.TableSessions, Op: models.OpInsert, ID: sess.ID, SessionID: sess.ID, At: time.Now().UTC()})
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) ListSessionsByUser(_ context.Context, userID string, includeArchived bool) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Session{}
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if !includeArchived && sess.Status == models.SessionArchived {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (s *Store) CountActiveSessions(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Status == models.SessionActive {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	if _, ok := s.sessions[sess.ID]; !ok {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.mu.Unlock()

	s.publish(models.Change{Table: models.TableSessions, Op: models.OpUpdate, ID: sess.ID, SessionID: sess.ID, At: time.Now().UTC()})
	return nil
}

func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return core.ErrNotFound
	}
	sess.LastActivityAt = at
	sess.UpdatedAt = at
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	for runID, run := range s.runs {
		if run.SessionID == id {
			delete(s.runs, runID)
		}
	}
	s.mu.Unlock()

	s.publish(models.Change{Table: models.TableSessions, Op: models.OpDelete, ID: id, SessionID: id, At: time.Now().UTC()})
	return nil
}

// Messages

func (s *Store) InsertMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	if _, ok := s.sessions[m.SessionID]; !ok {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	cp := *m
	cp.Metadata = cloneMetadata(m.Metadata)
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	s.mu.Unlock()

	s.publish(models.Change{Table: models.TableMessages, Op: models.OpInsert, ID: m.ID, SessionID: m.SessionID, Role: m.Role, At: time.Now().UTC()})
	return nil
}

func (s *Store) ListMessages(_ context.Context, sessionID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		cp.Metadata = cloneMetadata(m.Metadata)
		out = append(out, cp)
	}
	// stable keeps insertion order for equal timestamps
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateMessageContent(_ context.Context, id, content string) error {
	s.mu.Lock()
	var found *models.Message
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == id {
				found = m
			}
		}
	}
	if found == nil {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	found.Content = content
	change := models.Change{Table: models.TableMessages, Op: models.OpUpdate, ID: id, SessionID: found.SessionID, Role: found.Role, At: time.Now().UTC()}
	s.mu.Unlock()

	s.publish(change)
	return nil
}

// Task runs

func (s *Store) CreateTaskRun(_ context.Context, run *models.TaskRun) error {
	s.mu.Lock()
	if _, ok := s.sessions[run.SessionID]; !ok {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	if _, exists := s.runs[run.RunID]; exists {
		s.mu.Unlock()
		return errors.New("task run already exists")
	}
	cp := *run
	s.runs[run.RunID] = &cp
	s.mu.Unlock()

	s.publishRun(models.OpInsert, &cp)
	return nil
}

func (s *Store) GetTaskRun(_ context.Context, runID string) (*models.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return copyRun(run), nil
}

func (s *Store) ListTaskRunsBySession(_ context.Context, sessionID string) ([]models.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.TaskRun{}
	for _, run := range s.runs {
		if run.SessionID == sessionID {
			out = append(out, *copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateTaskRunStatus(_ context.Context, runID string, status models.TaskStatus) (bool, error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return false, core.ErrNotFound
	}
	if run.Status.Terminal() || run.Status == status {
		s.mu.Unlock()
		return false, nil
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	cp := copyRun(run)
	s.mu.Unlock()

	s.publishRun(models.OpUpdate, cp)
	return true, nil
}

func (s *Store) UpdateTaskRunCursor(_ context.Context, runID, lastEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return core.ErrNotFound
	}
	run.LastEventID = lastEventID
	return nil
}

func (s *Store) SaveTaskRunResult(_ context.Context, runID string, result []byte, completedAt time.Time) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	run.Result = append(json.RawMessage(nil), result...)
	at := completedAt
	run.CompletedAt = &at
	run.UpdatedAt = time.Now().UTC()
	cp := copyRun(run)
	s.mu.Unlock()

	s.publishRun(models.OpUpdate, cp)
	return nil
}

func (s *Store) ClaimReconciliation(_ context.Context, runID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, core.ErrNotFound
	}
	if run.ReconciledAt != nil {
		return false, nil
	}
	t := at
	run.ReconciledAt = &t
	return true, nil
}

func (s *Store) ReleaseReconciliation(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return core.ErrNotFound
	}
	run.ReconciledAt = nil
	return nil
}

func (s *Store) ListStaleTaskRuns(_ context.Context, updatedBefore time.Time, limit int) ([]models.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.TaskRun{}
	for _, run := range s.runs {
		if run.Status.Terminal() || !run.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, *copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) publishRun(op string, run *models.TaskRun) {
	s.publish(models.Change{
		Table:     models.TableTaskRuns,
		Op:        op,
		ID:        run.ID,
		SessionID: run.SessionID,
		RunID:     run.RunID,
		Status:    run.Status,
		At:        time.Now().UTC(),
	})
}

func copyRun(run *models.TaskRun) *models.TaskRun {
	cp := *run
	if run.Result != nil {
		cp.Result = append(json.RawMessage(nil), run.Result...)
	}
	return &cp
}

func cloneMetadata(m models.Metadata) models.Metadata {
	if m == nil {
		return nil
	}
	out := make(models.Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ core.Store = (*Store)(nil)
