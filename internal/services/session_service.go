package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

const defaultSessionTitle = "New research chat"

// ArchiveRemover deletes archived copies of a run's result.
type ArchiveRemover interface {
	Remove(ctx context.Context, sessionID, runID string) error
}

type SessionService struct {
	transcript transcript
	maxActive  int
	archive    ArchiveRemover
}

// NewSessionService caps active sessions per user at maxActive; 0 means no cap.
func NewSessionService(store core.Store, maxActive int, logger *zap.Logger) *SessionService {
	return &SessionService{transcript: newTranscript(store, logger), maxActive: maxActive}
}

// WithArchive makes Delete also remove archived results.
func (s *SessionService) WithArchive(a ArchiveRemover) *SessionService {
	s.archive = a
	return s
}

func (s *SessionService) store() core.Store { return s.transcript.store }

func (s *SessionService) Create(ctx context.Context, userID, title string) (*models.Session, error) {
	const op = "services.CreateSession"
	if userID == "" {
		return nil, core.E(core.KindUnauthorized, op, errors.New("no user"))
	}
	if s.maxActive > 0 {
		n, err := s.store().CountActiveSessions(ctx, userID)
		if err != nil {
			return nil, core.E(core.KindPersistence, op, err)
		}
		if n >= s.maxActive {
			return nil, core.E(core.KindValidation, op, core.ErrSessionLimit)
		}
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultSessionTitle
	}
	now := s.transcript.now()
	sess := &models.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          title,
		Status:         models.SessionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.store().CreateSession(ctx, sess); err != nil {
		return nil, core.E(core.KindPersistence, op, err)
	}
	return sess, nil
}

// Get returns the session if userID owns it. Sessions owned by someone else
// are reported as not found.
func (s *SessionService) Get(ctx context.Context, userID, id string) (*models.Session, error) {
	const op = "services.GetSession"
	sess, err := s.store().GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.E(core.KindNotFound, op, err)
		}
		return nil, core.E(core.KindPersistence, op, err)
	}
	if sess.UserID != userID {
		return nil, core.E(core.KindNotFound, op, core.ErrNotFound)
	}
	return sess, nil
}

func (s *SessionService) List(ctx context.Context, userID string, includeArchived bool) ([]models.Session, error) {
	out, err := s.store().ListSessionsByUser(ctx, userID, includeArchived)
	if err != nil {
		return nil, core.E(core.KindPersistence, "services.ListSessions", err)
	}
	return out, nil
}

// SessionUpdate carries optional changes; nil fields are left alone.
type SessionUpdate struct {
	Title  *string               `json:"title"`
	Status *models.SessionStatus `json:"status"`
}

func (s *SessionService) Update(ctx context.Context, userID, id string, u SessionUpdate) (*models.Session, error) {
	const op = "services.UpdateSession"
	sess, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if u.Title != nil {
		t := strings.TrimSpace(*u.Title)
		if t == "" {
			return nil, core.E(core.KindValidation, op, errors.New("title is empty"))
		}
		sess.Title = t
	}
	if u.Status != nil {
		switch *u.Status {
		case models.SessionActive, models.SessionArchived:
			sess.Status = *u.Status
		default:
			return nil, core.Errorf(core.KindValidation, op, "unknown status %q", *u.Status)
		}
	}
	sess.UpdatedAt = s.transcript.now()

	if err := s.store().UpdateSession(ctx, sess); err != nil {
		return nil, core.E(core.KindPersistence, op, err)
	}
	return sess, nil
}

// Archive is the default removal path; the transcript stays readable.
func (s *SessionService) Archive(ctx context.Context, userID, id string) (*models.Session, error) {
	archived := models.SessionArchived
	return s.Update(ctx, userID, id, SessionUpdate{Status: &archived})
}

// Delete removes the session with its messages, task runs and archived
// results. Archive cleanup is best effort.
func (s *SessionService) Delete(ctx context.Context, userID, id string) error {
	const op = "services.DeleteSession"
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}

	var runs []models.TaskRun
	if s.archive != nil {
		var err error
		if runs, err = s.store().ListTaskRunsBySession(ctx, id); err != nil {
			return core.E(core.KindPersistence, op, err)
		}
	}
	if err := s.store().DeleteSession(ctx, id); err != nil {
		return core.E(core.KindPersistence, op, err)
	}

	for _, run := range runs {
		if run.Status != models.TaskCompleted {
			continue
		}
		if err := s.archive.Remove(ctx, id, run.RunID); err != nil {
			s.transcript.logger.Warn("remove archived result failed", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	return nil
}

func (s *SessionService) Messages(ctx context.Context, userID, id string) ([]models.Message, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	msgs, err := s.store().ListMessages(ctx, id)
	if err != nil {
		return nil, core.E(core.KindPersistence, "services.Messages", err)
	}
	return msgs, nil
}

// AddMessage stores a user message without routing it anywhere.
func (s *SessionService) AddMessage(ctx context.Context, userID, id, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, core.E(core.KindValidation, "services.AddMessage", errors.New("message is empty"))
	}
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.transcript.append(ctx, id, models.RoleUser, content, nil)
}

// TaskRun returns a run if it belongs to one of userID's sessions.
func (s *SessionService) TaskRun(ctx context.Context, userID, runID string) (*models.TaskRun, error) {
	const op = "services.TaskRun"
	run, err := s.store().GetTaskRun(ctx, runID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.E(core.KindNotFound, op, err)
		}
		return nil, core.E(core.KindPersistence, op, err)
	}
	if _, err := s.Get(ctx, userID, run.SessionID); err != nil {
		return nil, err
	}
	return run, nil
}
