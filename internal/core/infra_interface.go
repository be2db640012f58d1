package core

import (
	"context"
	"io"
	"time"

	"github.com/markdave123-py/Sleuth/internal/models"
)

// SessionStore persists conversations. Lookups of absent rows return ErrNotFound.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessionsByUser(ctx context.Context, userID string, includeArchived bool) ([]models.Session, error)
	CountActiveSessions(ctx context.Context, userID string) (int, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error
}

// MessageStore persists transcripts. ListMessages returns creation order.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]models.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
}

// TaskRunStore persists research dispatches keyed by provider run id.
type TaskRunStore interface {
	CreateTaskRun(ctx context.Context, run *models.TaskRun) error
	GetTaskRun(ctx context.Context, runID string) (*models.TaskRun, error)
	ListTaskRunsBySession(ctx context.Context, sessionID string) ([]models.TaskRun, error)
	// UpdateTaskRunStatus sets status unless the run is already terminal.
	// It reports whether the stored status changed.
	UpdateTaskRunStatus(ctx context.Context, runID string, status models.TaskStatus) (bool, error)
	UpdateTaskRunCursor(ctx context.Context, runID, lastEventID string) error
	SaveTaskRunResult(ctx context.Context, runID string, result []byte, completedAt time.Time) error
	// ClaimReconciliation marks the run reconciled if nobody has yet. Only the
	// caller that gets true may emit the outcome message.
	ClaimReconciliation(ctx context.Context, runID string, at time.Time) (bool, error)
	ReleaseReconciliation(ctx context.Context, runID string) error
	ListStaleTaskRuns(ctx context.Context, updatedBefore time.Time, limit int) ([]models.TaskRun, error)
}

// Store is the full system of record.
type Store interface {
	SessionStore
	MessageStore
	TaskRunStore
	Close() error
}

// ChangeFilter selects change-feed events. Empty fields match everything.
type ChangeFilter struct {
	SessionID string
	RunID     string
}

// Match reports whether c passes the filter.
func (f ChangeFilter) Match(c models.Change) bool {
	if f.SessionID != "" && c.SessionID != f.SessionID {
		return false
	}
	if f.RunID != "" && c.RunID != f.RunID {
		return false
	}
	return true
}

// ChangeFeed delivers row-level change notifications.
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter ChangeFilter) (<-chan models.Change, func())
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}
