package models

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a conversation.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser             Role = "user"
	RoleAssistant        Role = "assistant"
	RoleResearch         Role = "research"
	RoleResearchProgress Role = "research_progress"
	RoleSystem           Role = "system"
	RoleWebhook          Role = "webhook"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleResearch, RoleResearchProgress, RoleSystem, RoleWebhook:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a research task run.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
	// TaskExpired is set by the sweeper when no completion signal ever arrived.
	TaskExpired TaskStatus = "expired"
)

// Terminal reports whether no further transitions can happen from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled, TaskExpired:
		return true
	}
	return false
}

// TerminalStatuses lists every terminal status.
var TerminalStatuses = []TaskStatus{TaskCompleted, TaskFailed, TaskCanceled, TaskExpired}

// Session is a conversation container owned by one user.
type Session struct {
	ID             string        `db:"id" json:"id"`
	UserID         string        `db:"user_id" json:"user_id"`
	Title          string        `db:"title" json:"title"`
	Status         SessionStatus `db:"status" json:"status"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
	LastActivityAt time.Time     `db:"last_activity_at" json:"last_activity_at"`
}

// Metadata is the open-ended key/value document attached to a message.
type Metadata map[string]any

// Bool returns the boolean stored under key, false when absent.
func (m Metadata) Bool(key string) bool {
	v, _ := m[key].(bool)
	return v
}

// String returns the string stored under key, "" when absent.
func (m Metadata) String(key string) string {
	v, _ := m[key].(string)
	return v
}

// Message is one entry in a session transcript.
type Message struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Role      Role      `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	Metadata  Metadata  `db:"metadata" json:"metadata"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TaskRun tracks one research dispatch, keyed by the provider run id.
type TaskRun struct {
	ID           string          `db:"id" json:"id"`
	SessionID    string          `db:"session_id" json:"session_id"`
	RunID        string          `db:"run_id" json:"run_id"`
	Status       TaskStatus      `db:"status" json:"status"`
	LastEventID  string          `db:"last_event_id" json:"last_event_id,omitempty"`
	Brief        string          `db:"brief" json:"brief,omitempty"`
	Result       json.RawMessage `db:"result" json:"result,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	ReconciledAt *time.Time      `db:"reconciled_at" json:"reconciled_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Brief is the structured research objective produced from a conversation.
type Brief struct {
	Objective            string   `json:"objective"`
	Constraints          []string `json:"constraints"`
	TargetSources        []string `json:"target_sources"`
	DisallowedSources    []string `json:"disallowed_sources"`
	TimeboxMinutes       int      `json:"timebox_minutes"`
	ExpectedOutputFields []string `json:"expected_output_fields"`
	Summary              string   `json:"summary"`
}

// BriefFields are the keys every brief document must carry.
var BriefFields = []string{
	"objective",
	"constraints",
	"target_sources",
	"disallowed_sources",
	"timebox_minutes",
	"expected_output_fields",
	"summary",
}

// Source is a cited reference in a research result. Providers send either a
// bare string or an object.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

func (s *Source) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		s.URL = str
		return nil
	}
	type plain Source
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Source(p)
	return nil
}

// Label renders the source for display.
func (s Source) Label() string {
	switch {
	case s.Title != "" && s.URL != "":
		return s.Title + " - " + s.URL
	case s.Title != "":
		return s.Title
	default:
		return s.URL
	}
}

// ResearchResult is the decoded output of a completed task run.
type ResearchResult struct {
	RunID    string          `json:"run_id"`
	Status   TaskStatus      `json:"status"`
	Summary  string          `json:"summary"`
	KeyFacts []string        `json:"key_facts"`
	Sources  []Source        `json:"sources"`
	Raw      json.RawMessage `json:"-"`
}

// Change tables and operations published on the change feed.
const (
	TableSessions = "sessions"
	TableMessages = "messages"
	TableTaskRuns = "task_runs"

	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Change is one row-level notification on the change feed.
type Change struct {
	Table     string     `json:"table"`
	Op        string     `json:"op"`
	ID        string     `json:"id"`
	SessionID string     `json:"session_id,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	Status    TaskStatus `json:"status,omitempty"`
	Role      Role       `json:"role,omitempty"`
	At        time.Time  `json:"at"`
}
