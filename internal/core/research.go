package core

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// TaskSpec is what the dispatcher submits to the research provider.
type TaskSpec struct {
	Input        string
	Processor    string
	EnableEvents bool
	WebhookURL   string
	OutputSchema json.RawMessage
}

// TaskHandle is the provider's acknowledgement of a created run.
type TaskHandle struct {
	RunID  string
	Status string
}

// ResearchProvider is the asynchronous task-run API.
type ResearchProvider interface {
	CreateTask(ctx context.Context, spec TaskSpec) (*TaskHandle, error)
	GetRunStatus(ctx context.Context, runID string) (string, error)
	GetResult(ctx context.Context, runID string) (json.RawMessage, error)
	// OpenEvents returns the raw server-push stream for a run. The caller closes the body.
	OpenEvents(ctx context.Context, runID, lastEventID string) (io.ReadCloser, http.Header, error)
}
