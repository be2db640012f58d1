// Package parallel talks to the Parallel task-run research API.
package parallel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markdave123-py/Sleuth/internal/core"
)

const (
	DefaultBaseURL     = "https://api.parallel.ai"
	defaultHTTPTimeout = 60 * time.Second
	maxErrorBodyBytes  = 64 << 10

	// StatusEventType is the only webhook event this service subscribes to.
	StatusEventType = "task_run.status"
)

type Option func(*Client)

// Client is a thin HTTP client for the task-run endpoints.
type Client struct {
	apiKey  string
	baseURL string
	// http serves request/response calls; stream serves the long-lived event
	// stream and has no overall timeout.
	http   *http.Client
	stream *http.Client
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		stream:  &http.Client{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithHTTPClient replaces both the request and the streaming client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
			c.stream = client
		}
	}
}

type webhookSpec struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
}

type createRequest struct {
	Input        string          `json:"input"`
	Processor    string          `json:"processor"`
	EnableEvents bool            `json:"enable_events,omitempty"`
	Webhook      *webhookSpec    `json:"webhook,omitempty"`
	TaskSpec     *taskSpecOutput `json:"task_spec,omitempty"`
}

type taskSpecOutput struct {
	OutputSchema outputSchema `json:"output_schema"`
}

type outputSchema struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema"`
}

type runResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// CreateTask submits one task run. Failures are *DispatchError.
func (c *Client) CreateTask(ctx context.Context, spec core.TaskSpec) (*core.TaskHandle, error) {
	payload := createRequest{
		Input:        spec.Input,
		Processor:    spec.Processor,
		EnableEvents: spec.EnableEvents,
	}
	if spec.WebhookURL != "" {
		payload.Webhook = &webhookSpec{URL: spec.WebhookURL, EventTypes: []string{StatusEventType}}
	}
	if len(spec.OutputSchema) > 0 {
		payload.TaskSpec = &taskSpecOutput{OutputSchema: outputSchema{Type: "json", JSONSchema: spec.OutputSchema}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal task run: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/tasks/runs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DispatchError{Cause: CauseNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &DispatchError{Cause: CauseStatus, StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &DispatchError{Cause: CauseMissingRunID, StatusCode: resp.StatusCode, Err: err}
	}
	if strings.TrimSpace(out.RunID) == "" {
		return nil, &DispatchError{Cause: CauseMissingRunID, StatusCode: resp.StatusCode}
	}
	return &core.TaskHandle{RunID: out.RunID, Status: out.Status}, nil
}

// GetRunStatus returns the provider's raw status string for runID.
func (c *Client) GetRunStatus(ctx context.Context, runID string) (string, error) {
	const op = "parallel.GetRunStatus"
	b, err := c.getJSON(ctx, op, "/v1/tasks/runs/"+url.PathEscape(runID))
	if err != nil {
		return "", err
	}
	var out runResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return "", core.E(core.KindProvider, op, fmt.Errorf("decode run: %w", err))
	}
	return out.Status, nil
}

// GetResult returns the raw result document of a completed run.
func (c *Client) GetResult(ctx context.Context, runID string) (json.RawMessage, error) {
	return c.getJSON(ctx, "parallel.GetResult", "/v1/tasks/runs/"+url.PathEscape(runID)+"/result")
}

// OpenEvents opens the server-sent event stream for runID. The caller owns
// the returned body.
func (c *Client) OpenEvents(ctx context.Context, runID, lastEventID string) (io.ReadCloser, http.Header, error) {
	const op = "parallel.OpenEvents"
	req, err := c.newRequest(ctx, http.MethodGet, "/v1beta/tasks/runs/"+url.PathEscape(runID)+"/events", nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, nil, core.E(core.KindProvider, op, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, nil, core.E(core.KindNotFound, op, core.ErrNotFound)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, nil, core.Errorf(core.KindProvider, op, "events status=%d body=%q", resp.StatusCode, body)
	}
	return resp.Body, resp.Header, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.E(core.KindProvider, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, core.E(core.KindNotFound, op, core.ErrNotFound)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, core.Errorf(core.KindProvider, op, "status=%d body=%q", resp.StatusCode, readErrorBody(resp.Body))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.E(core.KindProvider, op, fmt.Errorf("read body: %w", err))
	}
	if !json.Valid(b) {
		return nil, core.Errorf(core.KindProvider, op, "response is not JSON")
	}
	return json.RawMessage(b), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.apiKey == "" {
		return nil, core.E(core.KindConfiguration, "parallel", errors.New("PARALLEL_API_KEY not set"))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	return req, nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	return strings.TrimSpace(string(b))
}

var _ core.ResearchProvider = (*Client)(nil)
