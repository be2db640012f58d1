package parallel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Sleuth/internal/core"
)

func TestCreateTaskSendsSpec(t *testing.T) {
	var seen map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tasks/runs", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("x-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"run_id":"run_42","status":"queued","is_active":true}`)
	}))
	defer server.Close()

	c := NewClient("key-1", WithBaseURL(server.URL+"/"))
	h, err := c.CreateTask(context.Background(), core.TaskSpec{
		Input:        "EV batteries",
		Processor:    "core",
		EnableEvents: true,
		WebhookURL:   "https://example.com/api/parallel-webhook",
		OutputSchema: OutputSchema,
	})
	require.NoError(t, err)
	assert.Equal(t, "run_42", h.RunID)
	assert.Equal(t, "queued", h.Status)

	assert.Equal(t, "EV batteries", seen["input"])
	assert.Equal(t, "core", seen["processor"])
	assert.Equal(t, true, seen["enable_events"])
	webhook := seen["webhook"].(map[string]any)
	assert.Equal(t, "https://example.com/api/parallel-webhook", webhook["url"])
	assert.Equal(t, []any{StatusEventType}, webhook["event_types"])
	spec := seen["task_spec"].(map[string]any)
	schema := spec["output_schema"].(map[string]any)
	assert.Equal(t, "json", schema["type"])
}

func TestCreateTaskFailureCauses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		cause  Cause
	}{
		{"non-2xx", http.StatusUnprocessableEntity, `{"error":"bad processor"}`, CauseStatus},
		{"missing run id", http.StatusOK, `{"status":"queued"}`, CauseMissingRunID},
		{"garbage body", http.StatusOK, `<html>`, CauseMissingRunID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer server.Close()

			_, err := NewClient("k", WithBaseURL(server.URL)).CreateTask(context.Background(), core.TaskSpec{Input: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.cause, CauseOf(err))
		})
	}
}

func TestCreateTaskNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient("k", WithBaseURL(url)).CreateTask(context.Background(), core.TaskSpec{Input: "x"})
	require.Error(t, err)
	assert.Equal(t, CauseNetwork, CauseOf(err))
}

func TestMissingAPIKeyIsConfigurationError(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer server.Close()

	_, err := NewClient("", WithBaseURL(server.URL)).GetRunStatus(context.Background(), "run_1")
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))
	assert.False(t, called, "no request without credentials")
}

func TestGetRunStatusAndResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tasks/runs/run_1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"run_id":"run_1","status":"running"}`)
	})
	mux.HandleFunc("/v1/tasks/runs/run_1/result", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"run":{"run_id":"run_1","status":"completed"},"output":{"type":"json","content":{"summary":"X"}}}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient("k", WithBaseURL(server.URL))
	status, err := c.GetRunStatus(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, "running", status)

	raw, err := c.GetResult(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"summary":"X"`)

	_, err = c.GetResult(context.Background(), "run_missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestGetResultProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient("k", WithBaseURL(server.URL)).GetResult(context.Background(), "run_1")
	assert.Equal(t, core.KindProvider, core.KindOf(err))
}

func TestOpenEventsPassesCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/tasks/runs/run_1/events", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "evt-3", r.Header.Get("Last-Event-ID"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "id: evt-4\ndata: {}\n\n")
	}))
	defer server.Close()

	body, h, err := NewClient("k", WithBaseURL(server.URL)).OpenEvents(context.Background(), "run_1", "evt-3")
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, "text/event-stream", h.Get("Content-Type"))

	b, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "id: evt-4\ndata: {}\n\n", string(b))
}
