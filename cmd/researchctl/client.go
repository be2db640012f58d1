package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/markdave123-py/Sleuth/internal/models"
	"github.com/markdave123-py/Sleuth/internal/services"
)

// apiClient is a thin JSON client for the Sleuth REST routes.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string, hc *http.Client) *apiClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &apiClient{base: strings.TrimRight(base, "/"), token: token, http: hc}
}

type apiError struct {
	Status int
	Type   string `json:"type"`
	Msg    string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Msg)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		e := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, e) != nil || e.Msg == "" {
			e.Msg = strings.TrimSpace(string(raw))
		}
		return e
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *apiClient) createSession(ctx context.Context, title string) (*models.Session, error) {
	var s models.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", map[string]string{"title": title}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *apiClient) send(ctx context.Context, sessionID, content string) (*services.SendResult, error) {
	var res services.SendResult
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/messages", map[string]string{"content": content}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *apiClient) messages(ctx context.Context, sessionID string) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *apiClient) taskRun(ctx context.Context, runID string) (*models.TaskRun, error) {
	var run models.TaskRun
	if err := c.do(ctx, http.MethodGet, "/api/task-runs/"+runID, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}
