package parallel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature headers")
	ErrBadSignature     = errors.New("webhook signature mismatch")
	ErrMissingRunID     = errors.New("webhook payload has no run_id")
)

// Sign computes the base64 HMAC-SHA256 of "{id}.{timestamp}.{body}".
func Sign(secret, id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks body against every space-separated candidate in the
// signature header. Candidates may carry a "v1," version prefix.
func VerifySignature(secret string, h http.Header, body []byte) error {
	const op = "parallel.VerifySignature"
	id := h.Get(HeaderWebhookID)
	ts := h.Get(HeaderWebhookTimestamp)
	sigs := h.Get(HeaderWebhookSignature)
	if id == "" || ts == "" || sigs == "" {
		return core.E(core.KindUnauthorized, op, ErrMissingSignature)
	}

	want := []byte(Sign(secret, id, ts, body))
	for _, cand := range strings.Fields(sigs) {
		if i := strings.IndexByte(cand, ','); i >= 0 {
			cand = cand[i+1:]
		}
		if hmac.Equal([]byte(cand), want) {
			return nil
		}
	}
	return core.E(core.KindUnauthorized, op, ErrBadSignature)
}

// WebhookEvent is the part of a status callback the reconciler needs.
type WebhookEvent struct {
	Type      string
	RunID     string
	RawStatus string
	Status    models.TaskStatus
}

type webhookRun struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type webhookBody struct {
	Type string `json:"type"`
	webhookRun
	Data *webhookRun `json:"data"`
}

// ParseWebhook reads run_id and status from the top level or from "data".
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	const op = "parallel.ParseWebhook"
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, core.Errorf(core.KindValidation, op, "invalid webhook json: %v", err)
	}

	run := b.webhookRun
	if b.Data != nil {
		if run.RunID == "" {
			run.RunID = b.Data.RunID
		}
		if run.Status == "" {
			run.Status = b.Data.Status
		}
	}
	run.RunID = strings.TrimSpace(run.RunID)
	if run.RunID == "" {
		return nil, core.E(core.KindValidation, op, ErrMissingRunID)
	}

	status, ok := NormalizeStatus(run.Status)
	if !ok {
		return nil, core.Errorf(core.KindValidation, op, "unknown status %q for run %s", run.Status, run.RunID)
	}
	return &WebhookEvent{Type: b.Type, RunID: run.RunID, RawStatus: run.Status, Status: status}, nil
}
