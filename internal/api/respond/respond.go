// Package respond writes JSON responses and maps error kinds to HTTP status codes.
package respond

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/logging"
)

type errorBody struct {
	Error     string `json:"error"`
	Type      string `json:"type,omitempty"`
	Timestamp string `json:"timestamp"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// StatusOf maps an error kind to its response status.
func StatusOf(kind core.ErrorKind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err as {error, type, timestamp}. Internal failures are logged
// and their detail is not sent to the client.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status := StatusOf(kind)
	msg := err.Error()

	log := logging.FromContext(r.Context(), nil)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("type", string(kind)), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("type", string(kind)), zap.Error(err))
	}
	if kind == core.KindInternal {
		msg = "internal error"
	}

	JSON(w, status, errorBody{Error: msg, Type: string(kind), Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

// Message writes a plain error message with the given status.
func Message(w http.ResponseWriter, status int, kind core.ErrorKind, msg string) {
	JSON(w, status, errorBody{Error: msg, Type: string(kind), Timestamp: time.Now().UTC().Format(time.RFC3339)})
}
