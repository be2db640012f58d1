package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	middleware "github.com/markdave123-py/Sleuth/internal/api/middlewares"
	"github.com/markdave123-py/Sleuth/internal/core"
)

const maxBodyBytes = 1 << 20

// decodeJSON reads a single JSON document from the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	const op = "handlers.decodeJSON"
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return core.E(core.KindValidation, op, errors.New("request body is empty"))
		}
		return core.E(core.KindValidation, op, fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

// readBody returns the raw request body, capped at maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, core.E(core.KindValidation, "handlers.readBody", err)
	}
	return body, nil
}

func userFrom(r *http.Request) (string, error) {
	id, ok := middleware.UserID(r.Context())
	if !ok {
		return "", core.E(core.KindUnauthorized, "handlers.userFrom", errors.New("unauthorized"))
	}
	return id, nil
}
