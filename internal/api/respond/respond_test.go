package respond

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Sleuth/internal/core"
)

func TestErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{core.E(core.KindValidation, "op", errors.New("bad")), http.StatusBadRequest, "ValidationError"},
		{core.E(core.KindUnauthorized, "op", errors.New("sig")), http.StatusUnauthorized, "UnauthorizedError"},
		{core.E(core.KindNotFound, "op", core.ErrNotFound), http.StatusNotFound, "NotFoundError"},
		{core.E(core.KindProvider, "op", errors.New("502")), http.StatusBadGateway, "ProviderError"},
		{core.E(core.KindPersistence, "op", errors.New("disk")), http.StatusInternalServerError, "PersistenceError"},
		{core.E(core.KindConfiguration, "op", errors.New("key")), http.StatusInternalServerError, "ConfigurationError"},
		{core.ErrNotFound, http.StatusNotFound, "NotFoundError"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.kind)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.kind, body["type"])
		assert.NotEmpty(t, body["timestamp"])
		assert.NotEmpty(t, body["error"])
	}
}

func TestInternalErrorsAreMasked(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password=hunter2"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
