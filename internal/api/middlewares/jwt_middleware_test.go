package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const secret = "test-secret"

func whoami(w http.ResponseWriter, r *http.Request) {
	id, _ := UserID(r.Context())
	_, _ = w.Write([]byte(id))
}

func TestJWTMiddlewareHeaderAndQuery(t *testing.T) {
	tok, err := IssueToken(secret, "u1", time.Hour)
	require.NoError(t, err)
	h := JWTMiddleware(secret)(http.HandlerFunc(whoami))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?access_token="+tok, nil))
	assert.Equal(t, "u1", rec.Body.String())
}

func TestJWTMiddlewareRejects(t *testing.T) {
	h := JWTMiddleware(secret)(http.HandlerFunc(whoami))

	expired, err := IssueToken(secret, "u1", -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueToken("other", "u1", time.Hour)
	require.NoError(t, err)
	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}).SignedString([]byte(secret))
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":   "",
		"malformed": "Bearer not-a-jwt",
		"expired":   "Bearer " + expired,
		"wrong key": "Bearer " + wrongKey,
		"no user":   "Bearer " + noUser,
		"basic":     "Basic dTE6cHc=",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
		assert.Contains(t, rec.Body.String(), "UnauthorizedError", name)
	}
}

func TestParseTokenAcceptsUserIDClaim(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "legacy"}).SignedString([]byte(secret))
	require.NoError(t, err)
	id, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, "legacy", id)
}

func TestJWTMiddlewareWithoutSecret(t *testing.T) {
	rec := httptest.NewRecorder()
	JWTMiddleware("")(http.HandlerFunc(whoami)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "ConfigurationError")
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/x", nil))

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/api/x", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
}
