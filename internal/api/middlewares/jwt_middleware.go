package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markdave123-py/Sleuth/internal/api/respond"
	"github.com/markdave123-py/Sleuth/internal/core"
)

type ctxKey int

const userIDKey ctxKey = iota

var errNoToken = errors.New("missing or invalid token")

// UserID returns the authenticated user attached by JWTMiddleware.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// WithUserID attaches userID to ctx as if it had been authenticated.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// JWTMiddleware validates an HS256 token and attaches its user to the request
// context. The token comes from the Authorization header, or from the
// access_token query parameter for clients that cannot set headers
// (EventSource, websocket).
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				respond.Message(w, http.StatusInternalServerError, core.KindConfiguration, "JWT_SECRET not set")
				return
			}

			tokenStr := bearerToken(r)
			if tokenStr == "" {
				respond.Message(w, http.StatusUnauthorized, core.KindUnauthorized, errNoToken.Error())
				return
			}

			userID, err := ParseToken(secret, tokenStr)
			if err != nil {
				respond.Message(w, http.StatusUnauthorized, core.KindUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

// ParseToken verifies tokenStr and returns its user, taken from "sub" or
// "user_id".
func ParseToken(secret, tokenStr string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}

	if sub, _ := claims["sub"].(string); sub != "" {
		return sub, nil
	}
	if userID, _ := claims["user_id"].(string); userID != "" {
		return userID, nil
	}
	return "", errors.New("invalid token claims")
}

// IssueToken signs a token for userID that expires after ttl.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("JWT_SECRET not set")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     userID,
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
