// Package middlewares carries the HTTP middleware for the storefront API.
package middlewares

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is unexported so keys cannot collide with other packages.
type contextKey string

const sessionKey contextKey = "session"

// Session is the authenticated caller extracted from a session token.
// Tokens are issued by the identity service, outside this engine; here they
// are only verified.
type Session struct {
	Email string
	Name  string
}

// SessionFromContext returns the session attached by SessionAuth.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

// ContextWithSession attaches a session to ctx. Exported for handler tests.
func ContextWithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionAuth verifies the Bearer token in the Authorization header with the
// shared HS256 secret and attaches the resulting Session to the request
// context. Requests without a valid token get 401.
func SessionAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				unauthorized(w, "missing bearer token")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				unauthorized(w, "invalid session token")
				return
			}

			email, _ := claims["email"].(string)
			if email == "" {
				unauthorized(w, "session token has no email")
				return
			}
			name, _ := claims["name"].(string)

			ctx := ContextWithSession(r.Context(), Session{Email: email, Name: name})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":"unauthorized","message":%q}`, msg)
}
