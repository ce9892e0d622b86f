package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware rejects relay requests without the shared bearer token.
type AuthMiddleware struct {
	token []byte
}

// NewAuthMiddleware returns a middleware accepting token. An empty token
// rejects every request.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: []byte(token)}
}

// Wrap wraps an http.Handler with token checking. /healthz is always open.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractToken(r)
		if key == "" {
			http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
			return
		}
		if len(am.token) == 0 || subtle.ConstantTimeCompare([]byte(key), am.token) != 1 {
			http.Error(w, `{"error":"invalid token"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the access_token query parameter for websocket clients.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}
