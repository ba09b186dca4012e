package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken returns the dashboard token from the request. It checks, in
// order: Authorization: Bearer <token>, then the token query parameter (for
// browsers, which cannot set headers on a WebSocket upgrade).
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// tokenMatches compares in constant time. An empty token matches nothing.
func tokenMatches(candidate, expected string) bool {
	if expected == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1
}

// RequireToken rejects requests that do not carry token.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(ExtractToken(r), token) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
