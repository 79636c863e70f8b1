// Package auth implements the manager's static-token authentication for
// the ingest API: a missing or wrong token on the X-API-Key header gets a
// 401. Simpler than a full API-key registry because only one
// operator-configured token is needed.
package auth

import (
	"crypto/subtle"
	"net/http"
)

// HeaderName is the header carrying the static token on every ingest call.
const HeaderName = "X-API-Key"

// Middleware rejects any request whose X-API-Key header does not match
// expectedKey with a constant-time comparison, returning 401 otherwise. An
// empty expectedKey disables auth entirely (local development only).
func Middleware(expectedKey string, next http.Handler) http.Handler {
	if expectedKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got := req.Header.Get(HeaderName)
		if subtle.ConstantTimeCompare([]byte(got), []byte(expectedKey)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}
