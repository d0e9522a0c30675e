package middleware

import (
	"crypto/subtle"
	"net/http"
)

// MetricsToken returns middleware that validates the X-Service-Token header
// against token. Unlike the teacher's original use of this gate — which
// protected the entire API surface — here it is scoped narrowly to
// /metrics and /healthz/ready (spec.md names no authentication scheme for
// the public upload/download routes; there are no user accounts). If token
// is empty (dev mode), all requests are allowed through.
func MetricsToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			provided := r.Header.Get("X-Service-Token")
			// Constant-time compare to prevent timing attacks.
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`)) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
