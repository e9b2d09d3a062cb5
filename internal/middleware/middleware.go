package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"dostava/internal/audit"
	"dostava/internal/auth"
)

type contextKey struct{}

var claimsKey contextKey

// ClaimsFromContext returns the verified token claims stored by
// AuthMiddleware; ok is false on unauthenticated requests.
func ClaimsFromContext(ctx context.Context) (auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(auth.Claims)
	return claims, ok
}

// AuthMiddleware verifies the bearer token and stores the claims in the
// request context. Missing or invalid tokens end the request with 401.
func AuthMiddleware(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// LogMiddleware logs the request line and feeds the audit trail.
func LogMiddleware(trail *audit.WorkerPool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("[%s] %s", r.Method, r.URL.Path)
			if trail != nil {
				trail.Log(audit.Entry{
					Timestamp: time.Now().UTC(),
					Endpoint:  r.URL.Path,
					Request:   r.Method + " " + r.URL.String(),
					Message:   "request received",
				})
			}
			next.ServeHTTP(w, r)
		})
	}
}
