// Package shield provides the HTTP protection middleware for the
// collector: three-tier rate limiting, body size limits and request
// latency recording.
//
// Usage:
//
//	r := chi.NewRouter()
//	limiter := shield.NewLimiter(shield.Limits{...})
//	limiter.OnBlocked = collectorCallback
//	r.Use(limiter.Middleware)
//	r.Use(shield.MaxBody(maxBytes))
//	r.Use(shield.RecordLatency(latencyCallback))
package shield

import (
	"net"
	"net/http"
	"strings"
)

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return strings.TrimSpace(xff[:i])
			}
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ProjectFromPath returns the project path segment of an ingestion URL
// (/api/{project}/...), or "" when the path has another shape.
func ProjectFromPath(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] != "" {
		return parts[1]
	}
	return ""
}
