package shield

import (
	"net/http"
	"time"
)

// RecordLatency returns middleware that times each request and reports
// the elapsed milliseconds to record. The callback must not block.
func RecordLatency(record func(endpoint string, ms int64)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			record(r.URL.Path, time.Since(start).Milliseconds())
		})
	}
}
