package middleware

import (
	"net/http"
	"time"

	"github.com/sanbao-ai/sanbao/backend/internal/reqmetrics"
)

// Metrics records each request's duration under its route pattern.
func Metrics(rec *reqmetrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			rec.Observe(routePattern(r), time.Since(start))
		})
	}
}
