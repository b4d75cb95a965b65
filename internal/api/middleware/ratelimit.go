package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sanbao-ai/sanbao/backend/internal/logging"
	"github.com/sanbao-ai/sanbao/backend/internal/ratelimit"
)

// RateLimit enforces limit requests per window for each caller. Callers are
// keyed by their authenticated API key, falling back to the client IP.
// A limit of zero or less disables the middleware.
func RateLimit(l *ratelimit.Limiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.Allow(rateLimitKey(r), limit, window)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(unixCeil(res.ResetAt), 10))

			if !res.Allowed {
				retryAfter := int(math.Ceil(time.Until(res.ResetAt).Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				logging.FromContext(r.Context()).Debug().
					Str("path", r.URL.Path).Int("retry_after", retryAfter).Msg("Rate limit exceeded")

				h.Set("Content-Type", "application/json")
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":       "rate_limited",
					"message":     "Too many requests. Try again later.",
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// unixCeil rounds t up to whole unix seconds at millisecond precision.
func unixCeil(t time.Time) int64 {
	return (t.UnixMilli() + 999) / 1000
}

func rateLimitKey(r *http.Request) string {
	if key := APIKeyFromContext(r.Context()); key != "" {
		return "apikey:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
