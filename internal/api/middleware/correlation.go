package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/sanbao-ai/sanbao/backend/pkg/correlation"
)

type contextKey string

// Correlation assigns every request an ID. A well-formed X-Request-Id from
// the client is reused; otherwise a UUID is generated. The ID is echoed on
// the response and a logger carrying it is attached to the context.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlation.Header)
		if !correlation.Valid(id) {
			id = correlation.New()
		}
		w.Header().Set(correlation.Header, id)

		ctx := correlation.WithID(r.Context(), id)
		logger := log.With().Str("request_id", id).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
