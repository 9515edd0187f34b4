package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/templui/provenance/internal/ctxkeys"
)

const requestIDHeader = "X-Request-ID"

// RequestID tags every request with an id (the caller's, when it sent a valid one)
// and the client address used for per-IP accounting
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := ctxkeys.WithRequestID(r.Context(), id)
		ctx = ctxkeys.WithClientIP(ctx, clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
