package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
)

// HeaderRequestID carries the correlation id between client and server.
const HeaderRequestID = "X-Request-ID"

// RequestID tags every request with a unique id, honoring one supplied by
// the caller. The id is echoed in the response and stored in the request
// context for log correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
