package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
)

// Recoverer ensures that panics inside any downstream handler do not crash
// the process. The panic is logged with its stack and the client receives a
// 500 JSON body.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)

				logger := log.WithComponentFromContext(r.Context(), "panic-recovery")
				logger.Error().
					Str(log.FieldEvent, "panic.recovered").
					Str("method", r.Method).
					Str(log.FieldPath, r.URL.Path).
					Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
					Interface("panic_value", rec).
					Str("stack_trace", string(buf[:n])).
					Msg("panic recovered in HTTP handler")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "internal server error",
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
