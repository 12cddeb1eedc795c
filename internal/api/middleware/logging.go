package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
)

// Logging emits one entry per completed request. Probe endpoints log at
// debug so steady-state polling does not drown the stream.
func Logging(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			evt := logger.Info()
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				evt = logger.Debug()
			}
			evt.
				Str(log.FieldEvent, "http.request").
				Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
				Str("method", r.Method).
				Str(log.FieldPath, r.URL.Path).
				Int("status", rec.status).
				Int64(log.FieldBytes, rec.bytes).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

// responseRecorder captures the status code and body size as they pass
// through to the underlying writer.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
	wrote  bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}
