package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitConfig bounds request rates per client IP.
type RateLimitConfig struct {
	// RequestLimit is the maximum number of requests allowed in the window.
	RequestLimit int
	// WindowSize is the sliding window the limit applies to.
	WindowSize time.Duration
}

// RateLimit rejects clients above the configured rate with a JSON 429 and a
// Retry-After header. Keys are client IPs.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowSize,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(cfg.WindowSize.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
		}),
	)
}

// StatusRateLimit guards the privileged status endpoint, which runs several
// coordination-store queries per hit.
func StatusRateLimit() func(http.Handler) http.Handler {
	return RateLimit(RateLimitConfig{
		RequestLimit: 60,
		WindowSize:   time.Minute,
	})
}
