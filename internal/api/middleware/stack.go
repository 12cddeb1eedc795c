// Package middleware provides the HTTP ingress middleware stack for the API
// server.
package middleware

import (
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// StackConfig configures the canonical ingress middleware stack.
type StackConfig struct {
	// Logger receives one entry per completed request.
	Logger zerolog.Logger

	// TracingService names the OpenTelemetry server spans; empty disables
	// tracing entirely.
	TracingService string
}

// NewRouter constructs a chi router with the canonical middleware stack applied.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	Apply(r, cfg)
	return r
}

// Apply installs the canonical middleware stack on r.
func Apply(r chi.Router, cfg StackConfig) {
	// 1. Recoverer (outermost safety net)
	r.Use(Recoverer)
	// 2. RequestID (correlation early, so the recoverer can log it too on
	//    the next request)
	r.Use(RequestID)
	// 3. Tracing (spans wrap the handler, not the safety net)
	if cfg.TracingService != "" {
		r.Use(OTelHTTP(cfg.TracingService))
	}
	// 4. Logging (captures full handler latency)
	r.Use(Logging(cfg.Logger))
}
