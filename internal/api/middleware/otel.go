package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OTelHTTP wraps the handler with OpenTelemetry HTTP instrumentation. Spans
// carry the request method and path; trace context from the caller is
// propagated automatically.
func OTelHTTP(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			serviceName,
			otelhttp.WithFilter(shouldTrace),
			otelhttp.WithSpanNameFormatter(spanName),
		)
	}
}

// shouldTrace drops health and metrics polling from the trace stream.
func shouldTrace(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return false
	}
	return true
}

func spanName(operation string, r *http.Request) string {
	return operation + " " + r.Method + " " + r.URL.Path
}
