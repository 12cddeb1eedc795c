// Package log provides structured logging utilities.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// ContextWithRequestID stores the provided request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithComponentFromContext returns a component logger, preferring a logger
// carried by ctx over the process base logger.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	l := FromContext(ctx)
	return l.With().Str(FieldComponent, component).Logger()
}

// FromContext returns a logger from the context, or a new one if not present.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		l := Base()
		return &l
	}
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		// If no logger is in the context, return the base logger.
		b := Base()
		return &b
	}
	return l
}
