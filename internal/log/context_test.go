package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestContextWithRequestID(t *testing.T) {
	tests := []struct {
		name      string
		ctx       context.Context
		requestID string
		want      string
	}{
		{
			name:      "nil context",
			ctx:       nil,
			requestID: "test-id-123",
			want:      "test-id-123",
		},
		{
			name:      "background context",
			ctx:       context.Background(),
			requestID: "req-456",
			want:      "req-456",
		},
		{
			name:      "empty request ID",
			ctx:       context.Background(),
			requestID: "",
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithRequestID(tt.ctx, tt.requestID)
			got := RequestIDFromContext(ctx)
			if got != tt.want {
				t.Errorf("RequestIDFromContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestIDFromContextEmpty(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{
			name: "nil context",
			ctx:  nil,
			want: "",
		},
		{
			name: "context without request ID",
			ctx:  context.Background(),
			want: "",
		},
		{
			name: "context with wrong type",
			ctx:  context.WithValue(context.Background(), requestIDKey, 123),
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RequestIDFromContext(tt.ctx)
			if got != tt.want {
				t.Errorf("RequestIDFromContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithComponentFromContextPrefersContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctxLogger := zerolog.New(&buf)
	ctx := ctxLogger.WithContext(context.Background())

	logger := WithComponentFromContext(ctx, "worker")
	logger.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log output: %v", err)
	}
	if entry[FieldComponent] != "worker" {
		t.Errorf("component = %v, want worker", entry[FieldComponent])
	}
}

func TestWithComponentFromContextFallsBackToBase(t *testing.T) {
	logger := WithComponentFromContext(context.Background(), "api")
	if logger.GetLevel() > zerolog.PanicLevel {
		t.Error("expected a usable logger from the base fallback")
	}
}

func TestFromContextNil(t *testing.T) {
	//nolint:staticcheck // nil context is exactly the case under test
	l := FromContext(nil)
	if l == nil {
		t.Fatal("FromContext(nil) returned nil")
	}
}

func TestBase(t *testing.T) {
	baseLogger := Base()
	if baseLogger.GetLevel() > zerolog.PanicLevel {
		t.Error("expected valid base logger with reasonable log level")
	}
}
