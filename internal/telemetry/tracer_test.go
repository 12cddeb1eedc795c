package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
)

func TestNewProviderDisabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), config.TelemetrySection{Enabled: false}, "thumbnail-test", "v0")
	require.NoError(t, err)
	assert.Nil(t, provider.tp)

	_, span := otel.Tracer("test").Start(context.Background(), "noop-check")
	assert.False(t, span.IsRecording(), "disabled telemetry must install a non-recording tracer")
	span.End()

	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), config.TelemetrySection{
		Enabled:  true,
		Exporter: "carrier-pigeon",
	}, "thumbnail-test", "v0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter type")
}

func TestJobAttributes(t *testing.T) {
	attrs := JobAttributes("jNQXAC9IVRw", 17.5, "high", true)
	require.Len(t, attrs, 4)

	got := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range attrs {
		got[kv.Key] = kv.Value
	}
	assert.Equal(t, "jNQXAC9IVRw", got[VideoIDKey].AsString())
	assert.Equal(t, 17.5, got[VideoOffsetKey].AsFloat64())
	assert.Equal(t, "high", got[JobPriorityKey].AsString())
	assert.True(t, got[VideoLiveKey].AsBool())
}
