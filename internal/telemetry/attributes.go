package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by generation spans.
const (
	VideoIDKey     = "video.id"
	VideoOffsetKey = "video.offset"
	VideoLiveKey   = "video.live"
	JobPriorityKey = "job.priority"
)

// JobAttributes describes one generation job on a span.
func JobAttributes(videoID string, offset float64, priority string, live bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(VideoIDKey, videoID),
		attribute.Float64(VideoOffsetKey, offset),
		attribute.String(JobPriorityKey, priority),
		attribute.Bool(VideoLiveKey, live),
	}
}
