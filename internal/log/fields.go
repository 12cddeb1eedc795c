package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldVideoID   = "video_id"
	FieldOffset    = "offset"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldProvider  = "provider"
	FieldPriority  = "priority"

	// Storage fields
	FieldPath  = "path"
	FieldBytes = "bytes"

	// Network fields
	FieldProxy = "proxy"
)
