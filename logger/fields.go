package logger

// Standard field names for consistent structured logging across caravel.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Components
	FieldComponent = "component"
	FieldProcessor = "processor"
	FieldStage     = "stage"

	// Operations
	FieldQuery  = "query"
	FieldMethod = "method"
	FieldPath   = "path"
	FieldURL    = "url"
	FieldHost   = "host"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size"
	FieldPage  = "page"

	// Files
	FieldFile     = "file"
	FieldChecksum = "checksum"
	FieldBag      = "bag"
)
