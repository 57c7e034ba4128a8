package logger

// Standard field names for structured logging.
const (
	FieldSessionID  = "session_id"
	FieldEntity     = "entity"
	FieldTable      = "table"
	FieldCount      = "count"
	FieldDurationMS = "duration_ms"
	FieldDriver     = "driver"
	FieldPath       = "path"
	FieldKey        = "key"
	FieldError      = "error"
)
