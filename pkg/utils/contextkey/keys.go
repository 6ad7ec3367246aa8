package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID   key = "trace_id"
	RequestID key = "request_id"
	TaskID    key = "task_id"
)

// String returns the field name used when the key's value is logged.
func (k key) String() string { return string(k) }
