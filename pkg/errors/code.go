package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Task lifecycle errors
// 12000-12999: Submission validation & placeholder errors
// 13000-13999: Sandbox & execution errors
// 14000-14999: Storage & output errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10004
	Timeout             ErrorCode = 10005

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Queue errors (10300-10399)
	QueueError        ErrorCode = 10300
	PublishFailed     ErrorCode = 10301
	ConsumeFailed     ErrorCode = 10302
	InvalidMessage    ErrorCode = 10303
	DeadLetterReached ErrorCode = 10304

	// ========== Task Lifecycle Errors (11000-11999) ==========

	TaskNotFound      ErrorCode = 11000
	TaskAlreadyExists ErrorCode = 11001
	TaskRevoked       ErrorCode = 11002
	StateConflict     ErrorCode = 11003
	AttemptsExhausted ErrorCode = 11004
	WorkerLost        ErrorCode = 11005

	// ========== Validation & Placeholder Errors (12000-12999) ==========

	// Submission validation (12000-12099)
	LanguageNotSupported ErrorCode = 12000
	EmptySource          ErrorCode = 12001
	TooManyInputFiles    ErrorCode = 12002
	TooManyOutputFiles   ErrorCode = 12003
	FileMismatch         ErrorCode = 12004
	InvalidFilename      ErrorCode = 12005

	// Placeholder protocol (12100-12199)
	PlaceholderRange  ErrorCode = 12100
	PlaceholderFormat ErrorCode = 12101

	// ========== Sandbox & Execution Errors (13000-13999) ==========

	ExecTimeout         ErrorCode = 13000
	InfrastructureError ErrorCode = 13001
	ExecutionFailed     ErrorCode = 13002
	ContainerKillFailed ErrorCode = 13003

	// ========== Storage & Output Errors (14000-14999) ==========

	StorageError  ErrorCode = 14000
	MissingOutput ErrorCode = 14001
	NoOutputs     ErrorCode = 14002
	MirrorError   ErrorCode = 14003
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	// Cache
	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	// Queue
	QueueError:        "Queue operation failed",
	PublishFailed:     "Failed to publish message",
	ConsumeFailed:     "Failed to consume message",
	InvalidMessage:    "Malformed queue message",
	DeadLetterReached: "Message moved to dead letter topic",

	// Task lifecycle
	TaskNotFound:      "Task not found",
	TaskAlreadyExists: "Task already exists",
	TaskRevoked:       "Task has been revoked",
	StateConflict:     "Task state transition conflict",
	AttemptsExhausted: "Maximum execution attempts exhausted",
	WorkerLost:        "Worker stopped reporting progress",

	// Submission validation
	LanguageNotSupported: "Programming language not supported",
	EmptySource:          "Source code is empty",
	TooManyInputFiles:    "Too many input files",
	TooManyOutputFiles:   "Too many output files",
	FileMismatch:         "Uploaded files do not match declared input files",
	InvalidFilename:      "Invalid file name",

	// Placeholder protocol
	PlaceholderRange:  "Input placeholder index out of range",
	PlaceholderFormat: "Malformed placeholder token",

	// Sandbox & execution
	ExecTimeout:         "Execution time exceeded",
	InfrastructureError: "Container runtime unavailable",
	ExecutionFailed:     "Execution failed",
	ContainerKillFailed: "Failed to terminate container",

	// Storage & outputs
	StorageError:  "Storage operation failed",
	MissingOutput: "Declared output files are missing",
	NoOutputs:     "Task produced no output files",
	MirrorError:   "Object storage mirror operation failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == TaskNotFound, c == NoOutputs, c == RecordNotFound, c == MissingOutput:
		return 404
	case c == StateConflict, c == TaskAlreadyExists:
		return 409
	case c >= 12000 && c < 13000: // validation and placeholder errors
		return 400
	case c == InvalidParams:
		return 400
	case c == ServiceUnavailable, c == InfrastructureError:
		return 503
	case c == Timeout, c == ExecTimeout:
		return 504
	default:
		return 500
	}
}
