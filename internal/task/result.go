package task

import "time"

// Failure kinds recorded in ExecError.Kind.
const (
	FailTimeout        = "timeout"
	FailValidation     = "validation"
	FailInfrastructure = "infrastructure"
	FailStorage        = "storage"
	FailMissingOutput  = "missing_output"
	FailWorkerLost     = "worker_lost"
	FailRevoked        = "revoked"
	FailInternal       = "internal"
)

// ExecError is the structured failure description attached to a result when
// the pipeline (not the user program) failed.
type ExecError struct {
	Kind         string   `json:"kind"`
	Message      string   `json:"message"`
	MissingFiles []string `json:"missing_files,omitempty"`
}

// ExecutionResult captures one sandbox run. Written once by the executor
// pipeline, read-only thereafter. A non-zero ReturnCode with captured stderr
// is the expected representation of "your program failed" and still counts
// as orchestration SUCCESS; ReturnCode is nil only when the process was
// killed (timeout) and no reliable exit code exists.
type ExecutionResult struct {
	Stdout      string     `json:"stdout"`
	Stderr      string     `json:"stderr"`
	ReturnCode  *int       `json:"return_code"`
	OutputFiles []string   `json:"output_files"`
	Error       *ExecError `json:"error,omitempty"`
}

// StatusRecord is the durable per-task status stored by the lifecycle store.
// Owned exclusively by the worker pipeline; the API only reads it.
type StatusRecord struct {
	TaskID       string   `json:"task_id"`
	State        State    `json:"state"`
	AttemptCount int      `json:"attempt_count"`
	Language     Language `json:"language"`
	// DeclaredOutputs are the output names collected from the source at
	// submission, in first-appearance order. Download endpoints resolve
	// against this list.
	DeclaredOutputs []string         `json:"declared_outputs,omitempty"`
	Result          *ExecutionResult `json:"result,omitempty"`
	HeartbeatAt     time.Time        `json:"heartbeat_at"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}
