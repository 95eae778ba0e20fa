// Package domain defines the error taxonomy and result types shared across
// the orchestrator's session, dispatcher, and HTTP layers.
package domain

import "fmt"

// Error taxonomy (sentinels). Callers use errors.Is/errors.As against these,
// never string matching.
var (
	// ErrInvalidArgument marks a malformed or failed-validation HTTP request.
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	// ErrConfig marks a fatal configuration validation failure.
	ErrConfig = fmt.Errorf("config error")
	// ErrQueueFull marks admission failure: the global queue is saturated.
	ErrQueueFull = fmt.Errorf("queue full")
	// ErrTimeout marks a task that exceeded the dispatcher's task_timeout_seconds.
	ErrTimeout = fmt.Errorf("task timeout")
	// ErrTaskBackend marks a task_command that exited non-zero.
	ErrTaskBackend = fmt.Errorf("task backend error")
	// ErrNoUsableAccount is internal to the router; never surfaced to callers.
	ErrNoUsableAccount = fmt.Errorf("no usable account")
	// ErrShutdown marks a task failed because the dispatcher is stopping.
	ErrShutdown = fmt.Errorf("dispatcher shutting down")
)

// TaskBackendError carries the account id, exit code, and stderr text of a
// failed task_command invocation.
type TaskBackendError struct {
	AccountID string
	ExitCode  int
	Stderr    string
}

func (e *TaskBackendError) Error() string {
	return fmt.Sprintf("task backend error: account=%s exit_code=%d stderr=%s", e.AccountID, e.ExitCode, e.Stderr)
}

func (e *TaskBackendError) Unwrap() error { return ErrTaskBackend }

// Result is the dictionary produced by a session's run_task, or returned to
// an HTTP caller. Keys are whatever the task backend's JSON output contains.
type Result = map[string]any
