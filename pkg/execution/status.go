package execution

import "fmt"

// Status represents the state of an execution, stage, or task.
type Status string

const (
	// StatusNotStarted indicates the execution has not been started yet.
	StatusNotStarted Status = "NOT_STARTED"

	// StatusRunning indicates the execution is actively running.
	StatusRunning Status = "RUNNING"

	// StatusPaused indicates the execution was paused by an operator.
	StatusPaused Status = "PAUSED"

	// StatusSuspended indicates the execution is waiting on an external
	// condition, e.g. a manual judgment.
	StatusSuspended Status = "SUSPENDED"

	// StatusSucceeded indicates the execution finished successfully.
	StatusSucceeded Status = "SUCCEEDED"

	// StatusFailedContinue indicates a stage failed but the execution was
	// configured to continue past it.
	StatusFailedContinue Status = "FAILED_CONTINUE"

	// StatusTerminal indicates the execution failed and cannot proceed.
	StatusTerminal Status = "TERMINAL"

	// StatusCanceled indicates the execution was canceled before finishing.
	StatusCanceled Status = "CANCELED"

	// StatusRedirect indicates control jumped back to an earlier stage.
	StatusRedirect Status = "REDIRECT"

	// StatusStopped indicates the execution stopped early without failure.
	StatusStopped Status = "STOPPED"

	// StatusBuffered indicates the execution is queued behind a
	// concurrency limit and has not been started.
	StatusBuffered Status = "BUFFERED"

	// StatusSkipped indicates the stage was skipped.
	StatusSkipped Status = "SKIPPED"
)

// Complete returns true if the status is a final state.
func (s Status) Complete() bool {
	switch s {
	case StatusSucceeded, StatusFailedContinue, StatusTerminal,
		StatusCanceled, StatusStopped, StatusSkipped:
		return true
	default:
		return false
	}
}

// Successful returns true if the status is a final state that callers
// treat as a pass.
func (s Status) Successful() bool {
	switch s {
	case StatusSucceeded, StatusStopped, StatusSkipped, StatusFailedContinue:
		return true
	default:
		return false
	}
}

// ParseStatus converts a persisted status string back to a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	switch s {
	case StatusNotStarted, StatusRunning, StatusPaused, StatusSuspended,
		StatusSucceeded, StatusFailedContinue, StatusTerminal, StatusCanceled,
		StatusRedirect, StatusStopped, StatusBuffered, StatusSkipped:
		return s, nil
	default:
		return "", fmt.Errorf("invalid execution status: %q", raw)
	}
}
