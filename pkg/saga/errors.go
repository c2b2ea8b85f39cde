package saga

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when no saga exists for an id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no saga found for %s", e.ID)
}

// RetryableError flags a transient action failure. The runner retries
// it with bounded attempts and backoff; any other error is fatal.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is flagged transient.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// UnknownCommandError is returned when a chain produces a command no
// action is registered for.
type UnknownCommandError struct {
	SagaID string
	Kind   string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("saga %s: no action registered for command %q", e.SagaID, e.Kind)
}
