package execution

import "fmt"

// NotFoundError reports a referenced execution that does not exist in any
// configured backend. It is never retried.
type NotFoundError struct {
	Type ExecutionType
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s execution found for %s", e.Type, e.ID)
}

// IllegalStateTransitionError reports a pause or resume attempted from a
// status that does not allow it.
type IllegalStateTransitionError struct {
	ID        string
	Current   Status
	Attempted Status
}

// Error implements the error interface.
func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("unable to transition execution %s to %s (current status: %s)",
		e.ID, e.Attempted, e.Current)
}

// SerializationError reports a persisted payload that could not be
// encoded or decoded. It is a data-integrity fault and is never retried.
type SerializationError struct {
	ExecutionID string
	StageID     string
	Err         error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	if e.StageID != "" {
		return fmt.Sprintf("failed serializing stage, executionId: %s, stageId: %s: %v",
			e.ExecutionID, e.StageID, e.Err)
	}
	return fmt.Sprintf("failed serializing execution, id: %s: %v", e.ExecutionID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SerializationError) Unwrap() error {
	return e.Err
}
