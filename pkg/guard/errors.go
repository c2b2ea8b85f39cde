package guard

import "fmt"

// GuardViolation is the business rejection returned when an operation
// would drop capacity below the configured floor. The message is
// sufficient to reproduce the decision.
type GuardViolation struct {
	Message string
}

func (e *GuardViolation) Error() string {
	return e.Message
}

// PreconditionError reports a programming error in how the guard was
// invoked, such as mixing clusters or locations in one call. It is
// never a guarded business failure.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("capacity guard precondition failed: %s", e.Reason)
}
