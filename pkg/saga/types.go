package saga

import (
	"context"
	"fmt"
)

// Status tracks one saga chain's lifecycle.
type Status string

const (
	// StatusRunning means the chain has started and not yet finished.
	StatusRunning Status = "RUNNING"

	// StatusSucceeded means every action completed or the chain was
	// skipped as a no-op.
	StatusSucceeded Status = "SUCCEEDED"

	// StatusTerminal means an action failed fatally.
	StatusTerminal Status = "TERMINAL"

	// StatusCompensated means a fatal failure was followed by a
	// reverse walk of compensating actions.
	StatusCompensated Status = "COMPENSATED"
)

// Command is the immutable input to one action. Implementations are
// plain JSON-serializable structs discriminated by Kind.
type Command interface {
	Kind() string
}

// SkipCommand short-circuits a chain when the requested change is a
// no-op under current infrastructure state. The runner logs the reason
// and completes the saga without applying further actions.
type SkipCommand struct {
	Reason string `json:"reason"`
}

// KindSkip is the type discriminator of SkipCommand.
const KindSkip = "skip"

func (c *SkipCommand) Kind() string { return KindSkip }

// Result is one action's outcome. A nil Next terminates the chain.
// Events are side-effect log lines appended to the saga log.
type Result struct {
	Next   Command
	Events []string
}

// Action applies one command. The saga handle is for appending log
// lines; persistence is the runner's job.
type Action interface {
	Apply(ctx context.Context, cmd Command, s *Saga) (Result, error)
}

// CompensatingAction is implemented by actions that can roll back
// their side effect when a later action in the same chain fails.
type CompensatingAction interface {
	Action
	Compensate(ctx context.Context, cmd Command, s *Saga) error
}

// Saga is the durable per-chain log and cursor. It is owned by the
// Runner and persisted through the Repository after every completed
// action.
type Saga struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Sequence int    `json:"sequence"`

	// Log is the append-only human-readable history of the chain.
	Log []string `json:"log"`

	steps []step
}

// step records one completed action so a restarted chain can skip it
// and replay its stored next command.
type step struct {
	Seq         int    `json:"seq"`
	CommandKind string `json:"commandKind"`
	NextKind    string `json:"nextKind,omitempty"`
	NextPayload []byte `json:"nextPayload,omitempty"`
}

// NewSaga creates an empty saga for one chain instance.
func NewSaga(id, name string) *Saga {
	return &Saga{
		ID:     id,
		Name:   name,
		Status: StatusRunning,
		Log:    []string{},
	}
}

// Logf appends one formatted line to the saga log.
func (s *Saga) Logf(format string, args ...interface{}) {
	s.Log = append(s.Log, fmt.Sprintf(format, args...))
}

// Completed reports whether the action consuming the given command
// kind has already completed in this chain.
func (s *Saga) Completed(commandKind string) bool {
	for _, st := range s.steps {
		if st.CommandKind == commandKind {
			return true
		}
	}
	return false
}

// CompletedKinds returns the command kinds of completed actions in
// completion order.
func (s *Saga) CompletedKinds() []string {
	kinds := make([]string, len(s.steps))
	for i, st := range s.steps {
		kinds[i] = st.CommandKind
	}
	return kinds
}

func (s *Saga) recordStep(st step) {
	s.Sequence++
	st.Seq = s.Sequence
	s.steps = append(s.steps, st)
}

func (s *Saga) findStep(commandKind string) (step, bool) {
	for _, st := range s.steps {
		if st.CommandKind == commandKind {
			return st, true
		}
	}
	return step{}, false
}
