package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/trace"

	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

const (
	// DefaultMaxAttempts bounds retries of one transient-failing action.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the first retry delay; it doubles per
	// attempt up to DefaultBackoffCap.
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffCap  = 5 * time.Second
)

// RunnerConfig holds chain runner configuration.
type RunnerConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

type registration struct {
	action  Action
	factory func() Command
}

// Runner drives saga chains. Actions are registered by the command
// kind they consume; a chain is the transitive walk from an initial
// command through each action's returned next command.
type Runner struct {
	repo     *Repository
	registry map[string]registration
	cfg      RunnerConfig
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	events   *telemetry.EventPublisher
}

// NewRunner creates a chain runner. tracer and events may be nil.
func NewRunner(
	repo *Repository,
	cfg RunnerConfig,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	events *telemetry.EventPublisher,
) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	return &Runner{
		repo:     repo,
		registry: map[string]registration{},
		cfg:      cfg,
		logger:   logger.NewComponentLogger("saga-runner"),
		metrics:  metrics,
		tracer:   tracer,
		events:   events,
	}
}

// Register binds the action consuming the given command kind. factory
// produces an empty command of that kind for replaying stored steps.
func (r *Runner) Register(kind string, factory func() Command, action Action) {
	r.registry[kind] = registration{action: action, factory: factory}
}

type appliedStep struct {
	action Action
	cmd    Command
}

// Apply runs the chain starting from initial. Re-entering with the
// same saga id skips actions whose completion is already recorded and
// resumes at the first not-yet-completed one.
func (r *Runner) Apply(ctx context.Context, id, name string, initial Command) (*Saga, error) {
	s, err := r.load(ctx, id, name)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusSucceeded {
		return s, nil
	}
	s.Status = StatusRunning

	applied := []appliedStep{}
	cmd := initial

	for cmd != nil {
		if skip, ok := cmd.(*SkipCommand); ok {
			s.Logf("skipped: %s", skip.Reason)
			s.Status = StatusSucceeded
			return s, r.repo.Save(ctx, s)
		}

		kind := cmd.Kind()

		// Resume path: a recorded step means the action already ran.
		// Replay its stored next command to advance the cursor.
		if st, ok := s.findStep(kind); ok {
			reg, registered := r.registry[kind]
			if registered {
				applied = append(applied, appliedStep{action: reg.action, cmd: cmd})
			}
			if st.NextKind == "" {
				s.Status = StatusSucceeded
				return s, r.repo.Save(ctx, s)
			}
			if cmd, err = r.decodeCommand(st.NextKind, st.NextPayload); err != nil {
				return nil, fmt.Errorf("saga %s: %w", id, err)
			}
			continue
		}

		reg, ok := r.registry[kind]
		if !ok {
			return nil, r.fail(ctx, s, applied, &UnknownCommandError{SagaID: id, Kind: kind})
		}

		result, err := r.applyWithRetry(ctx, s, reg.action, cmd)
		if err != nil {
			return nil, r.fail(ctx, s, applied, err)
		}

		st := step{CommandKind: kind}
		if result.Next != nil {
			st.NextKind = result.Next.Kind()
			if st.NextPayload, err = json.Marshal(result.Next); err != nil {
				return nil, r.fail(ctx, s, applied,
					fmt.Errorf("failed to serialize next command %q: %w", st.NextKind, err))
			}
		}
		s.Log = append(s.Log, result.Events...)
		s.recordStep(st)

		if err := r.repo.Save(ctx, s); err != nil {
			return nil, err
		}
		applied = append(applied, appliedStep{action: reg.action, cmd: cmd})
		cmd = result.Next
	}

	s.Status = StatusSucceeded
	return s, r.repo.Save(ctx, s)
}

func (r *Runner) load(ctx context.Context, id, name string) (*Saga, error) {
	s, err := r.repo.Get(ctx, id)
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		s = NewSaga(id, name)
		if err := r.repo.Save(ctx, s); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Runner) applyWithRetry(ctx context.Context, s *Saga, action Action, cmd Command) (Result, error) {
	logger := r.logger.WithSagaID(s.ID).WithField("command", cmd.Kind())

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		spanCtx := ctx
		var end func(error)
		if r.tracer != nil {
			var span trace.Span
			spanCtx, span = r.tracer.StartSagaActionSpan(ctx, s.ID, cmd.Kind())
			end = func(err error) {
				if err != nil {
					telemetry.RecordError(span, err)
				} else {
					telemetry.RecordSuccess(span)
				}
				span.End()
			}
		}

		start := time.Now()
		result, err := action.Apply(spanCtx, cmd, s)
		duration := time.Since(start)

		if err == nil {
			r.metrics.RecordSagaActionApplied(s.Name, cmd.Kind(), "succeeded", duration)
			if r.events != nil {
				_ = r.events.PublishSagaActionApplied(s.ID, cmd.Kind(), duration)
			}
			if end != nil {
				end(nil)
			}
			return result, nil
		}
		if end != nil {
			end(err)
		}
		lastErr = err

		if !IsRetryable(err) {
			r.metrics.RecordSagaActionApplied(s.Name, cmd.Kind(), "failed", duration)
			return Result{}, err
		}

		r.metrics.RecordSagaActionApplied(s.Name, cmd.Kind(), "retried", duration)
		r.metrics.RecordSagaRetry(s.Name, cmd.Kind())
		logger.WithError(err).Warnf("transient failure, attempt %d/%d", attempt, r.cfg.MaxAttempts)

		if attempt < r.cfg.MaxAttempts {
			if err := sleepContext(ctx, r.backoff(attempt)); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{}, lastErr
}

// fail marks the saga terminal, walks completed actions in reverse
// invoking their compensation hooks, and re-raises the original error.
// Compensation failures are logged and swallowed.
func (r *Runner) fail(ctx context.Context, s *Saga, applied []appliedStep, cause error) error {
	logger := r.logger.WithSagaID(s.ID)
	s.Status = StatusTerminal
	s.Logf("failed: %v", cause)

	compensated := false
	for i := len(applied) - 1; i >= 0; i-- {
		comp, ok := applied[i].action.(CompensatingAction)
		if !ok {
			continue
		}
		compensated = true
		kind := applied[i].cmd.Kind()
		if err := comp.Compensate(ctx, applied[i].cmd, s); err != nil {
			logger.WithError(err).Errorf("compensation of %s failed", kind)
			r.metrics.RecordSagaCompensation(s.Name, "failed")
			s.Logf("compensation of %s failed: %v", kind, err)
			continue
		}
		r.metrics.RecordSagaCompensation(s.Name, "succeeded")
		s.Logf("compensated %s", kind)
	}
	if compensated {
		s.Status = StatusCompensated
		if r.events != nil {
			_ = r.events.PublishSagaCompensated(s.ID, "", cause.Error())
		}
	}

	if err := r.repo.Save(ctx, s); err != nil {
		logger.WithError(err).Error("failed to persist saga failure state")
	}
	return cause
}

func (r *Runner) decodeCommand(kind string, payload []byte) (Command, error) {
	if kind == KindSkip {
		cmd := &SkipCommand{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, cmd); err != nil {
				return nil, fmt.Errorf("failed to parse stored %q command: %w", kind, err)
			}
		}
		return cmd, nil
	}
	reg, ok := r.registry[kind]
	if !ok {
		return nil, fmt.Errorf("no action registered for stored command %q", kind)
	}
	cmd := reg.factory()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, cmd); err != nil {
			return nil, fmt.Errorf("failed to parse stored %q command: %w", kind, err)
		}
	}
	return cmd, nil
}

func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase << uint(attempt-1)
	if d > r.cfg.BackoffCap {
		return r.cfg.BackoffCap
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
