package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/helmsman-cd/helmsman/pkg/stores"
	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

type provisionCommand struct {
	Group string `json:"group"`
}

func (c *provisionCommand) Kind() string { return "provision" }

type configureCommand struct {
	Group string `json:"group"`
}

func (c *configureCommand) Kind() string { return "configure" }

type verifyCommand struct{}

func (c *verifyCommand) Kind() string { return "verify" }

type testAction struct {
	applies int
	apply   func(cmd Command, s *Saga) (Result, error)
}

func (a *testAction) Apply(_ context.Context, cmd Command, s *Saga) (Result, error) {
	a.applies++
	return a.apply(cmd, s)
}

type compensatingAction struct {
	testAction
	compensations int
	compensateErr error
	onCompensate  func(kind string)
}

func (a *compensatingAction) Compensate(_ context.Context, cmd Command, _ *Saga) error {
	a.compensations++
	if a.onCompensate != nil {
		a.onCompensate(cmd.Kind())
	}
	return a.compensateErr
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return NewRepository(store, testLogger(t))
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func newTestRunner(t *testing.T, repo *Repository) *Runner {
	t.Helper()

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	cfg := RunnerConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
	return NewRunner(repo, cfg, testLogger(t), metrics, nil, nil)
}

func TestChainRunsToCompletion(t *testing.T) {
	repo := newTestRepository(t)
	runner := newTestRunner(t, repo)

	provision := &testAction{apply: func(cmd Command, _ *Saga) (Result, error) {
		c := cmd.(*provisionCommand)
		return Result{
			Next:   &configureCommand{Group: c.Group},
			Events: []string{"provisioned " + c.Group},
		}, nil
	}}
	configure := &testAction{apply: func(cmd Command, _ *Saga) (Result, error) {
		return Result{Events: []string{"configured"}}, nil
	}}
	runner.Register("provision", func() Command { return &provisionCommand{} }, provision)
	runner.Register("configure", func() Command { return &configureCommand{} }, configure)

	s, err := runner.Apply(context.Background(), "saga-1", "deploy", &provisionCommand{Group: "app-v001"})
	if err != nil {
		t.Fatalf("failed to run chain: %v", err)
	}

	if s.Status != StatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", s.Status)
	}
	if provision.applies != 1 || configure.applies != 1 {
		t.Errorf("expected each action applied once, got %d and %d", provision.applies, configure.applies)
	}
	kinds := s.CompletedKinds()
	if len(kinds) != 2 || kinds[0] != "provision" || kinds[1] != "configure" {
		t.Errorf("expected completion order [provision configure], got %v", kinds)
	}

	found := false
	for _, line := range s.Log {
		if line == "provisioned app-v001" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected action events in saga log, got %v", s.Log)
	}

	// The terminal state is durable.
	got, err := repo.Get(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("failed to reload saga: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("expected persisted SUCCEEDED, got %s", got.Status)
	}
}

func TestSkipCommandShortCircuits(t *testing.T) {
	repo := newTestRepository(t)
	runner := newTestRunner(t, repo)

	provision := &testAction{apply: func(Command, *Saga) (Result, error) {
		return Result{Next: &SkipCommand{Reason: "group already at desired capacity"}}, nil
	}}
	configure := &testAction{apply: func(Command, *Saga) (Result, error) {
		return Result{}, nil
	}}
	runner.Register("provision", func() Command { return &provisionCommand{} }, provision)
	runner.Register("configure", func() Command { return &configureCommand{} }, configure)

	s, err := runner.Apply(context.Background(), "saga-skip", "deploy", &provisionCommand{})
	if err != nil {
		t.Fatalf("failed to run chain: %v", err)
	}
	if s.Status != StatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", s.Status)
	}
	if configure.applies != 0 {
		t.Errorf("expected downstream action skipped, applied %d times", configure.applies)
	}

	found := false
	for _, line := range s.Log {
		if line == "skipped: group already at desired capacity" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected skip reason in saga log, got %v", s.Log)
	}
}

func TestRetryableFailureIsRetried(t *testing.T) {
	repo := newTestRepository(t)
	runner := newTestRunner(t, repo)

	action := &testAction{}
	action.apply = func(Command, *Saga) (Result, error) {
		if action.applies < 3 {
			return Result{}, Retryable(fmt.Errorf("throttled"))
		}
		return Result{}, nil
	}
	runner.Register("provision", func() Command { return &provisionCommand{} }, action)

	s, err := runner.Apply(context.Background(), "saga-retry", "deploy", &provisionCommand{})
	if err != nil {
		t.Fatalf("expected chain to succeed after retries: %v", err)
	}
	if action.applies != 3 {
		t.Errorf("expected 3 attempts, got %d", action.applies)
	}
	if s.Status != StatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", s.Status)
	}
}

func TestRetryExhaustionSurfacesError(t *testing.T) {
	repo := newTestRepository(t)
	runner := newTestRunner(t, repo)

	action := &testAction{apply: func(Command, *Saga) (Result, error) {
		return Result{}, Retryable(fmt.Errorf("throttled"))
	}}
	runner.Register("provision", func() Command { return &provisionCommand{} }, action)

	_, err := runner.Apply(context.Background(), "saga-exhaust", "deploy", &provisionCommand{})
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if !IsRetryable(err) {
		t.Errorf("expected the transient error to surface, got %v", err)
	}
	if action.applies != 3 {
		t.Errorf("expected exactly MaxAttempts attempts, got %d", action.applies)
	}

	got, err := repo.Get(context.Background(), "saga-exhaust")
	if err != nil {
		t.Fatalf("failed to reload saga: %v", err)
	}
	if got.Status != StatusTerminal {
		t.Errorf("expected TERMINAL, got %s", got.Status)
	}
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	repo := newTestRepository(t)
	runner := newTestRunner(t, repo)

	action := &testAction{apply: func(Command, *Saga) (Result, error) {
		return Result{}, fmt.Errorf("account not authorized")
	}}
	runner.Register("provision", func() Command { return &provisionCommand{} }, action)

	_, err := runner.Apply(context.Background(), "saga-fatal", "deploy", &provisionCommand{})
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if action.applies != 1 {
		t.Errorf("expected a single attempt, got %d", action.applies)
	}
}

func TestCompensationWalksCompletedActionsInReverse(t *testing.T) {
	repo := newTestRepository(t)
	runner := newTestRunner(t, repo)

	var order []string
	record := func(kind string) { order = append(order, kind) }

	provision := &compensatingAction{onCompensate: record}
	provision.apply = func(Command, *Saga) (Result, error) {
		return Result{Next: &configureCommand{Group: "app-v001"}}, nil
	}
	configure := &compensatingAction{onCompensate: record}
	configure.apply = func(Command, *Saga) (Result, error) {
		return Result{Next: &verifyCommand{}}, nil
	}
	cause := fmt.Errorf("health check failed")
	verify := &testAction{apply: func(Command, *Saga) (Result, error) {
		return Result{}, cause
	}}
	runner.Register("provision", func() Command { return &provisionCommand{} }, provision)
	runner.Register("configure", func() Command { return &configureCommand{} }, configure)
	runner.Register("verify", func() Command { return &verifyCommand{} }, verify)

	_, err := runner.Apply(context.Background(), "saga-comp", "deploy", &provisionCommand{})
	if !errors.Is(err, cause) {
		t.Fatalf("expected original failure re-raised, got %v", err)
	}

	if provision.compensations != 1 || configure.compensations != 1 {
		t.Errorf("expected each completed action compensated once, got %d and %d",
			provision.compensations, configure.compensations)
	}
	if len(order) != 2 || order[0] != "configure" || order[1] != "provision" {
		t.Errorf("expected reverse compensation order [configure provision], got %v", order)
	}

	got, err := repo.Get(context.Background(), "saga-comp")
	if err != nil {
		t.Fatalf("failed to reload saga: %v", err)
	}
	if got.Status != StatusCompensated {
		t.Errorf("expected COMPENSATED, got %s", got.Status)
	}
}

func TestCompensationFailureIsSwallowed(t *testing.T) {
	repo := newTestRepository(t)
	runner := newTestRunner(t, repo)

	provision := &compensatingAction{compensateErr: fmt.Errorf("rollback refused")}
	provision.apply = func(Command, *Saga) (Result, error) {
		return Result{Next: &configureCommand{}}, nil
	}
	cause := fmt.Errorf("quota exceeded")
	configure := &testAction{apply: func(Command, *Saga) (Result, error) {
		return Result{}, cause
	}}
	runner.Register("provision", func() Command { return &provisionCommand{} }, provision)
	runner.Register("configure", func() Command { return &configureCommand{} }, configure)

	_, err := runner.Apply(context.Background(), "saga-comp-fail", "deploy", &provisionCommand{})
	if !errors.Is(err, cause) {
		t.Fatalf("expected original failure re-raised over compensation failure, got %v", err)
	}
	if provision.compensations != 1 {
		t.Errorf("expected compensation attempted, got %d", provision.compensations)
	}
}

func TestResumeSkipsCompletedActions(t *testing.T) {
	repo := newTestRepository(t)

	// First attempt: provision succeeds, configure fails fatally.
	first := newTestRunner(t, repo)
	provision1 := &testAction{apply: func(cmd Command, _ *Saga) (Result, error) {
		c := cmd.(*provisionCommand)
		return Result{Next: &configureCommand{Group: c.Group}}, nil
	}}
	configure1 := &testAction{apply: func(Command, *Saga) (Result, error) {
		return Result{}, fmt.Errorf("transient outage, crashed mid-chain")
	}}
	first.Register("provision", func() Command { return &provisionCommand{} }, provision1)
	first.Register("configure", func() Command { return &configureCommand{} }, configure1)

	initial := &provisionCommand{Group: "app-v002"}
	if _, err := first.Apply(context.Background(), "saga-resume", "deploy", initial); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	// Second attempt with the same saga id: provision must not run
	// again; the stored next command carries the cursor to configure.
	second := newTestRunner(t, repo)
	provision2 := &testAction{apply: func(Command, *Saga) (Result, error) {
		return Result{Next: &configureCommand{}}, nil
	}}
	var resumedGroup string
	configure2 := &testAction{apply: func(cmd Command, _ *Saga) (Result, error) {
		resumedGroup = cmd.(*configureCommand).Group
		return Result{}, nil
	}}
	second.Register("provision", func() Command { return &provisionCommand{} }, provision2)
	second.Register("configure", func() Command { return &configureCommand{} }, configure2)

	s, err := second.Apply(context.Background(), "saga-resume", "deploy", initial)
	if err != nil {
		t.Fatalf("expected resume to succeed: %v", err)
	}
	if provision2.applies != 0 {
		t.Errorf("expected completed action skipped on resume, applied %d times", provision2.applies)
	}
	if configure2.applies != 1 {
		t.Errorf("expected pending action applied once, got %d", configure2.applies)
	}
	if resumedGroup != "app-v002" {
		t.Errorf("expected stored next command replayed with its payload, got group %q", resumedGroup)
	}
	if s.Status != StatusSucceeded {
		t.Errorf("expected SUCCEEDED after resume, got %s", s.Status)
	}
}

func TestReapplyingCompletedSagaIsNoOp(t *testing.T) {
	repo := newTestRepository(t)
	runner := newTestRunner(t, repo)

	action := &testAction{apply: func(Command, *Saga) (Result, error) {
		return Result{}, nil
	}}
	runner.Register("provision", func() Command { return &provisionCommand{} }, action)

	ctx := context.Background()
	if _, err := runner.Apply(ctx, "saga-done", "deploy", &provisionCommand{}); err != nil {
		t.Fatalf("failed to run chain: %v", err)
	}
	if _, err := runner.Apply(ctx, "saga-done", "deploy", &provisionCommand{}); err != nil {
		t.Fatalf("failed to re-apply chain: %v", err)
	}
	if action.applies != 1 {
		t.Errorf("expected no re-execution of a completed saga, applied %d times", action.applies)
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	s := NewSaga("saga-rt", "deploy")
	s.Logf("starting %s", "app-v003")
	s.recordStep(step{CommandKind: "provision", NextKind: "configure", NextPayload: []byte(`{"group":"app-v003"}`)})

	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("failed to save saga: %v", err)
	}

	got, err := repo.Get(ctx, "saga-rt")
	if err != nil {
		t.Fatalf("failed to load saga: %v", err)
	}
	if got.Name != "deploy" || got.Status != StatusRunning || got.Sequence != 1 {
		t.Errorf("expected saga header to round-trip, got %+v", got)
	}
	if len(got.Log) != 1 || got.Log[0] != "starting app-v003" {
		t.Errorf("expected log to round-trip, got %v", got.Log)
	}
	if !got.Completed("provision") {
		t.Error("expected completed step to round-trip")
	}

	_, err = repo.Get(ctx, "saga-missing")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	if err := repo.Delete(ctx, "saga-rt"); err != nil {
		t.Fatalf("failed to delete saga: %v", err)
	}
	if _, err := repo.Get(ctx, "saga-rt"); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
}
