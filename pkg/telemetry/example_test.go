package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/helmsman-cd/helmsman/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	// Create configuration
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "helmsman"
	cfg.ServiceVersion = "1.0.0"

	// Initialize telemetry
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Start metrics server (non-blocking)
	if err := tel.StartMetricsServer(); err != nil {
		panic(err)
	}

	// Add telemetry to context
	ctx := tel.WithContext(context.Background())

	// Use telemetry
	logger := telemetry.FromContext(ctx)
	logger.Info("Application started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates structured logging features.
func Example_structuredLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific logger
	logger := tel.Logger.NewComponentLogger("execution-repository")

	// Add context fields
	logger = logger.WithFields(map[string]interface{}{
		"execution_id": "01J3KQ8ZW9",
		"stage_id":     "deploy-1",
	})

	// Log at different levels
	logger.Debug("Hydrating execution from store")
	logger.Info("Execution stored successfully")
	logger.Warn("Stale index entry pruned")

	// Log with error
	err := fmt.Errorf("network timeout")
	logger.WithError(err).Error("Failed to reach storage backend")

	// Output varies, no output specified
}

// Example_distributedTracing demonstrates distributed tracing usage.
func Example_distributedTracing() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Exporter = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start a span
	ctx, span := tel.Tracer.Start(ctx, "run_pipeline")
	defer span.End()

	// Add attributes
	span.SetAttributes(
		telemetry.AttrExecutionID.String("01J3KQ8ZW9"),
		attribute.Int("pipeline.stages", 5),
	)

	// Add event
	span.AddEvent("trigger.matched")

	// Nested span
	ctx, childSpan := tel.Tracer.Start(ctx, "resolve_artifacts")
	defer childSpan.End()

	childSpan.SetAttributes(
		telemetry.AttrStageID.String("bake-1"),
		attribute.String("operation", "resolve"),
	)

	// Simulate work
	time.Sleep(10 * time.Millisecond)

	// Record success
	telemetry.RecordSuccess(childSpan)

	// Output varies, no output specified
}

// Example_metricsCollection demonstrates metrics collection.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Record repository metrics
	tel.Metrics.RecordExecutionStored("pipeline")
	tel.Metrics.SetActiveExecutions(12)

	// Record saga metrics
	tel.Metrics.RecordSagaActionApplied("deploy-saga", "DeployAction", "succeeded", 25*time.Millisecond)
	tel.Metrics.RecordSagaRetry("deploy-saga", "DeployAction")

	// Record trigger and artifact metrics
	tel.Metrics.RecordTriggerEvent("docker", "matched")
	tel.Metrics.RecordArtifactResolution("resolved")

	// Record capacity guard metrics
	tel.Metrics.RecordGuardCheck("allowed")

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventPublishing demonstrates event publishing and subscription.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false // Synchronous for example

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe to events
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
	}, nil) // No filter, receive all events

	// Publish events
	tel.Events.PublishExecutionPaused("01J3KQ8ZW9", "admin@example.com")
	tel.Events.PublishExecutionResumed("01J3KQ8ZW9", "admin@example.com")
	tel.Events.PublishSagaActionApplied("deploy-saga", "DeployAction", 25*time.Millisecond)

	// Output varies due to async nature, no output specified
}

// Example_executionInstrumentation demonstrates instrumenting an execution run.
func Example_executionInstrumentation() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start execution context
	executionID := "01J3KQ8ZW9"
	ctx = telemetry.WithExecutionContext(ctx, "pipeline", executionID, "gateapp")

	// Execute stages (simulated)
	applyStages(ctx, executionID)

	// End execution context
	telemetry.EndExecutionContext(ctx, nil)

	fmt.Println("Execution instrumentation complete")
	// Output: Execution instrumentation complete
}

func applyStages(ctx context.Context, executionID string) {
	// Get logger from context
	logger := telemetry.FromContext(ctx)
	logger.Info("Executing stage")

	// Simulate work
	time.Sleep(10 * time.Millisecond)
}

// Example_sagaInstrumentation demonstrates instrumenting saga actions.
func Example_sagaInstrumentation() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Add saga context
	ctx = telemetry.WithSagaContext(ctx, "deploy-saga")

	// Record a saga action
	err := telemetry.RecordSagaAction(ctx, "deploy-saga", "DeployAction", func() error {
		// Simulate action work
		time.Sleep(15 * time.Millisecond)
		return nil
	})

	if err == nil {
		fmt.Println("Saga action completed successfully")
	}

	// Output: Saga action completed successfully
}

// Example_instrumentedOperation demonstrates using the InstrumentedContext helper.
func Example_instrumentedOperation() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start instrumented operation
	ic := telemetry.StartOperation(ctx, "resolve_artifacts",
		attribute.String("application", "gateapp"),
	)
	defer ic.End(nil)

	// Use the instrumented context
	ic.Logger.Info("Resolving expected artifacts")

	// Simulate resolution
	time.Sleep(5 * time.Millisecond)

	ic.Logger.Debug("Artifact resolution complete")

	fmt.Println("Operation instrumentation complete")
	// Output: Operation instrumentation complete
}

// Example_eventFiltering demonstrates event filtering.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe with level filter (only warnings and errors)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Important event: %s\n", event.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	// Subscribe with type filter (only guard violations)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Guard event: %s\n", event.Message)
	}, telemetry.FilterByType(telemetry.EventTypeGuardViolation))

	// Publish various events
	tel.Events.PublishExecutionResumed("01J3KQ8ZW9", "user")                    // Info - filtered by level filter
	tel.Events.PublishGuardViolation("gateapp", "gateapp-main", "below capacity") // Warning - passes level filter
	tel.Events.PublishSagaCompensated("deploy-saga", "DeployAction", "timeout")  // Error - passes level filter

	// Output varies, no output specified
}

// Example_productionConfiguration demonstrates production-ready configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()

	// Customize for your environment
	cfg.ServiceName = "helmsman"
	cfg.ServiceVersion = "1.2.3"
	cfg.Environment = "production"

	// Configure OTLP exporter
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Tracing.SamplingRate = 0.1 // 10% sampling
	cfg.Tracing.Insecure = false   // Use TLS in production

	// Configure metrics
	cfg.Metrics.ListenAddress = ":9090"
	cfg.Metrics.Namespace = "helmsman"

	// Configure events
	cfg.Events.BufferSize = 10000
	cfg.Events.FlushInterval = 5 * time.Second

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("Production configuration validated")
	// Output: Production configuration validated
}

// Example_multipleComponents demonstrates telemetry in a multi-component system.
func Example_multipleComponents() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific loggers
	repoLogger := tel.Logger.NewComponentLogger("execution-repository")
	triggerLogger := tel.Logger.NewComponentLogger("trigger-matcher")
	guardLogger := tel.Logger.NewComponentLogger("capacity-guard")

	repoLogger.Info("Repository initialized")
	triggerLogger.Info("Loading trigger definitions")
	guardLogger.Info("Capacity policies loaded")

	fmt.Println("Multi-component logging complete")
	// Output: Multi-component logging complete
}
