package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the Helmsman system.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ExecutionID is the associated execution ID, if applicable.
	ExecutionID string `json:"execution_id,omitempty"`

	// StageID is the associated stage ID, if applicable.
	StageID string `json:"stage_id,omitempty"`

	// SagaID is the associated saga ID, if applicable.
	SagaID string `json:"saga_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeExecutionStored   = "execution.stored"
	EventTypeExecutionCanceled = "execution.canceled"
	EventTypeExecutionPaused   = "execution.paused"
	EventTypeExecutionResumed  = "execution.resumed"
	EventTypeExecutionDeleted  = "execution.deleted"
	EventTypeSagaActionApplied = "saga.action_applied"
	EventTypeSagaCompensated   = "saga.compensated"
	EventTypeTriggerMatched    = "trigger.matched"
	EventTypeGuardViolation    = "guard.violation"
	EventTypeError             = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	// Start the periodic flush goroutine
	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishExecutionCanceled publishes an execution canceled event.
func (ep *EventPublisher) PublishExecutionCanceled(executionID, user, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionCanceled,
		Source:      "execution-repository",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s canceled by %s", executionID, user),
		Level:       EventLevelWarning,
		Data: map[string]interface{}{
			"user":   user,
			"reason": reason,
		},
	})
}

// PublishExecutionPaused publishes an execution paused event.
func (ep *EventPublisher) PublishExecutionPaused(executionID, user string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionPaused,
		Source:      "execution-repository",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s paused by %s", executionID, user),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"user": user,
		},
	})
}

// PublishExecutionResumed publishes an execution resumed event.
func (ep *EventPublisher) PublishExecutionResumed(executionID, user string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionResumed,
		Source:      "execution-repository",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s resumed by %s", executionID, user),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"user": user,
		},
	})
}

// PublishSagaActionApplied publishes a saga action applied event.
func (ep *EventPublisher) PublishSagaActionApplied(sagaID, action string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeSagaActionApplied,
		Source:  "saga-runner",
		SagaID:  sagaID,
		Message: fmt.Sprintf("Saga %s applied action %s", sagaID, action),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"action":   action,
			"duration": duration.Seconds(),
		},
	})
}

// PublishSagaCompensated publishes a saga compensated event.
func (ep *EventPublisher) PublishSagaCompensated(sagaID, failedAction, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeSagaCompensated,
		Source:  "saga-runner",
		SagaID:  sagaID,
		Message: fmt.Sprintf("Saga %s compensated after %s failed: %s", sagaID, failedAction, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"failed_action": failedAction,
			"reason":        reason,
		},
	})
}

// PublishTriggerMatched publishes a trigger matched event.
func (ep *EventPublisher) PublishTriggerMatched(category, workflow string) error {
	return ep.Publish(Event{
		Type:    EventTypeTriggerMatched,
		Source:  "trigger-engine",
		Message: fmt.Sprintf("Event matched workflow %s via %s trigger", workflow, category),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"category": category,
			"workflow": workflow,
		},
	})
}

// PublishGuardViolation publishes a capacity guard violation event.
func (ep *EventPublisher) PublishGuardViolation(application, cluster, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeGuardViolation,
		Source:  "capacity-guard",
		Message: fmt.Sprintf("Capacity guard blocked operation on %s/%s: %s", application, cluster, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"application": application,
			"cluster":     cluster,
			"reason":      reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// periodicFlush flushes events periodically.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Trigger flush by draining buffer
			// This is handled by the processEvents goroutine
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByExecutionID creates a filter that only allows events for a specific execution.
func FilterByExecutionID(executionID string) EventFilter {
	return func(event Event) bool {
		return event.ExecutionID == executionID
	}
}

// FilterBySagaID creates a filter that only allows events for a specific saga.
func FilterBySagaID(sagaID string) EventFilter {
	return func(event Event) bool {
		return event.SagaID == sagaID
	}
}
