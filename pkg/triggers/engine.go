package triggers

import (
	"reflect"

	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

// Engine evaluates events against workflow definitions.
type Engine struct {
	handlers []Handler
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
}

// NewEngine creates a matching engine with the given category
// handlers. events may be nil.
func NewEngine(handlers []Handler, logger *telemetry.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher) *Engine {
	return &Engine{
		handlers: handlers,
		logger:   logger.NewComponentLogger("trigger-matcher"),
		metrics:  metrics,
		events:   events,
	}
}

// Match evaluates one event against the definitions and returns one
// execution draft per matched definition. The first matching trigger
// per definition wins. A structural validation failure aborts this
// event only.
func (e *Engine) Match(event *Event, definitions []Definition) ([]ExecutionDraft, error) {
	if event.Details.Type == "" {
		e.metrics.RecordTriggerEvent("unknown", "invalid")
		return nil, &InvalidEventError{Reason: "missing type discriminator"}
	}

	handler, ok := e.handlerFor(event.Details.Type)
	if !ok {
		e.logger.WithField("event_type", event.Details.Type).
			Debug("No handler for event type")
		e.metrics.RecordTriggerEvent(event.Details.Type, "unsupported")
		return nil, nil
	}

	if !handler.IsSuccessful(event) {
		e.metrics.RecordTriggerEvent(handler.Type, "unsuccessful")
		return nil, nil
	}

	drafts := []ExecutionDraft{}
	for i := range definitions {
		def := &definitions[i]
		if def.Disabled || len(def.Triggers) == 0 {
			continue
		}
		for _, spec := range def.Triggers {
			if !spec.Enabled || spec.Type != handler.Type {
				continue
			}
			if !handler.IsValidTrigger(spec) {
				continue
			}
			if !handler.Matches(spec, def, event) {
				continue
			}
			if !payloadConstraintsSatisfied(spec, event) {
				continue
			}
			if !artifactConstraintsSatisfied(spec, def, event) {
				continue
			}

			draft := e.bind(handler, spec, def, event)
			drafts = append(drafts, draft)
			e.metrics.RecordTriggerMatch(handler.Type)
			if e.events != nil {
				_ = e.events.PublishTriggerMatched(handler.Type, def.ID)
			}
			break
		}
	}

	e.metrics.RecordTriggerEvent(handler.Type, "processed")
	return drafts, nil
}

func (e *Engine) handlerFor(eventType string) (Handler, bool) {
	for _, h := range e.handlers {
		if h.Supports(eventType) {
			return h, true
		}
	}
	return Handler{}, false
}

func (e *Engine) bind(handler Handler, spec TriggerSpec, def *Definition, event *Event) ExecutionDraft {
	draft := ExecutionDraft{
		Application:          def.Application,
		Name:                 def.Name,
		PipelineConfigID:     def.ID,
		ExpectedArtifacts:    def.ExpectedArtifacts,
		ReceivedArtifacts:    event.Artifacts,
		KeepWaitingPipelines: def.KeepWaitingPipelines,
		LimitConcurrent:      def.LimitConcurrent,
	}
	handler.Bind(spec, event, &draft)
	draft.Trigger.Artifacts = event.Artifacts

	e.logger.WithFields(map[string]interface{}{
		"definition": def.ID,
		"trigger":    spec.Type,
	}).Info("Trigger matched")
	return draft
}

// payloadConstraintsSatisfied requires every declared constraint key
// to be present in the event payload with an equal value.
func payloadConstraintsSatisfied(spec TriggerSpec, event *Event) bool {
	for key, want := range spec.PayloadConstraints {
		got, ok := event.Payload[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// artifactConstraintsSatisfied requires each referenced artifact
// expectation to be satisfied by at least one event artifact.
func artifactConstraintsSatisfied(spec TriggerSpec, def *Definition, event *Event) bool {
	for _, id := range spec.ExpectedArtifactIDs {
		expected := def.expectedArtifact(id)
		if expected == nil {
			return false
		}
		satisfied := false
		for _, candidate := range event.Artifacts {
			if expected.Matches(candidate) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	return true
}
