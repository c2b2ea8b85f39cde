package triggers

import (
	"regexp"

	"github.com/helmsman-cd/helmsman/pkg/execution"
)

// Handler parameterizes the engine over one event category. All five
// functions must be set.
type Handler struct {
	// Type is the category discriminator shared by events and trigger
	// declarations.
	Type string

	// Supports reports whether this handler owns the event type.
	Supports func(eventType string) bool

	// IsSuccessful applies the category's success rule to the event.
	IsSuccessful func(event *Event) bool

	// IsValidTrigger checks the declaration carries the category's
	// required fields.
	IsValidTrigger func(trigger TriggerSpec) bool

	// Matches evaluates the category's identity-field predicate.
	Matches func(trigger TriggerSpec, def *Definition, event *Event) bool

	// Bind attaches trigger-specific fields and event artifacts to the
	// draft.
	Bind func(trigger TriggerSpec, event *Event, draft *ExecutionDraft)
}

// patternMatches treats a non-empty pattern as a full-match regular
// expression, falling back to literal comparison when it does not
// compile.
func patternMatches(pattern, value string) bool {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return pattern == value
	}
	return re.MatchString(value)
}

func baseTrigger(spec TriggerSpec, event *Event) execution.Trigger {
	return execution.Trigger{
		Type:       spec.Type,
		Parameters: spec.Parameters,
		Payload:    event.Payload,
	}
}

// BuildHandler matches CI build completions. A build event is
// successful only when its last build finished with SUCCESS and is not
// still building.
func BuildHandler() Handler {
	return Handler{
		Type:         "build",
		Supports:     func(t string) bool { return t == "build" },
		IsSuccessful: buildSuccessful,
		IsValidTrigger: func(spec TriggerSpec) bool {
			return spec.Master != "" && spec.Job != ""
		},
		Matches: func(spec TriggerSpec, _ *Definition, event *Event) bool {
			return spec.Master == event.payloadString("master") &&
				spec.Job == event.payloadString("job")
		},
		Bind: func(spec TriggerSpec, event *Event, draft *ExecutionDraft) {
			t := baseTrigger(spec, event)
			t.Master = spec.Master
			t.Job = spec.Job
			if n, ok := event.Payload["buildNumber"].(float64); ok {
				t.BuildNumber = int(n)
			}
			draft.Trigger = t
		},
	}
}

func buildSuccessful(event *Event) bool {
	last, ok := event.Payload["lastBuild"].(map[string]interface{})
	if !ok {
		return false
	}
	building, _ := last["building"].(bool)
	result, _ := last["result"].(string)
	return !building && result == "SUCCESS"
}

// DockerHandler matches container image pushes. The tag predicate is a
// full regular-expression match; an empty declared tag matches every
// tag except latest, which must be named explicitly.
func DockerHandler() Handler {
	return Handler{
		Type:         "docker",
		Supports:     func(t string) bool { return t == "docker" },
		IsSuccessful: func(*Event) bool { return true },
		IsValidTrigger: func(spec TriggerSpec) bool {
			return spec.Account != "" && spec.Repository != ""
		},
		Matches: func(spec TriggerSpec, _ *Definition, event *Event) bool {
			if spec.Account != event.payloadString("account") ||
				spec.Repository != event.payloadString("repository") {
				return false
			}
			tag := event.payloadString("tag")
			if spec.Tag == "" {
				return tag != "" && tag != "latest"
			}
			return patternMatches(spec.Tag, tag)
		},
		Bind: func(spec TriggerSpec, event *Event, draft *ExecutionDraft) {
			t := baseTrigger(spec, event)
			t.Account = spec.Account
			t.Repository = spec.Repository
			t.Tag = event.payloadString("tag")
			draft.Trigger = t
		},
	}
}

// GitHandler matches repository pushes. When the declaration carries a
// shared secret the raw event body must verify against the signature
// header; either side missing fails closed.
func GitHandler() Handler {
	return Handler{
		Type:         "git",
		Supports:     func(t string) bool { return t == "git" },
		IsSuccessful: func(*Event) bool { return true },
		IsValidTrigger: func(spec TriggerSpec) bool {
			return spec.Source != "" && spec.Project != "" && spec.Slug != ""
		},
		Matches: func(spec TriggerSpec, _ *Definition, event *Event) bool {
			if spec.Source != event.payloadString("source") ||
				spec.Project != event.payloadString("project") ||
				spec.Slug != event.payloadString("slug") {
				return false
			}
			if spec.Branch != "" && !patternMatches(spec.Branch, event.payloadString("branch")) {
				return false
			}
			return verifySignature(spec.Secret, event)
		},
		Bind: func(spec TriggerSpec, event *Event, draft *ExecutionDraft) {
			t := baseTrigger(spec, event)
			t.Source = event.payloadString("source")
			t.Project = event.payloadString("project")
			t.Slug = event.payloadString("slug")
			t.Branch = event.payloadString("branch")
			t.Hash = event.payloadString("hash")
			draft.Trigger = t
		},
	}
}

// WebhookHandler matches arbitrary HTTP callbacks by source name.
func WebhookHandler() Handler {
	return Handler{
		Type:         "webhook",
		Supports:     func(t string) bool { return t == "webhook" },
		IsSuccessful: func(*Event) bool { return true },
		IsValidTrigger: func(spec TriggerSpec) bool {
			return spec.Source != ""
		},
		Matches: func(spec TriggerSpec, _ *Definition, event *Event) bool {
			return spec.Source == event.Details.Source
		},
		Bind: func(spec TriggerSpec, event *Event, draft *ExecutionDraft) {
			t := baseTrigger(spec, event)
			t.Source = event.Details.Source
			draft.Trigger = t
		},
	}
}

// PubsubHandler matches broker messages by subscription name.
func PubsubHandler() Handler {
	return Handler{
		Type:         "pubsub",
		Supports:     func(t string) bool { return t == "pubsub" },
		IsSuccessful: func(*Event) bool { return true },
		IsValidTrigger: func(spec TriggerSpec) bool {
			return spec.Subscription != ""
		},
		Matches: func(spec TriggerSpec, _ *Definition, event *Event) bool {
			return spec.Subscription == event.payloadString("subscription")
		},
		Bind: func(spec TriggerSpec, event *Event, draft *ExecutionDraft) {
			t := baseTrigger(spec, event)
			t.Subscription = spec.Subscription
			if attrs, ok := event.Payload["messageAttributes"].(map[string]interface{}); ok {
				t.MessageAttributes = map[string]string{}
				for k, v := range attrs {
					if s, ok := v.(string); ok {
						t.MessageAttributes[k] = s
					}
				}
			}
			draft.Trigger = t
		},
	}
}

// ManualHandler matches explicit run requests addressed to one
// definition by id or name.
func ManualHandler() Handler {
	return Handler{
		Type:           "manual",
		Supports:       func(t string) bool { return t == "manual" },
		IsSuccessful:   func(*Event) bool { return true },
		IsValidTrigger: func(TriggerSpec) bool { return true },
		Matches: func(_ TriggerSpec, def *Definition, event *Event) bool {
			if event.payloadString("application") != def.Application {
				return false
			}
			target := event.payloadString("pipelineNameOrId")
			return target == def.ID || target == def.Name
		},
		Bind: func(spec TriggerSpec, event *Event, draft *ExecutionDraft) {
			t := baseTrigger(spec, event)
			t.User = event.payloadString("user")
			if params, ok := event.Payload["parameters"].(map[string]interface{}); ok {
				t.Parameters = params
			}
			draft.Trigger = t
		},
	}
}

// DefaultHandlers returns every built-in event category.
func DefaultHandlers() []Handler {
	return []Handler{
		BuildHandler(),
		DockerHandler(),
		GitHandler(),
		WebhookHandler(),
		PubsubHandler(),
		ManualHandler(),
	}
}
