package triggers

import (
	"fmt"
	"time"

	"github.com/helmsman-cd/helmsman/pkg/artifacts"
	"github.com/helmsman-cd/helmsman/pkg/execution"
)

// Details is the event envelope common to all categories.
type Details struct {
	Type    string    `json:"type"`
	Source  string    `json:"source"`
	Created time.Time `json:"created"`
}

// Event is one external occurrence: a build completion, an image
// push, a git push, a webhook call, a pub/sub message, or a manual
// request. RawBody and Headers are kept for signature verification.
type Event struct {
	Details Details                `json:"details"`
	Payload map[string]interface{} `json:"payload"`

	RawBody []byte            `json:"-"`
	Headers map[string]string `json:"-"`

	Artifacts []artifacts.Artifact `json:"artifacts,omitempty"`
}

// payloadString reads a string field from the event payload.
func (e *Event) payloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// TriggerSpec is one trigger declaration on a workflow definition.
type TriggerSpec struct {
	Type    string `yaml:"type" json:"type" validate:"required"`
	Enabled bool   `yaml:"enabled" json:"enabled"`

	// Build trigger fields.
	Master string `yaml:"master,omitempty" json:"master,omitempty"`
	Job    string `yaml:"job,omitempty" json:"job,omitempty"`

	// Docker trigger fields. Tag may be a literal or a regular
	// expression; empty matches every tag except latest.
	Account    string `yaml:"account,omitempty" json:"account,omitempty"`
	Repository string `yaml:"repository,omitempty" json:"repository,omitempty"`
	Tag        string `yaml:"tag,omitempty" json:"tag,omitempty"`

	// Git trigger fields. Secret enables HMAC signature verification.
	Source  string `yaml:"source,omitempty" json:"source,omitempty"`
	Project string `yaml:"project,omitempty" json:"project,omitempty"`
	Slug    string `yaml:"slug,omitempty" json:"slug,omitempty"`
	Branch  string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Secret  string `yaml:"secret,omitempty" json:"secret,omitempty"`

	// Pub/sub trigger fields.
	Subscription string `yaml:"subscription,omitempty" json:"subscription,omitempty"`

	// PayloadConstraints must each be present in the event payload
	// with an equal value.
	PayloadConstraints map[string]interface{} `yaml:"payloadConstraints,omitempty" json:"payloadConstraints,omitempty"`

	// ExpectedArtifactIDs reference the definition's expected
	// artifacts; each must be satisfied by at least one event artifact.
	ExpectedArtifactIDs []string `yaml:"expectedArtifactIds,omitempty" json:"expectedArtifactIds,omitempty"`

	Parameters map[string]interface{} `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Definition is one workflow definition as the matcher sees it.
type Definition struct {
	ID          string `yaml:"id" json:"id" validate:"required"`
	Name        string `yaml:"name" json:"name"`
	Application string `yaml:"application" json:"application" validate:"required"`
	Disabled    bool   `yaml:"disabled" json:"disabled"`

	Triggers          []TriggerSpec                `yaml:"triggers,omitempty" json:"triggers,omitempty" validate:"dive"`
	ExpectedArtifacts []artifacts.ExpectedArtifact `yaml:"expectedArtifacts,omitempty" json:"expectedArtifacts,omitempty"`

	KeepWaitingPipelines bool `yaml:"keepWaitingPipelines" json:"keepWaitingPipelines"`
	LimitConcurrent      bool `yaml:"limitConcurrent" json:"limitConcurrent"`
}

func (d *Definition) expectedArtifact(id string) *artifacts.ExpectedArtifact {
	for i := range d.ExpectedArtifacts {
		if d.ExpectedArtifacts[i].ID == id {
			return &d.ExpectedArtifacts[i]
		}
	}
	return nil
}

// ExecutionDraft is a matched (definition, trigger) pair ready to be
// turned into a pipeline execution.
type ExecutionDraft struct {
	Application      string `json:"application"`
	Name             string `json:"name"`
	PipelineConfigID string `json:"pipelineConfigId"`

	Trigger execution.Trigger `json:"trigger"`

	ExpectedArtifacts []artifacts.ExpectedArtifact `json:"expectedArtifacts,omitempty"`
	ReceivedArtifacts []artifacts.Artifact         `json:"receivedArtifacts,omitempty"`

	KeepWaitingPipelines bool `json:"keepWaitingPipelines"`
	LimitConcurrent      bool `json:"limitConcurrent"`
}

// InvalidEventError reports an event failing structural validation.
// It is fatal for that event only.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid trigger event: %s", e.Reason)
}
