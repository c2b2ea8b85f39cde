package execution

import (
	"github.com/helmsman-cd/helmsman/pkg/artifacts"
)

// ExecutionType discriminates the two execution variants. The value is
// part of every persisted key, so it never changes.
type ExecutionType string

const (
	// ExecutionTypePipeline is a run of a saved workflow definition.
	ExecutionTypePipeline ExecutionType = "pipeline"

	// ExecutionTypeOrchestration is an ad hoc run without a definition.
	ExecutionTypeOrchestration ExecutionType = "orchestration"
)

// SyntheticStageOwner marks where a synthetic stage sits relative to its
// parent stage.
type SyntheticStageOwner string

const (
	// StageBefore places the synthetic stage before its parent.
	StageBefore SyntheticStageOwner = "STAGE_BEFORE"

	// StageAfter places the synthetic stage after its parent.
	StageAfter SyntheticStageOwner = "STAGE_AFTER"
)

// Execution is the root aggregate for one run of a workflow. It is owned
// by the Repository and mutated only through repository operations.
type Execution struct {
	Type        ExecutionType `json:"type"`
	ID          string        `json:"id"`
	Application string        `json:"application"`

	// Name and PipelineConfigID are set for pipeline executions only.
	Name             string `json:"name,omitempty"`
	PipelineConfigID string `json:"pipelineConfigId,omitempty"`

	// Description is set for orchestrations only.
	Description string `json:"description,omitempty"`

	Status             Status `json:"status"`
	Canceled           bool   `json:"canceled"`
	CanceledBy         string `json:"canceledBy,omitempty"`
	CancellationReason string `json:"cancellationReason,omitempty"`

	// Timestamps are epoch milliseconds; nil means not yet stamped.
	BuildTime *int64 `json:"buildTime,omitempty"`
	StartTime *int64 `json:"startTime,omitempty"`
	EndTime   *int64 `json:"endTime,omitempty"`

	Trigger Trigger  `json:"trigger"`
	Stages  []*Stage `json:"stages"`

	// Origin tags which engine variant produced this execution.
	Origin string `json:"origin,omitempty"`

	KeepWaitingPipelines bool `json:"keepWaitingPipelines"`
	LimitConcurrent      bool `json:"limitConcurrent"`

	Paused         *PausedDetails         `json:"paused,omitempty"`
	Authentication *AuthenticationDetails `json:"authentication,omitempty"`
}

// NewExecution creates an empty execution of the given type.
func NewExecution(t ExecutionType, id, application string) *Execution {
	return &Execution{
		Type:        t,
		ID:          id,
		Application: application,
		Status:      StatusNotStarted,
		Stages:      []*Stage{},
	}
}

// StageByID returns the stage with the given id, or nil.
func (e *Execution) StageByID(id string) *Stage {
	for _, s := range e.Stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Stage is one node in an execution's step graph.
type Stage struct {
	ID        string     `json:"id"`
	Execution *Execution `json:"-"`

	// RefID is the stage's logical position in the workflow DAG.
	RefID string `json:"refId"`

	Type   string `json:"type"`
	Name   string `json:"name"`
	Status Status `json:"status"`

	StartTime     *int64 `json:"startTime,omitempty"`
	EndTime       *int64 `json:"endTime,omitempty"`
	ScheduledTime *int64 `json:"scheduledTime,omitempty"`

	// ParentStageID and SyntheticStageOwner are set together for stages
	// inserted ad hoc around a parent stage.
	ParentStageID       string              `json:"parentStageId,omitempty"`
	SyntheticStageOwner SyntheticStageOwner `json:"syntheticStageOwner,omitempty"`

	// RequisiteStageRefIDs names the upstream ref-ids this stage waits on.
	RequisiteStageRefIDs []string `json:"requisiteStageRefIds,omitempty"`

	Context map[string]interface{} `json:"context"`
	Outputs map[string]interface{} `json:"outputs"`
	Tasks   []*Task                `json:"tasks"`

	LastModified *LastModifiedDetails `json:"lastModified,omitempty"`
}

// Synthetic returns true if the stage was inserted around a parent stage
// rather than declared in the workflow definition.
func (s *Stage) Synthetic() bool {
	return s.SyntheticStageOwner != ""
}

// Task is a sub-step within a stage.
type Task struct {
	ID             string `json:"id"`
	Implementation string `json:"implementingClass"`
	Name           string `json:"name"`
	Status         Status `json:"status"`

	StartTime *int64 `json:"startTime,omitempty"`
	EndTime   *int64 `json:"endTime,omitempty"`

	// StageStart and StageEnd mark the first and last task of a stage.
	StageStart bool `json:"stageStart"`
	StageEnd   bool `json:"stageEnd"`

	// LoopStart and LoopEnd bound a repeated task group.
	LoopStart bool `json:"loopStart"`
	LoopEnd   bool `json:"loopEnd"`
}

// Trigger is the structured payload that started an execution, plus the
// artifacts the triggering event delivered.
type Trigger struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`

	// CorrelationID deduplicates and traces a single triggering event to
	// its execution. At most one live execution holds a given value.
	CorrelationID string `json:"correlationId,omitempty"`

	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`

	Artifacts                 []artifacts.Artifact         `json:"artifacts,omitempty"`
	ResolvedExpectedArtifacts []artifacts.ExpectedArtifact `json:"resolvedExpectedArtifacts,omitempty"`

	// Build trigger fields.
	Master      string `json:"master,omitempty"`
	Job         string `json:"job,omitempty"`
	BuildNumber int    `json:"buildNumber,omitempty"`

	// Docker trigger fields.
	Account    string `json:"account,omitempty"`
	Repository string `json:"repository,omitempty"`
	Tag        string `json:"tag,omitempty"`

	// Git trigger fields.
	Source  string `json:"source,omitempty"`
	Project string `json:"project,omitempty"`
	Slug    string `json:"slug,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Hash    string `json:"hash,omitempty"`

	// Pub/sub trigger fields.
	Subscription      string            `json:"subscriptionName,omitempty"`
	MessageAttributes map[string]string `json:"messageAttributes,omitempty"`
}

// PausedDetails records who paused and resumed an execution and when.
type PausedDetails struct {
	PausedBy   string `json:"pausedBy,omitempty"`
	ResumedBy  string `json:"resumedBy,omitempty"`
	PauseTime  *int64 `json:"pauseTime,omitempty"`
	ResumeTime *int64 `json:"resumeTime,omitempty"`
}

// IsPaused returns true while the pause has not been resumed.
func (p *PausedDetails) IsPaused() bool {
	return p != nil && p.PauseTime != nil && p.ResumeTime == nil
}

// AuthenticationDetails captures the identity an execution runs as.
type AuthenticationDetails struct {
	User            string   `json:"user,omitempty"`
	AllowedAccounts []string `json:"allowedAccounts,omitempty"`
}

// LastModifiedDetails is the audit record of a stage's last mutation.
type LastModifiedDetails struct {
	User             string   `json:"user,omitempty"`
	AllowedAccounts  []string `json:"allowedAccounts,omitempty"`
	LastModifiedTime int64    `json:"lastModifiedTime"`
}

// Criteria filters and paginates execution listings.
type Criteria struct {
	// Page is the zero-based page number.
	Page int

	// PageSize bounds the number of executions returned; zero means
	// unbounded.
	PageSize int

	// Statuses keeps only executions in one of the given states; empty
	// means all.
	Statuses []Status
}

func (c Criteria) allowsStatus(s Status) bool {
	if len(c.Statuses) == 0 {
		return true
	}
	for _, allowed := range c.Statuses {
		if s == allowed {
			return true
		}
	}
	return false
}
