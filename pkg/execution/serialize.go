package execution

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

var stageFieldPattern = regexp.MustCompile(`^stage\.([-\w]+)\.`)

// serializeExecution flattens an execution into record fields. Fields
// whose value is unset are returned in remove so a re-store clears them.
func serializeExecution(execution *Execution) (fields map[string]string, remove []string, err error) {
	fields = map[string]string{
		"application":          execution.Application,
		"canceled":             strconv.FormatBool(execution.Canceled),
		"limitConcurrent":      strconv.FormatBool(execution.LimitConcurrent),
		"keepWaitingPipelines": strconv.FormatBool(execution.KeepWaitingPipelines),
		"status":               string(execution.Status),
	}
	remove = []string{}

	setOptional(fields, &remove, "canceledBy", execution.CanceledBy)
	setOptional(fields, &remove, "cancellationReason", execution.CancellationReason)
	setOptional(fields, &remove, "origin", execution.Origin)
	setOptionalTime(fields, &remove, "buildTime", execution.BuildTime)
	setOptionalTime(fields, &remove, "startTime", execution.StartTime)
	setOptionalTime(fields, &remove, "endTime", execution.EndTime)

	if err := setJSON(fields, "trigger", execution.Trigger); err != nil {
		return nil, nil, &SerializationError{ExecutionID: execution.ID, Err: err}
	}
	if execution.Authentication != nil {
		if err := setJSON(fields, "authentication", execution.Authentication); err != nil {
			return nil, nil, &SerializationError{ExecutionID: execution.ID, Err: err}
		}
	} else {
		remove = append(remove, "authentication")
	}
	if execution.Paused != nil {
		if err := setJSON(fields, "paused", execution.Paused); err != nil {
			return nil, nil, &SerializationError{ExecutionID: execution.ID, Err: err}
		}
	} else {
		remove = append(remove, "paused")
	}

	switch execution.Type {
	case ExecutionTypePipeline:
		fields["name"] = execution.Name
		fields["pipelineConfigId"] = execution.PipelineConfigID
	case ExecutionTypeOrchestration:
		fields["description"] = execution.Description
	}

	for _, stage := range execution.Stages {
		stageFields, stageRemove, err := serializeStage(execution.ID, stage)
		if err != nil {
			return nil, nil, err
		}
		for k, v := range stageFields {
			fields[k] = v
		}
		remove = append(remove, stageRemove...)
	}

	return fields, remove, nil
}

// serializeStage flattens one stage into prefixed record fields.
func serializeStage(executionID string, stage *Stage) (fields map[string]string, remove []string, err error) {
	prefix := "stage." + stage.ID + "."
	fields = map[string]string{
		prefix + "refId":  stage.RefID,
		prefix + "type":   stage.Type,
		prefix + "name":   stage.Name,
		prefix + "status": string(stage.Status),
	}
	remove = []string{}

	setOptionalTime(fields, &remove, prefix+"startTime", stage.StartTime)
	setOptionalTime(fields, &remove, prefix+"endTime", stage.EndTime)
	setOptionalTime(fields, &remove, prefix+"scheduledTime", stage.ScheduledTime)
	setOptional(fields, &remove, prefix+"parentStageId", stage.ParentStageID)
	setOptional(fields, &remove, prefix+"syntheticStageOwner", string(stage.SyntheticStageOwner))
	setOptional(fields, &remove, prefix+"requisiteStageRefIds", strings.Join(stage.RequisiteStageRefIDs, ","))

	wrap := func(err error) error {
		return &SerializationError{ExecutionID: executionID, StageID: stage.ID, Err: err}
	}
	if err := setJSON(fields, prefix+"context", orEmptyMap(stage.Context)); err != nil {
		return nil, nil, wrap(err)
	}
	if err := setJSON(fields, prefix+"outputs", orEmptyMap(stage.Outputs)); err != nil {
		return nil, nil, wrap(err)
	}
	tasks := stage.Tasks
	if tasks == nil {
		tasks = []*Task{}
	}
	if err := setJSON(fields, prefix+"tasks", tasks); err != nil {
		return nil, nil, wrap(err)
	}
	if stage.LastModified != nil {
		if err := setJSON(fields, prefix+"lastModified", stage.LastModified); err != nil {
			return nil, nil, wrap(err)
		}
	} else {
		remove = append(remove, prefix+"lastModified")
	}

	return fields, remove, nil
}

// buildExecution reconstructs an execution and its ordered stages from a
// flattened record. stageIDs supplies the persisted stage order.
func buildExecution(execution *Execution, record map[string]string, stageIDs []string) error {
	wrap := func(err error) error {
		return &SerializationError{ExecutionID: execution.ID, Err: err}
	}

	execution.Application = record["application"]
	execution.Canceled = record["canceled"] == "true"
	execution.CanceledBy = record["canceledBy"]
	execution.CancellationReason = record["cancellationReason"]
	execution.LimitConcurrent = record["limitConcurrent"] == "true"
	execution.KeepWaitingPipelines = record["keepWaitingPipelines"] == "true"
	execution.Origin = record["origin"]

	var err error
	if execution.BuildTime, err = parseOptionalTime(record["buildTime"]); err != nil {
		return wrap(err)
	}
	if execution.StartTime, err = parseOptionalTime(record["startTime"]); err != nil {
		return wrap(err)
	}
	if execution.EndTime, err = parseOptionalTime(record["endTime"]); err != nil {
		return wrap(err)
	}

	if raw := record["status"]; raw != "" {
		if execution.Status, err = ParseStatus(raw); err != nil {
			return wrap(err)
		}
	}
	if raw := record["trigger"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &execution.Trigger); err != nil {
			return wrap(err)
		}
	}
	if raw := record["authentication"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &execution.Authentication); err != nil {
			return wrap(err)
		}
	}
	if raw := record["paused"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &execution.Paused); err != nil {
			return wrap(err)
		}
	}

	stages := make([]*Stage, 0, len(stageIDs))
	for _, stageID := range stageIDs {
		stage, err := buildStage(execution, record, stageID)
		if err != nil {
			return err
		}
		stages = append(stages, stage)
	}
	sortStagesByReference(execution, stages)

	switch execution.Type {
	case ExecutionTypePipeline:
		execution.Name = record["name"]
		execution.PipelineConfigID = record["pipelineConfigId"]
	case ExecutionTypeOrchestration:
		execution.Description = record["description"]
	}
	return nil
}

func buildStage(execution *Execution, record map[string]string, stageID string) (*Stage, error) {
	prefix := "stage." + stageID + "."
	wrap := func(err error) error {
		return &SerializationError{ExecutionID: execution.ID, StageID: stageID, Err: err}
	}

	stage := &Stage{
		ID:            stageID,
		Execution:     execution,
		RefID:         record[prefix+"refId"],
		Type:          record[prefix+"type"],
		Name:          record[prefix+"name"],
		ParentStageID: record[prefix+"parentStageId"],
	}

	var err error
	if raw := record[prefix+"status"]; raw != "" {
		if stage.Status, err = ParseStatus(raw); err != nil {
			return nil, wrap(err)
		}
	}
	if stage.StartTime, err = parseOptionalTime(record[prefix+"startTime"]); err != nil {
		return nil, wrap(err)
	}
	if stage.EndTime, err = parseOptionalTime(record[prefix+"endTime"]); err != nil {
		return nil, wrap(err)
	}
	if stage.ScheduledTime, err = parseOptionalTime(record[prefix+"scheduledTime"]); err != nil {
		return nil, wrap(err)
	}

	if raw := record[prefix+"syntheticStageOwner"]; raw != "" {
		stage.SyntheticStageOwner = SyntheticStageOwner(raw)
	}
	if raw := record[prefix+"requisiteStageRefIds"]; raw != "" {
		stage.RequisiteStageRefIDs = strings.Split(raw, ",")
	} else {
		stage.RequisiteStageRefIDs = []string{}
	}

	stage.Context = map[string]interface{}{}
	if raw := record[prefix+"context"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &stage.Context); err != nil {
			return nil, wrap(err)
		}
	}
	stage.Outputs = map[string]interface{}{}
	if raw := record[prefix+"outputs"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &stage.Outputs); err != nil {
			return nil, wrap(err)
		}
	}
	stage.Tasks = []*Task{}
	if raw := record[prefix+"tasks"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &stage.Tasks); err != nil {
			return nil, wrap(err)
		}
	}
	if raw := record[prefix+"lastModified"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &stage.LastModified); err != nil {
			return nil, wrap(err)
		}
	}

	return stage, nil
}

// sortStagesByReference restores logical stage order: top-level stages by
// ref-id, each preceded by its STAGE_BEFORE synthetics and followed by
// its STAGE_AFTER synthetics, recursively.
func sortStagesByReference(execution *Execution, stages []*Stage) {
	execution.Stages = make([]*Stage, 0, len(stages))

	topLevel := make([]*Stage, 0, len(stages))
	for _, s := range stages {
		if s.ParentStageID == "" {
			topLevel = append(topLevel, s)
		}
	}
	if len(topLevel) == 0 {
		// Nothing to anchor the ordering on; keep persisted order.
		execution.Stages = append(execution.Stages, stages...)
		return
	}

	sortByRefID(topLevel)
	for _, s := range topLevel {
		spliceStage(execution, s, stages)
	}
}

func spliceStage(execution *Execution, stage *Stage, all []*Stage) {
	for _, child := range syntheticChildren(stage, all, StageBefore) {
		spliceStage(execution, child, all)
	}
	execution.Stages = append(execution.Stages, stage)
	for _, child := range syntheticChildren(stage, all, StageAfter) {
		spliceStage(execution, child, all)
	}
}

func syntheticChildren(parent *Stage, all []*Stage, owner SyntheticStageOwner) []*Stage {
	children := []*Stage{}
	for _, s := range all {
		if s.ParentStageID == parent.ID && s.SyntheticStageOwner == owner {
			children = append(children, s)
		}
	}
	sortByRefID(children)
	return children
}

func sortByRefID(stages []*Stage) {
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].RefID < stages[j].RefID
	})
}

// extractStageIDs recovers stage ids from field names for records written
// before the ordered stage index existed.
func extractStageIDs(record map[string]string) []string {
	seen := map[string]bool{}
	ids := []string{}
	for key := range record {
		m := stageFieldPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	sort.Strings(ids)
	return ids
}

func setOptional(fields map[string]string, remove *[]string, key, value string) {
	if value == "" {
		*remove = append(*remove, key)
		return
	}
	fields[key] = value
}

func setOptionalTime(fields map[string]string, remove *[]string, key string, value *int64) {
	if value == nil {
		*remove = append(*remove, key)
		return
	}
	fields[key] = strconv.FormatInt(*value, 10)
}

func setJSON(fields map[string]string, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	fields[key] = string(raw)
	return nil
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func parseOptionalTime(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
