package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/helmsman-cd/helmsman/pkg/stores"
	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

// DefaultChunkSize bounds how many executions a listing operation loads
// per backend round trip.
const DefaultChunkSize = 75

// RepositoryConfig holds execution repository configuration.
type RepositoryConfig struct {
	// ChunkSize bounds listing fan-out. Zero means DefaultChunkSize.
	ChunkSize int
}

// Repository is the durable store for executions. All reads consult the
// primary backend first and fall back to the previous backend on miss;
// a previous-backend hit is served as-is without eager migration.
type Repository struct {
	primary   stores.Backend
	previous  stores.Backend
	chunkSize int
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
}

// NewRepository creates an execution repository on top of the primary
// backend. previous may be nil when no storage migration is in progress.
func NewRepository(
	primary stores.Backend,
	previous stores.Backend,
	cfg RepositoryConfig,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
) *Repository {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Repository{
		primary:   primary,
		previous:  previous,
		chunkSize: chunkSize,
		logger:    logger.NewComponentLogger("execution-repository"),
		metrics:   metrics,
	}
}

// Persisted key scheme. The executionKey prefix doubles as the record key
// and, suffixed with :stageIndex, as the ordered stage-id list.
func executionKey(t ExecutionType, id string) string {
	return fmt.Sprintf("%s:%s", t, id)
}

func stageIndexKey(t ExecutionType, id string) string {
	return executionKey(t, id) + ":stageIndex"
}

func allJobsKey(t ExecutionType) string {
	return fmt.Sprintf("allJobs:%s", t)
}

func appKey(t ExecutionType, application string) string {
	return fmt.Sprintf("%s:app:%s", t, application)
}

func executionsByPipelineKey(pipelineConfigID string) string {
	if pipelineConfigID == "" {
		pipelineConfigID = "---"
	}
	return fmt.Sprintf("pipeline:executions:%s", pipelineConfigID)
}

func correlationKey(correlationID string) string {
	return fmt.Sprintf("correlation:%s", correlationID)
}

// Store persists the execution and all of its stages as one atomic write
// group, and maintains every secondary index referencing it.
func (r *Repository) Store(ctx context.Context, execution *Execution) error {
	backend, _, err := r.backendFor(ctx, execution.Type, execution.ID)
	if err != nil {
		return err
	}

	if err := r.storeExecution(ctx, backend, execution); err != nil {
		return err
	}

	if execution.Type == ExecutionTypePipeline {
		score := float64(time.Now().UnixMilli())
		if execution.BuildTime != nil {
			score = float64(*execution.BuildTime)
		}
		err := backend.Update(ctx, func(tx stores.Tx) error {
			return tx.IndexAdd(executionsByPipelineKey(execution.PipelineConfigID), execution.ID, score)
		})
		if err != nil {
			return err
		}
	}

	r.metrics.RecordExecutionStored(string(execution.Type))
	return nil
}

func (r *Repository) storeExecution(ctx context.Context, backend stores.Backend, execution *Execution) error {
	fields, remove, err := serializeExecution(execution)
	if err != nil {
		r.metrics.RecordSerializationError(string(execution.Type), execution.Application)
		return err
	}

	key := executionKey(execution.Type, execution.ID)
	stageIDs := make([]string, len(execution.Stages))
	for i, s := range execution.Stages {
		stageIDs[i] = s.ID
	}

	return backend.Update(ctx, func(tx stores.Tx) error {
		if err := tx.SetAdd(allJobsKey(execution.Type), execution.ID); err != nil {
			return err
		}
		if err := tx.SetAdd(appKey(execution.Type, execution.Application), execution.ID); err != nil {
			return err
		}
		if err := tx.SetRecordFields(key, fields); err != nil {
			return err
		}
		if len(remove) > 0 {
			if err := tx.DeleteRecordFields(key, remove...); err != nil {
				return err
			}
		}
		if len(execution.Stages) > 0 {
			if err := tx.ListReplace(stageIndexKey(execution.Type, execution.ID), stageIDs); err != nil {
				return err
			}
		}
		if execution.Trigger.CorrelationID != "" {
			if err := tx.Put(correlationKey(execution.Trigger.CorrelationID), execution.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// StoreStage upserts one stage's fields without touching the stage index.
func (r *Repository) StoreStage(ctx context.Context, stage *Stage) error {
	return r.storeStage(ctx, stage, false)
}

// AddStage inserts a synthetic stage ad hoc, splicing it into the stage
// index immediately before or after its parent.
func (r *Repository) AddStage(ctx context.Context, stage *Stage) error {
	if stage.SyntheticStageOwner == "" || stage.ParentStageID == "" {
		return fmt.Errorf("only synthetic stages can be inserted ad-hoc")
	}
	return r.storeStage(ctx, stage, true)
}

func (r *Repository) storeStage(ctx context.Context, stage *Stage, updateIndex bool) error {
	if stage.Execution == nil {
		return fmt.Errorf("stage %s is not attached to an execution", stage.ID)
	}
	execution := stage.Execution

	backend, _, err := r.backendFor(ctx, execution.Type, execution.ID)
	if err != nil {
		return err
	}

	fields, remove, err := serializeStage(execution.ID, stage)
	if err != nil {
		r.metrics.RecordSerializationError(string(execution.Type), execution.Application)
		return err
	}

	key := executionKey(execution.Type, execution.ID)
	return backend.Update(ctx, func(tx stores.Tx) error {
		if err := tx.SetRecordFields(key, fields); err != nil {
			return err
		}
		if len(remove) > 0 {
			if err := tx.DeleteRecordFields(key, remove...); err != nil {
				return err
			}
		}
		if updateIndex {
			before := stage.SyntheticStageOwner == StageBefore
			indexKey := stageIndexKey(execution.Type, execution.ID)
			return tx.ListInsert(indexKey, stage.ParentStageID, stage.ID, before)
		}
		return nil
	})
}

// RemoveStage deletes one stage's fields and its stage-index entry.
func (r *Repository) RemoveStage(ctx context.Context, execution *Execution, stageID string) error {
	backend, _, err := r.backendFor(ctx, execution.Type, execution.ID)
	if err != nil {
		return err
	}

	key := executionKey(execution.Type, execution.ID)
	record, err := backend.GetRecord(ctx, key)
	if err != nil {
		return err
	}

	prefix := "stage." + stageID + "."
	stageFields := []string{}
	for field := range record {
		if len(field) >= len(prefix) && field[:len(prefix)] == prefix {
			stageFields = append(stageFields, field)
		}
	}

	return backend.Update(ctx, func(tx stores.Tx) error {
		if err := tx.ListRemove(stageIndexKey(execution.Type, execution.ID), stageID); err != nil {
			return err
		}
		if len(stageFields) > 0 {
			return tx.DeleteRecordFields(key, stageFields...)
		}
		return nil
	})
}

// UpdateStageContext writes only the stage's context field.
func (r *Repository) UpdateStageContext(ctx context.Context, stage *Stage) error {
	if stage.Execution == nil {
		return fmt.Errorf("stage %s is not attached to an execution", stage.ID)
	}
	execution := stage.Execution

	backend, _, err := r.backendFor(ctx, execution.Type, execution.ID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(orEmptyMap(stage.Context))
	if err != nil {
		r.metrics.RecordSerializationError(string(execution.Type), execution.Application)
		return &SerializationError{ExecutionID: execution.ID, StageID: stage.ID, Err: err}
	}

	key := executionKey(execution.Type, execution.ID)
	return backend.Update(ctx, func(tx stores.Tx) error {
		return tx.SetRecordFields(key, map[string]string{
			"stage." + stage.ID + ".context": string(raw),
		})
	})
}

// Retrieve loads one execution with its ordered stages and tasks.
func (r *Repository) Retrieve(ctx context.Context, t ExecutionType, id string) (*Execution, error) {
	backend, found, err := r.backendFor(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Type: t, ID: id}
	}
	return r.retrieveFrom(ctx, backend, t, id)
}

func (r *Repository) retrieveFrom(ctx context.Context, backend stores.Backend, t ExecutionType, id string) (*Execution, error) {
	key := executionKey(t, id)
	record, err := backend.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, &NotFoundError{Type: t, ID: id}
	}

	stageIDs, err := backend.ListMembers(ctx, stageIndexKey(t, id))
	if err != nil {
		return nil, err
	}
	if len(stageIDs) == 0 {
		// Records written before the stage index existed carry their
		// ordering only implicitly; recover the ids from field names.
		stageIDs = extractStageIDs(record)
	}

	execution := NewExecution(t, id, record["application"])
	if err := buildExecution(execution, record, stageIDs); err != nil {
		r.metrics.RecordSerializationError(string(t), execution.Application)
		return nil, err
	}
	return execution, nil
}

// RetrieveByApplication lists executions for one application, newest
// first, filtered and paginated by criteria. Executions missing from
// storage are pruned from the application index and skipped.
func (r *Repository) RetrieveByApplication(ctx context.Context, t ExecutionType, application string, criteria Criteria) ([]*Execution, error) {
	executions := []*Execution{}
	seen := map[string]bool{}

	for _, backend := range r.backends() {
		key := appKey(t, application)
		ids, err := backend.SetMembers(ctx, key)
		if err != nil {
			return nil, err
		}

		for _, chunk := range chunkIDs(ids, r.chunkSize) {
			for _, id := range chunk {
				if seen[id] {
					continue
				}
				e, err := r.retrieveFrom(ctx, backend, t, id)
				var notFound *NotFoundError
				if errors.As(err, &notFound) {
					if err := r.pruneSetMember(ctx, backend, key, id); err != nil {
						return nil, err
					}
					continue
				}
				if err != nil {
					return nil, err
				}
				seen[id] = true
				if criteria.allowsStatus(e.Status) {
					executions = append(executions, e)
				}
			}
		}
	}

	sortNewestFirst(executions)
	return paginate(executions, criteria), nil
}

// RetrieveByPipelineConfigID lists pipeline executions for one workflow
// config, newest first, filtered and paginated by criteria.
func (r *Repository) RetrieveByPipelineConfigID(ctx context.Context, pipelineConfigID string, criteria Criteria) ([]*Execution, error) {
	executions := []*Execution{}
	seen := map[string]bool{}
	key := executionsByPipelineKey(pipelineConfigID)

	for _, backend := range r.backends() {
		ids, err := backend.IndexMembers(ctx, key, true)
		if err != nil {
			return nil, err
		}

	backendScan:
		for _, chunk := range chunkIDs(ids, r.chunkSize) {
			for _, id := range chunk {
				if seen[id] {
					continue
				}
				e, err := r.retrieveFrom(ctx, backend, ExecutionTypePipeline, id)
				var notFound *NotFoundError
				if errors.As(err, &notFound) {
					if err := r.pruneIndexMember(ctx, backend, key, id); err != nil {
						return nil, err
					}
					continue
				}
				if err != nil {
					return nil, err
				}
				seen[id] = true
				if !criteria.allowsStatus(e.Status) {
					continue
				}
				executions = append(executions, e)
				if len(criteria.Statuses) == 0 && criteria.PageSize > 0 &&
					criteria.Page == 0 && len(executions) >= criteria.PageSize {
					break backendScan
				}
			}
		}
	}

	sortNewestFirst(executions)
	return paginate(executions, criteria), nil
}

// RetrieveByCorrelationID resolves a trigger correlation id to its live
// execution. A pointer left behind by a completed execution is evicted
// and reported as NotFound.
func (r *Repository) RetrieveByCorrelationID(ctx context.Context, t ExecutionType, correlationID string) (*Execution, error) {
	key := correlationKey(correlationID)

	for _, backend := range r.backends() {
		id, err := backend.Get(ctx, key)
		if errors.Is(err, stores.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		e, err := r.retrieveFrom(ctx, backend, t, id)
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			if err := r.evictCorrelation(ctx, backend, key); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if e.Status.Complete() {
			if err := r.evictCorrelation(ctx, backend, key); err != nil {
				return nil, err
			}
			continue
		}
		return e, nil
	}

	return nil, &NotFoundError{Type: t, ID: correlationID}
}

// Cancel flags the execution canceled and records the actor and reason.
// A NOT_STARTED execution transitions straight to CANCELED since there
// is no running work to interrupt.
func (r *Repository) Cancel(ctx context.Context, t ExecutionType, id, user, reason string) error {
	execution, err := r.Retrieve(ctx, t, id)
	if err != nil {
		return err
	}

	backend, _, err := r.backendFor(ctx, t, id)
	if err != nil {
		return err
	}

	fields := map[string]string{"canceled": "true"}
	if user != "" {
		fields["canceledBy"] = user
	}
	if reason != "" {
		fields["cancellationReason"] = reason
	}
	if execution.Status == StatusNotStarted {
		fields["status"] = string(StatusCanceled)
	}

	return backend.Update(ctx, func(tx stores.Tx) error {
		return tx.SetRecordFields(executionKey(t, id), fields)
	})
}

// Pause moves a RUNNING execution to PAUSED and records the pause audit.
func (r *Repository) Pause(ctx context.Context, t ExecutionType, id, user string) error {
	backend, status, err := r.currentStatus(ctx, t, id)
	if err != nil {
		return err
	}
	if status != StatusRunning {
		return &IllegalStateTransitionError{ID: id, Current: status, Attempted: StatusPaused}
	}

	now := time.Now().UnixMilli()
	paused := &PausedDetails{PausedBy: user, PauseTime: &now}
	raw, err := json.Marshal(paused)
	if err != nil {
		return &SerializationError{ExecutionID: id, Err: err}
	}

	return backend.Update(ctx, func(tx stores.Tx) error {
		return tx.SetRecordFields(executionKey(t, id), map[string]string{
			"paused": string(raw),
			"status": string(StatusPaused),
		})
	})
}

// Resume moves a PAUSED execution back to RUNNING and completes the
// pause audit. ignoreCurrentStatus skips the PAUSED precondition.
func (r *Repository) Resume(ctx context.Context, t ExecutionType, id, user string, ignoreCurrentStatus bool) error {
	backend, status, err := r.currentStatus(ctx, t, id)
	if err != nil {
		return err
	}
	if !ignoreCurrentStatus && status != StatusPaused {
		return &IllegalStateTransitionError{ID: id, Current: status, Attempted: StatusRunning}
	}

	paused := &PausedDetails{}
	rawPaused, err := backend.GetRecordField(ctx, executionKey(t, id), "paused")
	if err != nil && !errors.Is(err, stores.ErrKeyNotFound) {
		return err
	}
	if rawPaused != "" {
		if err := json.Unmarshal([]byte(rawPaused), paused); err != nil {
			return &SerializationError{ExecutionID: id, Err: err}
		}
	}

	now := time.Now().UnixMilli()
	paused.ResumedBy = user
	paused.ResumeTime = &now
	raw, err := json.Marshal(paused)
	if err != nil {
		return &SerializationError{ExecutionID: id, Err: err}
	}

	return backend.Update(ctx, func(tx stores.Tx) error {
		return tx.SetRecordFields(executionKey(t, id), map[string]string{
			"paused": string(raw),
			"status": string(StatusRunning),
		})
	})
}

// IsCanceled reports the execution's cancellation flag.
func (r *Repository) IsCanceled(ctx context.Context, t ExecutionType, id string) (bool, error) {
	backend, found, err := r.backendFor(ctx, t, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, &NotFoundError{Type: t, ID: id}
	}

	raw, err := backend.GetRecordField(ctx, executionKey(t, id), "canceled")
	if errors.Is(err, stores.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return raw == "true", nil
}

// UpdateStatus moves the execution to the given status. Entering RUNNING
// clears the cancellation flag and stamps the start time; entering any
// complete status stamps the end time.
func (r *Repository) UpdateStatus(ctx context.Context, t ExecutionType, id string, status Status) error {
	backend, found, err := r.backendFor(ctx, t, id)
	if err != nil {
		return err
	}
	if !found {
		return &NotFoundError{Type: t, ID: id}
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	fields := map[string]string{"status": string(status)}
	switch {
	case status == StatusRunning:
		fields["canceled"] = "false"
		fields["startTime"] = now
	case status.Complete():
		fields["endTime"] = now
	}

	return backend.Update(ctx, func(tx stores.Tx) error {
		return tx.SetRecordFields(executionKey(t, id), fields)
	})
}

// Delete removes the execution record and every index entry referencing
// it. Absence is tolerated; deleting twice is not an error.
func (r *Repository) Delete(ctx context.Context, t ExecutionType, id string) error {
	backend, found, err := r.backendFor(ctx, t, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	key := executionKey(t, id)
	record, err := backend.GetRecord(ctx, key)
	if err != nil {
		return err
	}

	correlationID := ""
	if rawTrigger := record["trigger"]; rawTrigger != "" {
		var trigger struct {
			CorrelationID string `json:"correlationId"`
		}
		// A corrupt trigger payload must not block deletion.
		if err := json.Unmarshal([]byte(rawTrigger), &trigger); err == nil {
			correlationID = trigger.CorrelationID
		}
	}

	err = backend.Update(ctx, func(tx stores.Tx) error {
		if application := record["application"]; application != "" {
			if err := tx.SetRemove(appKey(t, application), id); err != nil {
				return err
			}
		}
		if err := tx.SetRemove(allJobsKey(t), id); err != nil {
			return err
		}
		if t == ExecutionTypePipeline {
			if err := tx.IndexRemove(executionsByPipelineKey(record["pipelineConfigId"]), id); err != nil {
				return err
			}
		}
		if correlationID != "" {
			if err := tx.Delete(correlationKey(correlationID)); err != nil {
				return err
			}
		}
		if err := tx.ListReplace(stageIndexKey(t, id), []string{}); err != nil {
			return err
		}
		return tx.DeleteRecord(key)
	})
	if err != nil {
		return err
	}

	r.metrics.RecordExecutionDeleted(string(t))
	return nil
}

// backendFor picks the backend that currently holds the execution. The
// primary always wins; the previous backend is only consulted on miss.
func (r *Repository) backendFor(ctx context.Context, t ExecutionType, id string) (stores.Backend, bool, error) {
	key := executionKey(t, id)

	exists, err := r.primary.RecordExists(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if exists {
		return r.primary, true, nil
	}

	if r.previous != nil {
		exists, err := r.previous.RecordExists(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if exists {
			return r.previous, true, nil
		}
	}

	return r.primary, false, nil
}

func (r *Repository) backends() []stores.Backend {
	if r.previous != nil {
		return []stores.Backend{r.primary, r.previous}
	}
	return []stores.Backend{r.primary}
}

func (r *Repository) currentStatus(ctx context.Context, t ExecutionType, id string) (stores.Backend, Status, error) {
	backend, found, err := r.backendFor(ctx, t, id)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", &NotFoundError{Type: t, ID: id}
	}

	raw, err := backend.GetRecordField(ctx, executionKey(t, id), "status")
	if errors.Is(err, stores.ErrKeyNotFound) {
		return nil, "", &NotFoundError{Type: t, ID: id}
	}
	if err != nil {
		return nil, "", err
	}

	status, err := ParseStatus(raw)
	if err != nil {
		return nil, "", &SerializationError{ExecutionID: id, Err: err}
	}
	return backend, status, nil
}

func (r *Repository) pruneSetMember(ctx context.Context, backend stores.Backend, key, id string) error {
	r.logger.WithField("execution_id", id).
		Warnf("pruning missing execution %s from index %s", id, key)
	r.metrics.RecordIndexPruned("application")
	return backend.Update(ctx, func(tx stores.Tx) error {
		return tx.SetRemove(key, id)
	})
}

func (r *Repository) pruneIndexMember(ctx context.Context, backend stores.Backend, key, id string) error {
	r.logger.WithField("execution_id", id).
		Warnf("pruning missing execution %s from index %s", id, key)
	r.metrics.RecordIndexPruned("pipelineConfig")
	return backend.Update(ctx, func(tx stores.Tx) error {
		return tx.IndexRemove(key, id)
	})
}

func (r *Repository) evictCorrelation(ctx context.Context, backend stores.Backend, key string) error {
	return backend.Update(ctx, func(tx stores.Tx) error {
		return tx.Delete(key)
	})
}

func chunkIDs(ids []string, size int) [][]string {
	chunks := [][]string{}
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func sortNewestFirst(executions []*Execution) {
	sort.SliceStable(executions, func(i, j int) bool {
		return buildTimeOf(executions[i]) > buildTimeOf(executions[j])
	})
}

func buildTimeOf(e *Execution) int64 {
	if e.BuildTime != nil {
		return *e.BuildTime
	}
	return 0
}

func paginate(executions []*Execution, criteria Criteria) []*Execution {
	if criteria.PageSize <= 0 {
		return executions
	}
	start := criteria.Page * criteria.PageSize
	if start >= len(executions) {
		return []*Execution{}
	}
	end := start + criteria.PageSize
	if end > len(executions) {
		end = len(executions)
	}
	return executions[start:end]
}
