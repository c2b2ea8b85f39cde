package saga

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/helmsman-cd/helmsman/pkg/stores"
	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

// Repository persists sagas. One Save per completed action keeps the
// durable cursor exactly one step behind the running action, which is
// what makes crash resume safe.
type Repository struct {
	backend stores.Backend
	logger  *telemetry.Logger
}

// NewRepository creates a saga repository on the given backend.
func NewRepository(backend stores.Backend, logger *telemetry.Logger) *Repository {
	return &Repository{
		backend: backend,
		logger:  logger.NewComponentLogger("saga-repository"),
	}
}

func sagaKey(id string) string {
	return fmt.Sprintf("saga:%s", id)
}

func sagaLogKey(id string) string {
	return sagaKey(id) + ":log"
}

func sagaStepsKey(id string) string {
	return sagaKey(id) + ":steps"
}

// Save writes the saga's record, log, and step cursor as one atomic
// group. Read-after-write on the same saga id is immediately
// consistent.
func (r *Repository) Save(ctx context.Context, s *Saga) error {
	steps := make([]string, len(s.steps))
	for i, st := range s.steps {
		raw, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to serialize saga %s step %d: %w", s.ID, st.Seq, err)
		}
		steps[i] = string(raw)
	}

	fields := map[string]string{
		"name":     s.Name,
		"status":   string(s.Status),
		"sequence": strconv.Itoa(s.Sequence),
	}

	return r.backend.Update(ctx, func(tx stores.Tx) error {
		if err := tx.SetRecordFields(sagaKey(s.ID), fields); err != nil {
			return err
		}
		if err := tx.ListReplace(sagaLogKey(s.ID), s.Log); err != nil {
			return err
		}
		return tx.ListReplace(sagaStepsKey(s.ID), steps)
	})
}

// Get loads one saga, or NotFoundError.
func (r *Repository) Get(ctx context.Context, id string) (*Saga, error) {
	record, err := r.backend.GetRecord(ctx, sagaKey(id))
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, &NotFoundError{ID: id}
	}

	s := &Saga{
		ID:     id,
		Name:   record["name"],
		Status: Status(record["status"]),
	}
	if raw := record["sequence"]; raw != "" {
		if s.Sequence, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("failed to parse saga %s sequence: %w", id, err)
		}
	}

	if s.Log, err = r.backend.ListMembers(ctx, sagaLogKey(id)); err != nil {
		return nil, err
	}

	rawSteps, err := r.backend.ListMembers(ctx, sagaStepsKey(id))
	if err != nil {
		return nil, err
	}
	s.steps = make([]step, len(rawSteps))
	for i, raw := range rawSteps {
		if err := json.Unmarshal([]byte(raw), &s.steps[i]); err != nil {
			return nil, fmt.Errorf("failed to parse saga %s step %d: %w", id, i, err)
		}
	}
	return s, nil
}

// Delete removes the saga and its log. Absence is tolerated.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.backend.Update(ctx, func(tx stores.Tx) error {
		if err := tx.ListReplace(sagaLogKey(id), []string{}); err != nil {
			return err
		}
		if err := tx.ListReplace(sagaStepsKey(id), []string{}); err != nil {
			return err
		}
		return tx.DeleteRecord(sagaKey(id))
	})
}
