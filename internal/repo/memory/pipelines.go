package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

func (s *Store) CreatePipeline(ctx context.Context, p domain.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; ok {
		return fmt.Errorf("pipeline %s already exists", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.pipelines[p.ID] = p
	return nil
}

func (s *Store) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return domain.Pipeline{}, repo.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPipelines(ctx context.Context, f repo.PipelineFilter) ([]domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Pipeline, 0)
	for _, p := range s.pipelines {
		if f.TenantID != "" && p.TenantID != f.TenantID {
			continue
		}
		if f.Name != "" && p.Name != f.Name {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CreateExecution(ctx context.Context, e domain.Execution, steps []domain.StepState) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	stored := e
	s.executions[e.ID] = &stored
	s.steps[e.ID] = map[string]*domain.StepState{}
	for _, step := range steps {
		st := step
		st.ExecutionID = e.ID
		s.steps[e.ID][st.Name] = &st
		s.stepOrder[e.ID] = append(s.stepOrder[e.ID], st.Name)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return domain.Execution{}, repo.ErrNotFound
	}
	return *e, nil
}

func (s *Store) ListExecutions(ctx context.Context, f repo.ExecutionFilter) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Execution, 0)
	for _, e := range s.executions {
		if f.PipelineID != "" && e.PipelineID != f.PipelineID {
			continue
		}
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.NonTerminal && e.Status.Terminal() {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) TransitionExecution(ctx context.Context, id string, from, to domain.ExecutionStatus, reason string) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return domain.Execution{}, repo.ErrNotFound
	}
	if e.Status != from {
		return domain.Execution{}, repo.ErrConflict
	}
	e.Status = to
	e.Reason = reason
	if to.Terminal() {
		at := s.now()
		e.EndedAt = &at
	}
	return *e, nil
}

func (s *Store) ListSteps(ctx context.Context, executionID string) ([]domain.StepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return nil, repo.ErrNotFound
	}
	names := s.stepOrder[executionID]
	out := make([]domain.StepState, 0, len(names))
	for _, name := range names {
		out = append(out, *s.steps[executionID][name])
	}
	return out, nil
}

func (s *Store) GetStep(ctx context.Context, executionID, name string) (domain.StepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[executionID][name]
	if !ok {
		return domain.StepState{}, repo.ErrNotFound
	}
	return *step, nil
}

func (s *Store) InsertSteps(ctx context.Context, executionID string, steps []domain.StepState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return repo.ErrNotFound
	}
	for _, step := range steps {
		// Re-inserting after a partial write is a no-op, not an error.
		if _, exists := s.steps[executionID][step.Name]; exists {
			continue
		}
		st := step
		st.ExecutionID = executionID
		s.steps[executionID][st.Name] = &st
		s.stepOrder[executionID] = append(s.stepOrder[executionID], st.Name)
	}
	return nil
}

func (s *Store) UpdateStep(ctx context.Context, executionID, name string, from domain.StepStatus, change repo.StepChange) (domain.StepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[executionID][name]
	if !ok {
		return domain.StepState{}, repo.ErrNotFound
	}
	if step.Status != from {
		return domain.StepState{}, repo.ErrConflict
	}

	step.Status = change.To
	step.Reason = change.Reason
	if change.Outputs != nil {
		step.Outputs = change.Outputs
	}
	if change.JobID != nil {
		step.JobID = *change.JobID
	}
	if change.AwaitEvent != nil {
		step.AwaitEvent = *change.AwaitEvent
	}
	step.Deadline = change.Deadline

	now := s.now()
	switch {
	case change.To == domain.StepRunning || change.To == domain.StepWaiting:
		if step.StartedAt == nil {
			at := now
			step.StartedAt = &at
		}
	case change.To.Terminal():
		at := now
		step.EndedAt = &at
		step.AwaitEvent = ""
	}
	return *step, nil
}

func (s *Store) ListStepsAwaitingEvent(ctx context.Context, eventName string) ([]domain.StepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StepState, 0)
	for _, steps := range s.steps {
		for _, step := range steps {
			if step.Status == domain.StepWaiting && step.AwaitEvent == eventName {
				out = append(out, *step)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionID == out[j].ExecutionID {
			return out[i].Name < out[j].Name
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out, nil
}

func (s *Store) ListStepsPastDeadline(ctx context.Context, now time.Time) ([]domain.StepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StepState, 0)
	for _, steps := range s.steps {
		for _, step := range steps {
			if step.Status.Terminal() || step.Deadline == nil {
				continue
			}
			if step.Status == domain.StepPending {
				continue
			}
			if !step.Deadline.After(now) {
				out = append(out, *step)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionID == out[j].ExecutionID {
			return out[i].Name < out[j].Name
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out, nil
}
