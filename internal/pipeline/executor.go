// Package pipeline materializes pipeline definitions into persisted
// executions and walks them to completion. The executor keeps no state of
// its own: every decision derives from the stored Execution and StepState
// rows, so a restarted process resumes exactly where the last one stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

// JobService is the slice of the job layer the executor needs.
type JobService interface {
	Create(ctx context.Context, job domain.Job) (domain.Job, bool, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	Cancel(ctx context.Context, id, reason string) (domain.Job, error)
}

// Publisher is the slice of the event bus the executor needs.
type Publisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

// Notifier delivers notification-step messages. Delivery is best effort;
// the step completes regardless.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// FunctionHandler is an in-process function a FUNCTION step can invoke.
type FunctionHandler func(ctx context.Context, args domain.Metadata) (domain.Metadata, error)

// Store combines the pipeline and execution repositories.
type Store interface {
	repo.PipelineRepository
	repo.ExecutionRepository
}

type Executor struct {
	logger    *slog.Logger
	store     Store
	jobs      JobService
	bus       Publisher
	notifier  Notifier
	functions map[string]FunctionHandler
	http      *http.Client
	now       func() time.Time

	// mu serializes graph walks within this process. Cross-process safety
	// comes from the store's guarded step updates.
	mu sync.Mutex
}

func NewExecutor(logger *slog.Logger, store Store, jobs JobService, bus Publisher, notifier Notifier) *Executor {
	return &Executor{
		logger:    logger,
		store:     store,
		jobs:      jobs,
		bus:       bus,
		notifier:  notifier,
		functions: map[string]FunctionHandler{},
		http:      &http.Client{Timeout: 30 * time.Second},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterFunction makes a handler available to FUNCTION steps. Expected
// during wiring, before any execution starts.
func (e *Executor) RegisterFunction(name string, h FunctionHandler) {
	e.functions[name] = h
}

// SubmitPipeline decodes, validates and stores a pipeline definition.
func (e *Executor) SubmitPipeline(ctx context.Context, tenantID string, raw []byte) (domain.Pipeline, error) {
	def, err := Decode(raw)
	if err != nil {
		return domain.Pipeline{}, err
	}
	p, err := Build(def, uuid.NewString(), tenantID, e.now())
	if err != nil {
		return domain.Pipeline{}, err
	}
	if err := e.store.CreatePipeline(ctx, p); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

// StartExecution materializes one run of a pipeline: the execution row, a
// step row per definition step, then an immediate graph walk that dispatches
// every root step.
func (e *Executor) StartExecution(ctx context.Context, pipelineID string, params domain.Metadata) (domain.Execution, error) {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return domain.Execution{}, err
	}

	merged := p.Params
	if merged == nil {
		merged = domain.Metadata{}
	} else {
		merged = merged.Clone()
	}
	for k, v := range params {
		merged[k] = v
	}

	now := e.now()
	exec := domain.Execution{
		ID:         uuid.NewString(),
		PipelineID: p.ID,
		TenantID:   p.TenantID,
		Status:     domain.ExecutionRunning,
		Params:     merged,
		StartedAt:  now,
	}
	if p.TimeoutSec > 0 {
		deadline := now.Add(time.Duration(p.TimeoutSec) * time.Second)
		exec.Deadline = &deadline
	}

	steps := make([]domain.StepState, 0, len(p.Steps))
	for _, def := range p.Steps {
		steps = append(steps, domain.StepState{
			Name:   def.Name,
			Def:    def,
			Status: domain.StepPending,
		})
	}
	if err := e.store.CreateExecution(ctx, exec, steps); err != nil {
		return domain.Execution{}, err
	}

	if err := e.Advance(ctx, exec.ID); err != nil {
		return domain.Execution{}, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// Advance walks the execution graph until nothing more can move: ready
// steps are dispatched, skip and failure cascades propagate, fan-in parents
// close, and the execution itself finishes when every step is terminal.
func (e *Executor) Advance(ctx context.Context, executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.advanceLocked(ctx, executionID)
}

func (e *Executor) advanceLocked(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	if exec.Deadline != nil && !exec.Deadline.After(e.now()) {
		// A blown deadline cancels the outstanding steps but the execution
		// itself ends FAILED; only operator cancellation ends it CANCELLED.
		return e.cancelLocked(ctx, exec, "pipeline timeout exceeded", domain.ExecutionFailed)
	}

	for {
		steps, err := e.store.ListSteps(ctx, executionID)
		if err != nil {
			return err
		}
		changed, err := e.stepPass(ctx, exec, steps)
		if err != nil {
			return err
		}
		if !changed {
			break
		}
	}

	return e.settleLocked(ctx, exec)
}

// stepPass makes one round of progress over the step rows. It returns true
// when anything changed, in which case the caller re-reads and goes again.
func (e *Executor) stepPass(ctx context.Context, exec domain.Execution, steps []domain.StepState) (bool, error) {
	byName := make(map[string]domain.StepState, len(steps))
	children := map[string][]domain.StepState{}
	outputs := map[string]domain.Metadata{}
	for _, st := range steps {
		byName[st.Name] = st
		if st.Parent != "" {
			children[st.Parent] = append(children[st.Parent], st)
		}
		if st.Status == domain.StepCompleted {
			outputs[st.Name] = st.Outputs
		}
	}

	changed := false
	for _, st := range steps {
		if !st.Status.Terminal() && st.Status != domain.StepPending {
			// Running or waiting: fan-in parents and job steps are checked
			// here, the rest resolve through events, signals or sweeps.
			if isExpander(st.Def.Kind) && st.Status == domain.StepRunning {
				done, err := e.closeFanIn(ctx, exec, st, children[st.Name])
				if err != nil {
					return false, err
				}
				changed = changed || done
			}
			if st.Def.Kind == domain.StepKindJob && st.Status == domain.StepRunning && st.JobID != "" {
				done, err := e.reconcileJobStep(ctx, exec, st)
				if err != nil {
					return false, err
				}
				changed = changed || done
			}
			continue
		}
		if st.Status != domain.StepPending {
			continue
		}

		if st.Parent != "" {
			parent, ok := byName[st.Parent]
			if !ok || parent.Status != domain.StepRunning {
				continue
			}
			if err := e.dispatch(ctx, exec, st, outputs); err != nil {
				return false, err
			}
			changed = true
			continue
		}

		ready, allSkipped, depFailed := depState(st.Def.DependsOn, byName)
		switch {
		case depFailed:
			if err := e.markStep(ctx, st, domain.StepCancelled, "dependency failed", nil); err != nil {
				return false, err
			}
			changed = true
		case ready && allSkipped && len(st.Def.DependsOn) > 0:
			if err := e.markStep(ctx, st, domain.StepSkipped, "all dependencies skipped", nil); err != nil {
				return false, err
			}
			changed = true
		case ready:
			if err := e.dispatch(ctx, exec, st, outputs); err != nil {
				return false, err
			}
			changed = true
		}
	}
	return changed, nil
}

func isExpander(kind domain.StepKind) bool {
	return kind == domain.StepKindLoop || kind == domain.StepKindParallel
}

// depState reports whether all dependencies are satisfied (COMPLETED or
// SKIPPED), whether every one of them was skipped, and whether any failed
// or was cancelled.
func depState(deps []string, byName map[string]domain.StepState) (ready, allSkipped, depFailed bool) {
	ready = true
	allSkipped = true
	for _, dep := range deps {
		st, ok := byName[dep]
		if !ok {
			return false, false, true
		}
		switch st.Status {
		case domain.StepCompleted:
			allSkipped = false
		case domain.StepSkipped:
		case domain.StepFailed, domain.StepCancelled:
			return false, false, true
		default:
			ready = false
			allSkipped = false
		}
	}
	return ready, allSkipped, false
}

// closeFanIn completes an expander parent once every child is terminal. A
// failed or cancelled child fails the parent; child outputs aggregate under
// "children".
func (e *Executor) closeFanIn(ctx context.Context, exec domain.Execution, parent domain.StepState, kids []domain.StepState) (bool, error) {
	if len(kids) == 0 {
		return false, nil
	}
	failed, cancelled := 0, 0
	for _, kid := range kids {
		if !kid.Status.Terminal() {
			return false, nil
		}
		switch kid.Status {
		case domain.StepFailed:
			failed++
		case domain.StepCancelled:
			cancelled++
		}
	}

	if failed+cancelled > 0 {
		var reason string
		switch {
		case failed > 0 && cancelled > 0:
			reason = fmt.Sprintf("%d of %d children failed, %d cancelled", failed, len(kids), cancelled)
		case failed > 0:
			reason = fmt.Sprintf("%d of %d children failed", failed, len(kids))
		default:
			reason = fmt.Sprintf("%d of %d children cancelled", cancelled, len(kids))
		}
		return true, e.failStep(ctx, exec, parent, reason)
	}
	aggregated := domain.Metadata{}
	for _, kid := range kids {
		if kid.Outputs != nil {
			aggregated[kid.Name] = map[string]any(kid.Outputs)
		}
	}
	return true, e.completeStep(ctx, exec, parent, domain.Metadata{"children": map[string]any(aggregated)})
}

// reconcileJobStep folds an already-terminal job back into its running step.
// The job store commits terminal transitions before their events publish, so
// a crash in that window leaves a terminal job behind a running step with no
// event ever arriving. Every graph walk re-reads the job row, making the
// stored state the source of truth rather than the event.
func (e *Executor) reconcileJobStep(ctx context.Context, exec domain.Execution, step domain.StepState) (bool, error) {
	job, err := e.jobs.Get(ctx, step.JobID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		return true, e.completeStep(ctx, exec, step, job.Outputs)
	case domain.JobStatusFailed:
		reason := job.Reason
		if reason == "" {
			reason = "job failed"
		}
		return true, e.failStep(ctx, exec, step, reason)
	case domain.JobStatusCancelled:
		return true, e.markStep(ctx, step, domain.StepCancelled, "job cancelled", nil)
	}
	return false, nil
}

// settleLocked applies the failure policy and closes the execution when all
// steps are terminal.
func (e *Executor) settleLocked(ctx context.Context, exec domain.Execution) error {
	steps, err := e.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return err
	}

	var firstFailure, firstCancelled string
	allTerminal := true
	for _, st := range steps {
		if st.Status == domain.StepFailed && firstFailure == "" {
			firstFailure = st.Name
		}
		if st.Status == domain.StepCancelled && firstCancelled == "" {
			firstCancelled = st.Name
		}
		if !st.Status.Terminal() {
			allTerminal = false
		}
	}

	pipeline, err := e.store.GetPipeline(ctx, exec.PipelineID)
	if err != nil {
		return err
	}

	if firstFailure != "" && pipeline.FailurePolicy == domain.FailFast && !allTerminal {
		reason := fmt.Sprintf("step %s failed", firstFailure)
		if err := e.cancelStepsLocked(ctx, exec, steps, reason); err != nil {
			return err
		}
		return e.finishExecution(ctx, exec, domain.ExecutionFailed, reason)
	}

	if !allTerminal {
		return nil
	}
	if firstFailure != "" {
		return e.finishExecution(ctx, exec, domain.ExecutionFailed, fmt.Sprintf("step %s failed", firstFailure))
	}
	if firstCancelled != "" {
		return e.finishExecution(ctx, exec, domain.ExecutionFailed, fmt.Sprintf("step %s cancelled", firstCancelled))
	}
	return e.finishExecution(ctx, exec, domain.ExecutionCompleted, "")
}

func (e *Executor) finishExecution(ctx context.Context, exec domain.Execution, to domain.ExecutionStatus, reason string) error {
	done, err := e.store.TransitionExecution(ctx, exec.ID, exec.Status, to, reason)
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	kind := domain.EventExecutionCompleted
	switch to {
	case domain.ExecutionFailed:
		kind = domain.EventExecutionFailed
	case domain.ExecutionCancelled:
		kind = domain.EventExecutionCancelled
	}
	e.publish(ctx, kind, done.ID, domain.Metadata{
		"execution_id": done.ID,
		"pipeline_id":  done.PipelineID,
		"tenant_id":    done.TenantID,
		"status":       string(done.Status),
		"reason":       done.Reason,
	})
	return nil
}

// CancelExecution is forward-only and idempotent, mirroring job
// cancellation. Outstanding jobs are cancelled through the job service so
// their quota releases normally.
func (e *Executor) CancelExecution(ctx context.Context, id, reason string) (domain.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return domain.Execution{}, err
	}
	if exec.Status == domain.ExecutionCancelled {
		return exec, nil
	}
	if exec.Status.Terminal() {
		return domain.Execution{}, repo.ErrConflict
	}
	if err := e.cancelLocked(ctx, exec, reason, domain.ExecutionCancelled); err != nil {
		return domain.Execution{}, err
	}
	return e.store.GetExecution(ctx, id)
}

func (e *Executor) cancelLocked(ctx context.Context, exec domain.Execution, reason string, to domain.ExecutionStatus) error {
	steps, err := e.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return err
	}
	if err := e.cancelStepsLocked(ctx, exec, steps, reason); err != nil {
		return err
	}
	return e.finishExecution(ctx, exec, to, reason)
}

func (e *Executor) cancelStepsLocked(ctx context.Context, exec domain.Execution, steps []domain.StepState, reason string) error {
	for _, st := range steps {
		if st.Status.Terminal() {
			continue
		}
		if st.JobID != "" {
			if _, err := e.jobs.Cancel(ctx, st.JobID, reason); err != nil && !errors.Is(err, repo.ErrConflict) && !errors.Is(err, repo.ErrNotFound) {
				e.logger.Warn("cancel step job failed", "execution_id", exec.ID, "step", st.Name, "job_id", st.JobID, "error", err)
			}
		}
		if err := e.markStep(ctx, st, domain.StepCancelled, reason, nil); err != nil {
			return err
		}
	}
	return nil
}

// HandleJobEvent folds job lifecycle events back into the step that created
// the job. Events for jobs outside any execution are ignored.
func (e *Executor) HandleJobEvent(ctx context.Context, event domain.Event) error {
	execID := stringField(event.Payload, "execution_id")
	stepName := stringField(event.Payload, "step_name")
	if execID == "" || stepName == "" {
		return nil
	}

	step, err := e.store.GetStep(ctx, execID, stepName)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if step.Status.Terminal() {
		return nil
	}

	exec, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}

	switch event.Kind {
	case domain.EventJobCompleted:
		var outputs domain.Metadata
		if raw, ok := event.Payload["outputs"].(map[string]any); ok {
			outputs = domain.Metadata(raw)
		}
		if err := e.completeStep(ctx, exec, step, outputs); err != nil {
			return err
		}
	case domain.EventJobFailed:
		reason := stringField(event.Payload, "reason")
		if reason == "" {
			reason = "job failed"
		}
		if err := e.failStep(ctx, exec, step, reason); err != nil {
			return err
		}
	case domain.EventJobCancelled:
		if err := e.markStep(ctx, step, domain.StepCancelled, "job cancelled", nil); err != nil {
			return err
		}
	default:
		return nil
	}
	return e.Advance(ctx, execID)
}

// HandleExternalSignal resumes every wait step awaiting the signalled event
// name. Signal data becomes the step's outputs.
func (e *Executor) HandleExternalSignal(ctx context.Context, event domain.Event) error {
	name := stringField(event.Payload, "name")
	if name == "" {
		return nil
	}
	var data domain.Metadata
	if raw, ok := event.Payload["data"].(map[string]any); ok {
		data = domain.Metadata(raw)
	}

	waiting, err := e.store.ListStepsAwaitingEvent(ctx, name)
	if err != nil {
		return err
	}
	for _, step := range waiting {
		exec, err := e.store.GetExecution(ctx, step.ExecutionID)
		if err != nil {
			return err
		}
		if err := e.completeStep(ctx, exec, step, data); err != nil {
			return err
		}
		if err := e.Advance(ctx, step.ExecutionID); err != nil {
			return err
		}
	}
	return nil
}

// SweepDeadlines resolves overdue waits and step timeouts. Delay waits
// complete when their deadline arrives; everything else overdue fails.
func (e *Executor) SweepDeadlines(ctx context.Context) {
	overdue, err := e.store.ListStepsPastDeadline(ctx, e.now())
	if err != nil {
		e.logger.Warn("deadline sweep failed", "error", err)
		return
	}
	for _, step := range overdue {
		exec, err := e.store.GetExecution(ctx, step.ExecutionID)
		if err != nil {
			e.logger.Warn("deadline sweep read failed", "execution_id", step.ExecutionID, "error", err)
			continue
		}

		switch {
		case step.Status == domain.StepWaiting && step.Def.Kind == domain.StepKindWait && step.Def.Wait != nil && step.Def.Wait.DelaySec > 0:
			err = e.completeStep(ctx, exec, step, nil)
		case step.Status == domain.StepWaiting:
			err = e.failStep(ctx, exec, step, "wait timeout exceeded")
		default:
			if step.JobID != "" {
				if _, cerr := e.jobs.Cancel(ctx, step.JobID, "step timeout exceeded"); cerr != nil && !errors.Is(cerr, repo.ErrConflict) {
					e.logger.Warn("cancel timed-out job failed", "job_id", step.JobID, "error", cerr)
				}
			}
			err = e.failStep(ctx, exec, step, "step timeout exceeded")
		}
		if err != nil && !errors.Is(err, repo.ErrConflict) {
			e.logger.Warn("deadline transition failed", "execution_id", step.ExecutionID, "step", step.Name, "error", err)
			continue
		}
		if err := e.Advance(ctx, step.ExecutionID); err != nil {
			e.logger.Warn("advance after deadline failed", "execution_id", step.ExecutionID, "error", err)
		}
	}
}

// ResumeAll re-walks every non-terminal execution. Called at startup so a
// restarted process picks up in-flight work, and on a timer as a safety net.
func (e *Executor) ResumeAll(ctx context.Context) {
	execs, err := e.store.ListExecutions(ctx, repo.ExecutionFilter{NonTerminal: true})
	if err != nil {
		e.logger.Warn("list executions failed", "error", err)
		return
	}
	for _, exec := range execs {
		if err := e.Advance(ctx, exec.ID); err != nil {
			e.logger.Warn("resume failed", "execution_id", exec.ID, "error", err)
		}
	}
}

// Run drives sweeps and resume passes until the context ends.
func (e *Executor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepDeadlines(ctx)
			e.ResumeAll(ctx)
		}
	}
}

func (e *Executor) publish(ctx context.Context, kind domain.EventKind, correlationID string, payload domain.Metadata) {
	if e.bus == nil {
		return
	}
	err := e.bus.Publish(ctx, domain.Event{
		Kind:          kind,
		CorrelationID: correlationID,
		Payload:       payload,
		OccurredAt:    e.now(),
	})
	if err != nil {
		e.logger.Warn("event publish failed", "kind", kind, "correlation_id", correlationID, "error", err)
	}
}

func stringField(m domain.Metadata, key string) string {
	v, _ := m[key].(string)
	return v
}
