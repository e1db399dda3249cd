package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

const maxResponseBody = 64 << 10

// dispatch runs a ready step according to its kind. Synchronous kinds
// (api_call, function, condition, notification) resolve before returning;
// job, wait, loop and parallel leave the step in flight. Semantic failures
// land in the step row; only storage errors propagate.
func (e *Executor) dispatch(ctx context.Context, exec domain.Execution, step domain.StepState, outputs map[string]domain.Metadata) error {
	switch step.Def.Kind {
	case domain.StepKindJob:
		return e.dispatchJob(ctx, exec, step, outputs)
	case domain.StepKindAPICall:
		return e.dispatchAPICall(ctx, exec, step, outputs)
	case domain.StepKindFunction:
		return e.dispatchFunction(ctx, exec, step, outputs)
	case domain.StepKindCondition:
		return e.dispatchCondition(ctx, exec, step, outputs)
	case domain.StepKindWait:
		return e.dispatchWait(ctx, step)
	case domain.StepKindLoop:
		return e.dispatchLoop(ctx, exec, step)
	case domain.StepKindParallel:
		return e.dispatchParallel(ctx, exec, step)
	case domain.StepKindNotification:
		return e.dispatchNotification(ctx, exec, step, outputs)
	default:
		return e.failStep(ctx, exec, step, fmt.Sprintf("unknown step kind %q", step.Def.Kind))
	}
}

// dispatchJob creates the Job for a JOB step. The idempotency key is derived
// from the execution and step name, so a crash between job creation and the
// step update converges on redispatch instead of creating a second job.
func (e *Executor) dispatchJob(ctx context.Context, exec domain.Execution, step domain.StepState, outputs map[string]domain.Metadata) error {
	cfg := *step.Def.Job

	command := make([]string, len(cfg.Command))
	for i, arg := range cfg.Command {
		command[i] = resolveString(arg, outputs, exec.Params)
	}
	env := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		env[k] = resolveString(v, outputs, exec.Params)
	}

	job := domain.Job{
		TenantID:       exec.TenantID,
		Queue:          cfg.Queue,
		Kind:           cfg.Kind,
		Resources:      cfg.Resources.Clone(),
		PriorityClass:  cfg.PriorityClass,
		Preemptible:    cfg.Preemptible,
		MaxRetries:     cfg.MaxRetries,
		MaxDurationSec: cfg.MaxDurationSec,
		IdempotencyKey: exec.ID + "/" + step.Name,
		Source:         domain.JobSource{ExecutionID: exec.ID, StepName: step.Name},
		Image:          resolveString(cfg.Image, outputs, exec.Params),
		Command:        command,
		Env:            env,
	}
	created, _, err := e.jobs.Create(ctx, job)
	if err != nil {
		return e.failStep(ctx, exec, step, fmt.Sprintf("job submission failed: %v", err))
	}

	_, err = e.store.UpdateStep(ctx, exec.ID, step.Name, step.Status, repo.StepChange{
		To:       domain.StepRunning,
		JobID:    &created.ID,
		Deadline: e.stepDeadline(step),
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	return err
}

func (e *Executor) dispatchAPICall(ctx context.Context, exec domain.Execution, step domain.StepState, outputs map[string]domain.Metadata) error {
	cfg := *step.Def.APICall

	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}
	url := resolveString(cfg.URL, outputs, exec.Params)
	body := resolveString(cfg.Body, outputs, exec.Params)

	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
	if err != nil {
		return e.failStep(ctx, exec, step, fmt.Sprintf("api call request: %v", err))
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, resolveString(v, outputs, exec.Params))
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return e.failStep(ctx, exec, step, fmt.Sprintf("api call failed: %v", err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if cfg.ExpectStatus != 0 {
		ok = resp.StatusCode == cfg.ExpectStatus
	}
	if !ok {
		return e.failStep(ctx, exec, step, fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, url))
	}
	return e.completeStep(ctx, exec, step, domain.Metadata{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	})
}

func (e *Executor) dispatchFunction(ctx context.Context, exec domain.Execution, step domain.StepState, outputs map[string]domain.Metadata) error {
	cfg := *step.Def.Function
	handler, ok := e.functions[cfg.Name]
	if !ok {
		return e.failStep(ctx, exec, step, fmt.Sprintf("unknown function %q", cfg.Name))
	}

	args := make(domain.Metadata, len(cfg.Args))
	for k, v := range cfg.Args {
		if s, isString := v.(string); isString {
			args[k] = resolveString(s, outputs, exec.Params)
			continue
		}
		args[k] = v
	}

	result, err := handler(ctx, args)
	if err != nil {
		return e.failStep(ctx, exec, step, fmt.Sprintf("function %s failed: %v", cfg.Name, err))
	}
	return e.completeStep(ctx, exec, step, result)
}

// dispatchCondition evaluates the guard, completes the step with the verdict
// and skips the branch that was not taken. Skipped branches cascade through
// the all-dependencies-skipped rule on the next pass.
func (e *Executor) dispatchCondition(ctx context.Context, exec domain.Execution, step domain.StepState, outputs map[string]domain.Metadata) error {
	cfg := *step.Def.Condition

	result, err := EvalCondition(cfg.Expression, outputs, exec.Params)
	if err != nil {
		return e.failStep(ctx, exec, step, err.Error())
	}
	if err := e.completeStep(ctx, exec, step, domain.Metadata{"result": result}); err != nil {
		return err
	}

	skip := cfg.WhenFalse
	if !result {
		skip = cfg.WhenTrue
	}
	for _, target := range skip {
		st, err := e.store.GetStep(ctx, exec.ID, target)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if st.Status != domain.StepPending {
			continue
		}
		if err := e.markStep(ctx, st, domain.StepSkipped, "condition branch not taken", nil); err != nil {
			return err
		}
	}
	return nil
}

// dispatchWait arms the step. Delay waits complete when the deadline passes;
// event waits complete on the matching external signal or fail at timeout.
func (e *Executor) dispatchWait(ctx context.Context, step domain.StepState) error {
	cfg := *step.Def.Wait
	now := e.now()

	change := repo.StepChange{To: domain.StepWaiting}
	if cfg.DelaySec > 0 {
		deadline := now.Add(time.Duration(cfg.DelaySec) * time.Second)
		change.Deadline = &deadline
	} else {
		name := cfg.EventName
		deadline := now.Add(time.Duration(cfg.TimeoutSec) * time.Second)
		change.AwaitEvent = &name
		change.Deadline = &deadline
	}

	_, err := e.store.UpdateStep(ctx, step.ExecutionID, step.Name, step.Status, change)
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	return err
}

func (e *Executor) dispatchLoop(ctx context.Context, exec domain.Execution, step domain.StepState) error {
	cfg := *step.Def.Loop

	kids := make([]domain.StepState, 0, len(cfg.Items))
	for i, item := range cfg.Items {
		def := resolveChildDef(*cfg.Template, item)
		def.Name = fmt.Sprintf("%s[%d]", step.Name, i)
		kids = append(kids, domain.StepState{
			ExecutionID: exec.ID,
			Name:        def.Name,
			Def:         def,
			Parent:      step.Name,
			Status:      domain.StepPending,
		})
	}
	return e.expand(ctx, exec, step, kids)
}

func (e *Executor) dispatchParallel(ctx context.Context, exec domain.Execution, step domain.StepState) error {
	cfg := *step.Def.Parallel

	kids := make([]domain.StepState, 0, len(cfg.Branches))
	for _, branch := range cfg.Branches {
		def := branch
		def.Name = step.Name + "." + branch.Name
		kids = append(kids, domain.StepState{
			ExecutionID: exec.ID,
			Name:        def.Name,
			Def:         def,
			Parent:      step.Name,
			Status:      domain.StepPending,
		})
	}
	return e.expand(ctx, exec, step, kids)
}

// expand inserts the children and moves the parent to running, where it
// stays until the fan-in barrier closes it. InsertSteps ignores children a
// prior partial dispatch already wrote, so re-dispatching converges.
func (e *Executor) expand(ctx context.Context, exec domain.Execution, step domain.StepState, kids []domain.StepState) error {
	if err := e.store.InsertSteps(ctx, exec.ID, kids); err != nil {
		return err
	}
	_, err := e.store.UpdateStep(ctx, exec.ID, step.Name, step.Status, repo.StepChange{
		To:       domain.StepRunning,
		Deadline: e.stepDeadline(step),
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	return err
}

func (e *Executor) dispatchNotification(ctx context.Context, exec domain.Execution, step domain.StepState, outputs map[string]domain.Metadata) error {
	cfg := *step.Def.Notification
	message := resolveString(cfg.Message, outputs, exec.Params)

	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, cfg.Channel, message); err != nil {
			e.logger.Warn("notification delivery failed", "execution_id", exec.ID, "step", step.Name, "channel", cfg.Channel, "error", err)
		}
	}
	return e.completeStep(ctx, exec, step, nil)
}

// resolveChildDef substitutes ${item} in the template's string config before
// a loop child is materialized. Pointer configs are cloned so the shared
// template is never mutated.
func resolveChildDef(def domain.Step, item any) domain.Step {
	sub := func(s string) string { return resolveItem(s, item) }

	switch {
	case def.Job != nil:
		cfg := *def.Job
		cfg.Image = sub(cfg.Image)
		cfg.Command = append([]string(nil), cfg.Command...)
		for i, arg := range cfg.Command {
			cfg.Command[i] = sub(arg)
		}
		env := make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			env[k] = sub(v)
		}
		cfg.Env = env
		def.Job = &cfg
	case def.APICall != nil:
		cfg := *def.APICall
		cfg.URL = sub(cfg.URL)
		cfg.Body = sub(cfg.Body)
		headers := make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			headers[k] = sub(v)
		}
		cfg.Headers = headers
		def.APICall = &cfg
	case def.Function != nil:
		cfg := *def.Function
		args := make(domain.Metadata, len(cfg.Args))
		for k, v := range cfg.Args {
			if s, ok := v.(string); ok {
				args[k] = sub(s)
				continue
			}
			args[k] = v
		}
		cfg.Args = args
		def.Function = &cfg
	case def.Notification != nil:
		cfg := *def.Notification
		cfg.Message = sub(cfg.Message)
		def.Notification = &cfg
	}
	return def
}

func (e *Executor) stepDeadline(step domain.StepState) *time.Time {
	if step.Def.TimeoutSec <= 0 {
		return nil
	}
	deadline := e.now().Add(time.Duration(step.Def.TimeoutSec) * time.Second)
	return &deadline
}

// markStep applies a guarded status change without emitting an event. A
// conflict means another actor already moved the step, which is fine.
func (e *Executor) markStep(ctx context.Context, step domain.StepState, to domain.StepStatus, reason string, outputs domain.Metadata) error {
	_, err := e.store.UpdateStep(ctx, step.ExecutionID, step.Name, step.Status, repo.StepChange{
		To:      to,
		Reason:  reason,
		Outputs: outputs,
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	return err
}

func (e *Executor) completeStep(ctx context.Context, exec domain.Execution, step domain.StepState, outputs domain.Metadata) error {
	updated, err := e.store.UpdateStep(ctx, step.ExecutionID, step.Name, step.Status, repo.StepChange{
		To:      domain.StepCompleted,
		Outputs: outputs,
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	e.publish(ctx, domain.EventStepCompleted, exec.ID, domain.Metadata{
		"execution_id": exec.ID,
		"step":         updated.Name,
		"status":       string(updated.Status),
	})
	return nil
}

func (e *Executor) failStep(ctx context.Context, exec domain.Execution, step domain.StepState, reason string) error {
	updated, err := e.store.UpdateStep(ctx, step.ExecutionID, step.Name, step.Status, repo.StepChange{
		To:     domain.StepFailed,
		Reason: reason,
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	e.publish(ctx, domain.EventStepFailed, exec.ID, domain.Metadata{
		"execution_id": exec.ID,
		"step":         updated.Name,
		"status":       string(updated.Status),
		"reason":       reason,
	})
	return nil
}
