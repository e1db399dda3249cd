package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
	"github.com/tessera-labs/tessera-go/internal/repo/memory"
)

type fakeJobs struct {
	mu        sync.Mutex
	created   []domain.Job
	jobs      map[string]domain.Job
	cancelled []string
	createErr error
}

func (f *fakeJobs) Create(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.Job{}, false, f.createErr
	}
	job.ID = fmt.Sprintf("job-%d", len(f.created)+1)
	job.Status = domain.JobStatusQueued
	f.created = append(f.created, job)
	if f.jobs == nil {
		f.jobs = map[string]domain.Job{}
	}
	f.jobs[job.ID] = job
	return job, true, nil
}

func (f *fakeJobs) Get(ctx context.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, id, reason string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	job := f.jobs[id]
	job.ID = id
	job.Status = domain.JobStatusCancelled
	job.Reason = reason
	if f.jobs == nil {
		f.jobs = map[string]domain.Job{}
	}
	f.jobs[id] = job
	return job, nil
}

// finish records a terminal outcome on the stored job without emitting any
// event, the way a crash after the transition commit would leave it.
func (f *fakeJobs) finish(id string, to domain.JobStatus, reason string, outputs domain.Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = to
	job.Reason = reason
	job.Outputs = outputs
	f.jobs[id] = job
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakePublisher) Publish(ctx context.Context, e domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakePublisher) kinds() []domain.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventKind, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(ctx context.Context, channel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, channel+": "+message)
	return nil
}

type execFixture struct {
	store *memory.Store
	jobs  *fakeJobs
	bus   *fakePublisher
	notes *fakeNotifier
	ex    *Executor
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &execFixture{
		store: memory.NewStore(),
		jobs:  &fakeJobs{},
		bus:   &fakePublisher{},
		notes: &fakeNotifier{},
	}
	f.ex = NewExecutor(logger, f.store, f.jobs, f.bus, f.notes)
	f.ex.RegisterFunction("echo", func(ctx context.Context, args domain.Metadata) (domain.Metadata, error) {
		return args, nil
	})
	f.ex.RegisterFunction("boom", func(ctx context.Context, args domain.Metadata) (domain.Metadata, error) {
		return nil, errors.New("exploded")
	})
	return f
}

func (f *execFixture) createPipeline(t *testing.T, def Definition) domain.Pipeline {
	t.Helper()
	if def.Trigger.Kind == "" {
		def.Trigger = domain.Trigger{Kind: domain.TriggerManual}
	}
	p, err := Build(def, uuid.NewString(), "acme", time.Now().UTC())
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	if err := f.store.CreatePipeline(context.Background(), p); err != nil {
		t.Fatalf("store pipeline: %v", err)
	}
	return p
}

func functionStep(name, fn string, args domain.Metadata, deps ...string) domain.Step {
	return domain.Step{
		Name:      name,
		Kind:      domain.StepKindFunction,
		DependsOn: deps,
		Function:  &domain.FunctionStepConfig{Name: fn, Args: args},
	}
}

func jobStep(name string, deps ...string) domain.Step {
	return domain.Step{
		Name:      name,
		Kind:      domain.StepKindJob,
		DependsOn: deps,
		Job: &domain.JobStepConfig{
			Kind:      domain.JobKindTraining,
			Queue:     "team-a",
			Resources: domain.ResourceList{"accelerator": 1},
		},
	}
}

func mustGetStep(t *testing.T, f *execFixture, execID, name string) domain.StepState {
	t.Helper()
	step, err := f.store.GetStep(context.Background(), execID, name)
	if err != nil {
		t.Fatalf("get step %s: %v", name, err)
	}
	return step
}

func TestSubmitPipeline_RejectsCycle(t *testing.T) {
	f := newExecFixture(t)

	raw := []byte(`
name: cyclic
trigger:
  kind: manual
steps:
  - name: a
    kind: function
    depends_on: [b]
    function:
      name: echo
  - name: b
    kind: function
    depends_on: [a]
    function:
      name: echo
`)
	_, err := f.ex.SubmitPipeline(context.Background(), "acme", raw)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(verr.Error(), "cycle") {
		t.Fatalf("expected cycle issue, got %v", verr)
	}
}

func TestStartExecution_LinearFunctions(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name:   "linear",
		Params: map[string]any{"word": "hello"},
		Steps: []domain.Step{
			functionStep("one", "echo", domain.Metadata{"word": "${params.word}"}),
			functionStep("two", "echo", domain.Metadata{"prev": "${steps.one.outputs.word}!"}, "one"),
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}

	two := mustGetStep(t, f, exec.ID, "two")
	if got := two.Outputs["prev"]; got != "hello!" {
		t.Fatalf("two outputs prev = %v, want hello!", got)
	}

	kinds := f.bus.kinds()
	if kinds[len(kinds)-1] != domain.EventExecutionCompleted {
		t.Fatalf("last event = %s, want execution_completed", kinds[len(kinds)-1])
	}
}

func TestStartExecution_ParamOverride(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name:   "override",
		Params: map[string]any{"env": "staging"},
		Steps: []domain.Step{
			functionStep("one", "echo", domain.Metadata{"env": "${params.env}"}),
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, domain.Metadata{"env": "prod"})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	one := mustGetStep(t, f, exec.ID, "one")
	if got := one.Outputs["env"]; got != "prod" {
		t.Fatalf("one outputs env = %v, want prod", got)
	}
}

func TestCondition_SkipsBranchNotTaken(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "gated",
		Steps: []domain.Step{
			functionStep("check", "echo", domain.Metadata{"passed": true}),
			{
				Name:      "gate",
				Kind:      domain.StepKindCondition,
				DependsOn: []string{"check"},
				Condition: &domain.ConditionStepConfig{
					Expression: "steps.check.outputs.passed",
					WhenTrue:   []string{"deploy"},
					WhenFalse:  []string{"rollback"},
				},
			},
			functionStep("deploy", "echo", nil, "gate"),
			functionStep("rollback", "echo", nil, "gate"),
			functionStep("report", "echo", nil, "deploy", "rollback"),
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed (reason %q)", exec.Status, exec.Reason)
	}

	if got := mustGetStep(t, f, exec.ID, "gate").Outputs["result"]; got != true {
		t.Fatalf("gate result = %v, want true", got)
	}
	if got := mustGetStep(t, f, exec.ID, "deploy").Status; got != domain.StepCompleted {
		t.Fatalf("deploy status = %s, want completed", got)
	}
	if got := mustGetStep(t, f, exec.ID, "rollback").Status; got != domain.StepSkipped {
		t.Fatalf("rollback status = %s, want skipped", got)
	}
	// report still runs: one dependency completed, one skipped.
	if got := mustGetStep(t, f, exec.ID, "report").Status; got != domain.StepCompleted {
		t.Fatalf("report status = %s, want completed", got)
	}
}

func TestCondition_SkipCascades(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "cascade",
		Steps: []domain.Step{
			functionStep("check", "echo", domain.Metadata{"passed": false}),
			{
				Name:      "gate",
				Kind:      domain.StepKindCondition,
				DependsOn: []string{"check"},
				Condition: &domain.ConditionStepConfig{
					Expression: "steps.check.outputs.passed",
					WhenTrue:   []string{"deploy"},
				},
			},
			functionStep("deploy", "echo", nil, "gate"),
			functionStep("announce", "echo", nil, "deploy"),
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if got := mustGetStep(t, f, exec.ID, "deploy").Status; got != domain.StepSkipped {
		t.Fatalf("deploy status = %s, want skipped", got)
	}
	if got := mustGetStep(t, f, exec.ID, "announce").Status; got != domain.StepSkipped {
		t.Fatalf("announce status = %s, want skipped", got)
	}
}

func TestJobStep_CompletesOnJobEvent(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "train",
		Steps: []domain.Step{
			jobStep("train"),
			functionStep("publish", "echo", domain.Metadata{"model": "${steps.train.outputs.model_uri}"}, "train"),
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != domain.ExecutionRunning {
		t.Fatalf("status = %s, want running", exec.Status)
	}

	step := mustGetStep(t, f, exec.ID, "train")
	if step.Status != domain.StepRunning || step.JobID == "" {
		t.Fatalf("train step = %s job %q, want running with job id", step.Status, step.JobID)
	}
	created := f.jobs.created[0]
	if created.IdempotencyKey != exec.ID+"/train" {
		t.Fatalf("idempotency key = %q", created.IdempotencyKey)
	}
	if created.Source.ExecutionID != exec.ID || created.Source.StepName != "train" {
		t.Fatalf("job source = %+v", created.Source)
	}

	err = f.ex.HandleJobEvent(ctx, domain.Event{
		Kind:          domain.EventJobCompleted,
		CorrelationID: created.ID,
		Payload: domain.Metadata{
			"execution_id": exec.ID,
			"step_name":    "train",
			"outputs":      map[string]any{"model_uri": "s3://models/1"},
		},
	})
	if err != nil {
		t.Fatalf("handle job event: %v", err)
	}

	done, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	publish := mustGetStep(t, f, exec.ID, "publish")
	if got := publish.Outputs["model"]; got != "s3://models/1" {
		t.Fatalf("publish outputs model = %v", got)
	}
}

func TestFailFast_CancelsOutstandingSteps(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "twin",
		Steps: []domain.Step{
			jobStep("a"),
			jobStep("b"),
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	err = f.ex.HandleJobEvent(ctx, domain.Event{
		Kind: domain.EventJobFailed,
		Payload: domain.Metadata{
			"execution_id": exec.ID,
			"step_name":    "a",
			"reason":       "out of memory",
		},
	})
	if err != nil {
		t.Fatalf("handle job event: %v", err)
	}

	done, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if got := mustGetStep(t, f, exec.ID, "a").Reason; got != "out of memory" {
		t.Fatalf("step a reason = %q", got)
	}
	b := mustGetStep(t, f, exec.ID, "b")
	if b.Status != domain.StepCancelled {
		t.Fatalf("step b status = %s, want cancelled", b.Status)
	}
	if len(f.jobs.cancelled) != 1 || f.jobs.cancelled[0] != b.JobID {
		t.Fatalf("cancelled jobs = %v, want [%s]", f.jobs.cancelled, b.JobID)
	}
}

func TestContinueOnError_RunsIndependentBranches(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name:          "tolerant",
		FailurePolicy: string(domain.ContinueOnError),
		Steps: []domain.Step{
			functionStep("bad", "boom", nil),
			functionStep("good", "echo", domain.Metadata{"ok": true}),
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if got := mustGetStep(t, f, exec.ID, "good").Status; got != domain.StepCompleted {
		t.Fatalf("good status = %s, want completed", got)
	}
	if got := mustGetStep(t, f, exec.ID, "bad").Status; got != domain.StepFailed {
		t.Fatalf("bad status = %s, want failed", got)
	}
}

func TestWaitEvent_CompletesOnSignal(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "approval",
		Steps: []domain.Step{
			{
				Name: "hold",
				Kind: domain.StepKindWait,
				Wait: &domain.WaitStepConfig{EventName: "approved", TimeoutSec: 3600},
			},
			functionStep("ship", "echo", domain.Metadata{"by": "${steps.hold.outputs.approver}"}, "hold"),
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	hold := mustGetStep(t, f, exec.ID, "hold")
	if hold.Status != domain.StepWaiting || hold.AwaitEvent != "approved" {
		t.Fatalf("hold = %s awaiting %q", hold.Status, hold.AwaitEvent)
	}

	err = f.ex.HandleExternalSignal(ctx, domain.Event{
		Kind:          domain.EventExternalSignal,
		CorrelationID: "signal-1",
		Payload: domain.Metadata{
			"name": "approved",
			"data": map[string]any{"approver": "ops"},
		},
	})
	if err != nil {
		t.Fatalf("handle signal: %v", err)
	}

	done, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if got := mustGetStep(t, f, exec.ID, "ship").Outputs["by"]; got != "ops" {
		t.Fatalf("ship outputs by = %v, want ops", got)
	}
}

func TestWaitDelay_SweepCompletes(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "cooldown",
		Steps: []domain.Step{
			{
				Name: "pause",
				Kind: domain.StepKindWait,
				Wait: &domain.WaitStepConfig{DelaySec: 60},
			},
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if got := mustGetStep(t, f, exec.ID, "pause").Status; got != domain.StepWaiting {
		t.Fatalf("pause status = %s, want waiting", got)
	}

	f.ex.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	f.ex.SweepDeadlines(ctx)

	done, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
}

func TestWaitEvent_TimeoutFails(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "stale-approval",
		Steps: []domain.Step{
			{
				Name: "hold",
				Kind: domain.StepKindWait,
				Wait: &domain.WaitStepConfig{EventName: "approved", TimeoutSec: 60},
			},
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	f.ex.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	f.ex.SweepDeadlines(ctx)

	hold := mustGetStep(t, f, exec.ID, "hold")
	if hold.Status != domain.StepFailed || hold.Reason != "wait timeout exceeded" {
		t.Fatalf("hold = %s reason %q", hold.Status, hold.Reason)
	}
	done, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
}

func TestLoop_ExpandsAndFansIn(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "shards",
		Steps: []domain.Step{
			{
				Name: "fan",
				Kind: domain.StepKindLoop,
				Loop: &domain.LoopStepConfig{
					Items: []any{"alpha", "beta"},
					Template: &domain.Step{
						Name:     "shard",
						Kind:     domain.StepKindFunction,
						Function: &domain.FunctionStepConfig{Name: "echo", Args: domain.Metadata{"item": "${item}"}},
					},
				},
			},
			functionStep("merge", "echo", nil, "fan"),
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed (reason %q)", exec.Status, exec.Reason)
	}

	first := mustGetStep(t, f, exec.ID, "fan[0]")
	if got := first.Outputs["item"]; got != "alpha" {
		t.Fatalf("fan[0] item = %v, want alpha", got)
	}
	second := mustGetStep(t, f, exec.ID, "fan[1]")
	if got := second.Outputs["item"]; got != "beta" {
		t.Fatalf("fan[1] item = %v, want beta", got)
	}

	fan := mustGetStep(t, f, exec.ID, "fan")
	if fan.Status != domain.StepCompleted {
		t.Fatalf("fan status = %s, want completed", fan.Status)
	}
	children, ok := fan.Outputs["children"].(map[string]any)
	if !ok || len(children) != 2 {
		t.Fatalf("fan children outputs = %v", fan.Outputs["children"])
	}
}

func TestParallel_BranchFailureFailsParent(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name:          "split",
		FailurePolicy: string(domain.ContinueOnError),
		Steps: []domain.Step{
			{
				Name: "both",
				Kind: domain.StepKindParallel,
				Parallel: &domain.ParallelStepConfig{
					Branches: []domain.Step{
						{Name: "ok", Kind: domain.StepKindFunction, Function: &domain.FunctionStepConfig{Name: "echo"}},
						{Name: "bad", Kind: domain.StepKindFunction, Function: &domain.FunctionStepConfig{Name: "boom"}},
					},
				},
			},
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	both := mustGetStep(t, f, exec.ID, "both")
	if both.Status != domain.StepFailed || !strings.Contains(both.Reason, "1 of 2 children failed") {
		t.Fatalf("both = %s reason %q", both.Status, both.Reason)
	}
	if got := mustGetStep(t, f, exec.ID, "both.ok").Status; got != domain.StepCompleted {
		t.Fatalf("both.ok status = %s, want completed", got)
	}
}

func TestStepTimeout_SweepCancelsJob(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	step := jobStep("train")
	step.TimeoutSec = 30
	p := f.createPipeline(t, Definition{Name: "slow", Steps: []domain.Step{step}})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	f.ex.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	f.ex.SweepDeadlines(ctx)

	train := mustGetStep(t, f, exec.ID, "train")
	if train.Status != domain.StepFailed || train.Reason != "step timeout exceeded" {
		t.Fatalf("train = %s reason %q", train.Status, train.Reason)
	}
	if len(f.jobs.cancelled) != 1 {
		t.Fatalf("cancelled jobs = %v, want one", f.jobs.cancelled)
	}
	done, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
}

func TestPipelineTimeout_FailsExecution(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name:       "budgeted",
		TimeoutSec: 60,
		Steps:      []domain.Step{jobStep("train")},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	f.ex.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	if err := f.ex.Advance(ctx, exec.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}

	done, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != domain.ExecutionFailed || done.Reason != "pipeline timeout exceeded" {
		t.Fatalf("execution = %s reason %q", done.Status, done.Reason)
	}
	if len(f.jobs.cancelled) != 1 {
		t.Fatalf("cancelled jobs = %v, want one", f.jobs.cancelled)
	}
}

func TestCancelExecution_Idempotent(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{Name: "halt", Steps: []domain.Step{jobStep("train")}})
	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	cancelled, err := f.ex.CancelExecution(ctx, exec.ID, "operator request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.ExecutionCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	again, err := f.ex.CancelExecution(ctx, exec.ID, "operator request")
	if err != nil || again.Status != domain.ExecutionCancelled {
		t.Fatalf("second cancel = %s, %v", again.Status, err)
	}
}

func TestAPICallStep(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hooks/prod" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"accepted":true}`)
	}))
	defer srv.Close()

	p := f.createPipeline(t, Definition{
		Name:   "webhook",
		Params: map[string]any{"env": "prod"},
		Steps: []domain.Step{
			{
				Name: "notify-hook",
				Kind: domain.StepKindAPICall,
				APICall: &domain.APICallStepConfig{
					Method:       http.MethodPost,
					URL:          srv.URL + "/hooks/${params.env}",
					Body:         `{"source":"orchestrator"}`,
					ExpectStatus: http.StatusCreated,
				},
			},
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed (reason %q)", exec.Status, exec.Reason)
	}
	step := mustGetStep(t, f, exec.ID, "notify-hook")
	if got := step.Outputs["status_code"]; got != http.StatusCreated {
		t.Fatalf("status_code = %v, want 201", got)
	}
	if got := step.Outputs["body"]; got != `{"accepted":true}` {
		t.Fatalf("body = %v", got)
	}
}

func TestNotificationStep(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name:   "announce",
		Params: map[string]any{"env": "prod"},
		Steps: []domain.Step{
			{
				Name: "tell",
				Kind: domain.StepKindNotification,
				Notification: &domain.NotificationStepConfig{
					Channel: "#deploys",
					Message: "released to ${params.env}",
				},
			},
		},
	})

	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if len(f.notes.messages) != 1 || f.notes.messages[0] != "#deploys: released to prod" {
		t.Fatalf("messages = %v", f.notes.messages)
	}
}

func TestResumeAll_PicksUpInFlightExecutions(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "resume",
		Steps: []domain.Step{
			jobStep("train"),
			functionStep("after", "echo", nil, "train"),
		},
	})
	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	// Simulate the job finishing while no executor held the event: mark the
	// step completed directly, then let a fresh resume pass pick it up.
	if _, err := f.store.UpdateStep(ctx, exec.ID, "train", domain.StepRunning, repo.StepChange{To: domain.StepCompleted}); err != nil {
		t.Fatalf("update step: %v", err)
	}

	f.ex.ResumeAll(ctx)

	done, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if got := mustGetStep(t, f, exec.ID, "after").Status; got != domain.StepCompleted {
		t.Fatalf("after status = %s, want completed", got)
	}
}

func TestResumeAll_FoldsInCompletedJobWithoutEvent(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "recover",
		Steps: []domain.Step{
			jobStep("train"),
			functionStep("publish", "echo", domain.Metadata{"model": "${steps.train.outputs.model_uri}"}, "train"),
		},
	})
	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	train := mustGetStep(t, f, exec.ID, "train")

	// The job reached completed but its event was never delivered.
	f.jobs.finish(train.JobID, domain.JobStatusCompleted, "", domain.Metadata{"model_uri": "s3://models/7"})

	f.ex.ResumeAll(ctx)

	done, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed (reason %q)", done.Status, done.Reason)
	}
	if got := mustGetStep(t, f, exec.ID, "publish").Outputs["model"]; got != "s3://models/7" {
		t.Fatalf("publish outputs model = %v, want s3://models/7", got)
	}
}

func TestResumeAll_FoldsInFailedJobWithoutEvent(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{Name: "recover-fail", Steps: []domain.Step{jobStep("train")}})
	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	train := mustGetStep(t, f, exec.ID, "train")

	f.jobs.finish(train.JobID, domain.JobStatusFailed, "out of memory", nil)

	f.ex.ResumeAll(ctx)

	train = mustGetStep(t, f, exec.ID, "train")
	if train.Status != domain.StepFailed || train.Reason != "out of memory" {
		t.Fatalf("train = %s reason %q", train.Status, train.Reason)
	}
	done, err := f.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if done.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
}

func TestParallel_CancelledChildReportedInParent(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	p := f.createPipeline(t, Definition{
		Name: "mixed",
		Steps: []domain.Step{
			{
				Name: "both",
				Kind: domain.StepKindParallel,
				Parallel: &domain.ParallelStepConfig{
					Branches: []domain.Step{jobStep("a"), jobStep("b")},
				},
			},
		},
	})
	exec, err := f.ex.StartExecution(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	err = f.ex.HandleJobEvent(ctx, domain.Event{
		Kind: domain.EventJobCancelled,
		Payload: domain.Metadata{
			"execution_id": exec.ID,
			"step_name":    "both.a",
		},
	})
	if err != nil {
		t.Fatalf("handle cancel event: %v", err)
	}
	err = f.ex.HandleJobEvent(ctx, domain.Event{
		Kind: domain.EventJobCompleted,
		Payload: domain.Metadata{
			"execution_id": exec.ID,
			"step_name":    "both.b",
		},
	})
	if err != nil {
		t.Fatalf("handle complete event: %v", err)
	}

	both := mustGetStep(t, f, exec.ID, "both")
	if both.Status != domain.StepFailed || both.Reason != "1 of 2 children cancelled" {
		t.Fatalf("both = %s reason %q", both.Status, both.Reason)
	}
}
