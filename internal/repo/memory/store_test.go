package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/quota"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

func testJob(id string) domain.Job {
	return domain.Job{
		ID:        id,
		TenantID:  "acme",
		Queue:     "team-a",
		Kind:      domain.JobKindBatch,
		Resources: domain.ResourceList{"accelerator": 2},
		Status:    domain.JobStatusPending,
	}
}

func seedQueues(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateClusterQueue(ctx, domain.ClusterQueue{
		Name:    "cq-a",
		Nominal: domain.ResourceList{"accelerator": 4},
	}); err != nil {
		t.Fatalf("create cluster queue: %v", err)
	}
	if err := s.CreateLocalQueue(ctx, domain.LocalQueue{
		Name:         "team-a",
		TenantID:     "acme",
		ClusterQueue: "cq-a",
	}); err != nil {
		t.Fatalf("create local queue: %v", err)
	}
}

func TestCreateJob_IdempotencyKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	first := testJob("job-1")
	first.IdempotencyKey = "deploy-v42"
	created1, ok, err := s.CreateJob(ctx, first)
	if err != nil || !ok {
		t.Fatalf("first create: created=%v err=%v", ok, err)
	}

	second := testJob("job-2")
	second.IdempotencyKey = "deploy-v42"
	created2, ok, err := s.CreateJob(ctx, second)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if ok {
		t.Fatal("expected replayed create to report created=false")
	}
	if created2.ID != created1.ID {
		t.Fatalf("expected existing job %s, got %s", created1.ID, created2.ID)
	}

	// Same key under another tenant is a distinct job.
	third := testJob("job-3")
	third.TenantID = "globex"
	third.IdempotencyKey = "deploy-v42"
	if _, ok, err := s.CreateJob(ctx, third); err != nil || !ok {
		t.Fatalf("cross-tenant create: created=%v err=%v", ok, err)
	}
}

func TestTransitionJob_GuardsPriorState(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, _, err := s.CreateJob(ctx, testJob("job-1")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.TransitionJob(ctx, "job-1", domain.JobStatusPending, repo.JobChange{To: domain.JobStatusQueued}); err != nil {
		t.Fatalf("pending->queued: %v", err)
	}

	// Stale writer still believes the job is pending.
	_, err := s.TransitionJob(ctx, "job-1", domain.JobStatusPending, repo.JobChange{To: domain.JobStatusCancelled})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	history, err := s.JobHistory(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(history))
	}
	if history[0].From != domain.JobStatusPending || history[0].To != domain.JobStatusQueued {
		t.Fatalf("unexpected history row: %+v", history[0])
	}
}

func TestTransitionJob_RejectsIllegalEdge(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, _, err := s.CreateJob(ctx, testJob("job-1")); err != nil {
		t.Fatal(err)
	}

	// pending -> running is not an edge of the state machine, even with a
	// correct prior-state guard.
	_, err := s.TransitionJob(ctx, "job-1", domain.JobStatusPending, repo.JobChange{To: domain.JobStatusRunning})
	if err == nil || errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected illegal transition error, got %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobStatusPending {
		t.Fatalf("job must be untouched, got %s", job.Status)
	}
	if history, _ := s.JobHistory(ctx, "job-1"); len(history) != 0 {
		t.Fatalf("expected no history rows, got %d", len(history))
	}
}

func TestAdmitJob_ReservesAndReleases(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedQueues(t, s)

	if _, _, err := s.CreateJob(ctx, testJob("job-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionJob(ctx, "job-1", domain.JobStatusPending, repo.JobChange{To: domain.JobStatusQueued}); err != nil {
		t.Fatal(err)
	}

	decision, job, err := s.AdmitJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != quota.OutcomeAdmitted {
		t.Fatalf("expected admitted, got %s (%s)", decision.Outcome, decision.Reason)
	}
	if job.Status != domain.JobStatusScheduled {
		t.Fatalf("expected scheduled, got %s", job.Status)
	}
	if job.ClusterQueue != "cq-a" {
		t.Fatalf("expected cluster queue resolved, got %q", job.ClusterQueue)
	}

	usage, err := s.QueueUsage(ctx, "cq-a")
	if err != nil {
		t.Fatal(err)
	}
	if usage["accelerator"] != 2 {
		t.Fatalf("expected 2 reserved, got %d", usage["accelerator"])
	}

	// A second job that would exceed nominal is denied and stays queued.
	big := testJob("job-2")
	big.Resources = domain.ResourceList{"accelerator": 3}
	if _, _, err := s.CreateJob(ctx, big); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionJob(ctx, "job-2", domain.JobStatusPending, repo.JobChange{To: domain.JobStatusQueued}); err != nil {
		t.Fatal(err)
	}
	decision, job, err = s.AdmitJob(ctx, "job-2")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != quota.OutcomeDenied {
		t.Fatalf("expected denied, got %s", decision.Outcome)
	}
	if decision.Reason != quota.ReasonInsufficientQuota {
		t.Fatalf("reason=%q, want %q", decision.Reason, quota.ReasonInsufficientQuota)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("denied job must stay queued, got %s", job.Status)
	}

	// Terminal transition with ReleaseQuota frees the reservation.
	if _, err := s.TransitionJob(ctx, "job-1", domain.JobStatusScheduled, repo.JobChange{To: domain.JobStatusRunning}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionJob(ctx, "job-1", domain.JobStatusRunning, repo.JobChange{
		To:           domain.JobStatusCompleted,
		ReleaseQuota: true,
	}); err != nil {
		t.Fatal(err)
	}
	usage, err = s.QueueUsage(ctx, "cq-a")
	if err != nil {
		t.Fatal(err)
	}
	if usage["accelerator"] != 0 {
		t.Fatalf("expected released quota, got %d", usage["accelerator"])
	}

	// The denied job now fits.
	decision, _, err = s.AdmitJob(ctx, "job-2")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != quota.OutcomeAdmitted {
		t.Fatalf("expected admitted after release, got %s (%s)", decision.Outcome, decision.Reason)
	}
}

func TestAdmitJob_RequiresQueuedState(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedQueues(t, s)
	if _, _, err := s.CreateJob(ctx, testJob("job-1")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.AdmitJob(ctx, "job-1"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict for pending job, got %v", err)
	}
}

func TestUpdateStep_GuardAndTimestamps(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	exec := domain.Execution{ID: "exec-1", PipelineID: "pl-1", TenantID: "acme", Status: domain.ExecutionRunning}
	steps := []domain.StepState{
		{Name: "build", Def: domain.Step{Name: "build", Kind: domain.StepKindJob}, Status: domain.StepPending},
	}
	if err := s.CreateExecution(ctx, exec, steps); err != nil {
		t.Fatal(err)
	}

	jobID := "job-9"
	updated, err := s.UpdateStep(ctx, "exec-1", "build", domain.StepPending, repo.StepChange{
		To:    domain.StepRunning,
		JobID: &jobID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.StartedAt == nil || !updated.StartedAt.Equal(base) {
		t.Fatalf("expected StartedAt stamped, got %v", updated.StartedAt)
	}
	if updated.JobID != "job-9" {
		t.Fatalf("expected job id recorded, got %q", updated.JobID)
	}

	if _, err := s.UpdateStep(ctx, "exec-1", "build", domain.StepPending, repo.StepChange{To: domain.StepFailed}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale guard, got %v", err)
	}

	done, err := s.UpdateStep(ctx, "exec-1", "build", domain.StepRunning, repo.StepChange{
		To:      domain.StepCompleted,
		Outputs: domain.Metadata{"digest": "abc"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if done.EndedAt == nil {
		t.Fatal("expected EndedAt stamped on terminal step")
	}
	if done.Outputs["digest"] != "abc" {
		t.Fatalf("expected outputs recorded, got %v", done.Outputs)
	}
}

func TestInsertSteps_IgnoresExistingNames(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	exec := domain.Execution{ID: "exec-1", PipelineID: "pl-1", TenantID: "acme", Status: domain.ExecutionRunning}
	if err := s.CreateExecution(ctx, exec, []domain.StepState{
		{Name: "fan", Def: domain.Step{Name: "fan", Kind: domain.StepKindLoop}, Status: domain.StepRunning},
	}); err != nil {
		t.Fatal(err)
	}

	kids := []domain.StepState{
		{Name: "fan[0]", Parent: "fan", Status: domain.StepPending},
		{Name: "fan[1]", Parent: "fan", Status: domain.StepPending},
	}
	if err := s.InsertSteps(ctx, "exec-1", kids[:1]); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStep(ctx, "exec-1", "fan[0]", domain.StepPending, repo.StepChange{To: domain.StepRunning}); err != nil {
		t.Fatal(err)
	}

	// A redispatch after a partial insert writes the full child set again.
	// Existing rows keep their state; only the missing row is added.
	if err := s.InsertSteps(ctx, "exec-1", kids); err != nil {
		t.Fatalf("reinsert: %v", err)
	}

	steps, err := s.ListSteps(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	first, err := s.GetStep(ctx, "exec-1", "fan[0]")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != domain.StepRunning {
		t.Fatalf("existing child must keep its state, got %s", first.Status)
	}
	if _, err := s.GetStep(ctx, "exec-1", "fan[1]"); err != nil {
		t.Fatalf("missing child not inserted: %v", err)
	}
}

func TestListStepsAwaitingEvent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	exec := domain.Execution{ID: "exec-1", PipelineID: "pl-1", TenantID: "acme", Status: domain.ExecutionRunning}
	steps := []domain.StepState{
		{Name: "gate", Def: domain.Step{Name: "gate", Kind: domain.StepKindWait}, Status: domain.StepPending},
	}
	if err := s.CreateExecution(ctx, exec, steps); err != nil {
		t.Fatal(err)
	}

	await := "model_approved"
	if _, err := s.UpdateStep(ctx, "exec-1", "gate", domain.StepPending, repo.StepChange{
		To:         domain.StepWaiting,
		AwaitEvent: &await,
	}); err != nil {
		t.Fatal(err)
	}

	waiting, err := s.ListStepsAwaitingEvent(ctx, "model_approved")
	if err != nil {
		t.Fatal(err)
	}
	if len(waiting) != 1 || waiting[0].Name != "gate" {
		t.Fatalf("expected gate step waiting, got %+v", waiting)
	}
	if got, _ := s.ListStepsAwaitingEvent(ctx, "other_signal"); len(got) != 0 {
		t.Fatalf("expected no steps for other signal, got %d", len(got))
	}
}

func TestOutbox_SeqPerCorrelationAndRedelivery(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	a1, err := s.AppendEvent(ctx, domain.Event{Kind: domain.EventJobRunning, CorrelationID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	a2, err := s.AppendEvent(ctx, domain.Event{Kind: domain.EventJobCompleted, CorrelationID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	b1, err := s.AppendEvent(ctx, domain.Event{Kind: domain.EventJobRunning, CorrelationID: "job-2"})
	if err != nil {
		t.Fatal(err)
	}
	if a1.Seq != 1 || a2.Seq != 2 {
		t.Fatalf("expected seq 1,2 within correlation, got %d,%d", a1.Seq, a2.Seq)
	}
	if b1.Seq != 1 {
		t.Fatalf("expected independent correlation to start at 1, got %d", b1.Seq)
	}

	pending, err := s.ListUndelivered(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 undelivered, got %d", len(pending))
	}

	if err := s.MarkDelivered(ctx, a1.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDelivered(ctx, a2.ID); err != nil {
		t.Fatal(err)
	}
	pending, _ = s.ListUndelivered(ctx, 0)
	if len(pending) != 1 {
		t.Fatalf("expected 1 undelivered after delivery, got %d", len(pending))
	}

	n, err := s.RequeueCorrelation(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 redelivered, got %d", n)
	}
	pending, _ = s.ListUndelivered(ctx, 0)
	if len(pending) != 3 {
		t.Fatalf("expected redelivery to restore all 3, got %d", len(pending))
	}
}
