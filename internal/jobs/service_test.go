package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tessera-labs/tessera-go/internal/admission"
	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/events"
	"github.com/tessera-labs/tessera-go/internal/metering"
	"github.com/tessera-labs/tessera-go/internal/repo"
	"github.com/tessera-labs/tessera-go/internal/repo/memory"
	"github.com/tessera-labs/tessera-go/internal/substrate"
)

type fixture struct {
	svc   *Service
	store *memory.Store
	fake  *substrate.Fake
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	fake := substrate.NewFake()
	bus := events.NewBus(logger, store, time.Second)

	svc := NewService(logger, store, fake, bus, metering.NewLogSink(nil))
	ctrl := admission.NewController(logger, store, nil)
	ctrl.SetLauncher(svc)
	ctrl.SetPreemptor(svc)
	svc.SetAdmitter(ctrl)

	ctx := context.Background()
	if err := store.CreateClusterQueue(ctx, domain.ClusterQueue{
		Name:    "cq-a",
		Nominal: domain.ResourceList{"accelerator": 4},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateLocalQueue(ctx, domain.LocalQueue{
		Name:         "team-a",
		TenantID:     "acme",
		ClusterQueue: "cq-a",
	}); err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, store: store, fake: fake, bus: bus}
}

func submittable(resources domain.ResourceList) domain.Job {
	return domain.Job{
		TenantID:   "acme",
		Queue:      "team-a",
		Kind:       domain.JobKindBatch,
		Resources:  resources,
		Image:      "registry.local/trainer:1",
		MaxRetries: 2,
	}
}

func eventKinds(t *testing.T, f *fixture, correlationID string) []domain.EventKind {
	t.Helper()
	evts, err := f.store.ListEvents(context.Background(), correlationID)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]domain.EventKind, 0, len(evts))
	for _, e := range evts {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestCreate_AdmitsAndLaunches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, created, err := f.svc.Create(ctx, submittable(domain.ResourceList{"accelerator": 2}))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if job.Status != domain.JobStatusScheduled {
		t.Fatalf("expected scheduled after admission, got %s", job.Status)
	}

	stored, err := f.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SubstrateRef == "" {
		t.Fatal("expected substrate ref recorded after launch")
	}

	usage, _ := f.store.QueueUsage(ctx, "cq-a")
	if usage["accelerator"] != 2 {
		t.Fatalf("expected 2 reserved, got %d", usage["accelerator"])
	}
}

func TestCreate_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := submittable(domain.ResourceList{"accelerator": 1})
	req.IdempotencyKey = "train-v1"
	first, _, err := f.svc.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, created, err := f.svc.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected replay to report created=false")
	}
	if second.ID != first.ID {
		t.Fatalf("expected job %s, got %s", first.ID, second.ID)
	}

	usage, _ := f.store.QueueUsage(ctx, "cq-a")
	if usage["accelerator"] != 1 {
		t.Fatalf("replay must not reserve twice, usage=%d", usage["accelerator"])
	}
}

func TestApplyReport_CompletesAndFreesCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _, err := f.svc.Create(ctx, submittable(domain.ResourceList{"accelerator": 3}))
	if err != nil {
		t.Fatal(err)
	}

	// A second job that does not fit waits in the queue.
	blocked, _, err := f.svc.Create(ctx, submittable(domain.ResourceList{"accelerator": 2}))
	if err != nil {
		t.Fatal(err)
	}
	if blocked.Status != domain.JobStatusQueued {
		t.Fatalf("expected blocked job queued, got %s", blocked.Status)
	}

	if err := f.svc.ApplyReport(ctx, substrate.Report{JobID: job.ID, Phase: substrate.PhaseRunning}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ApplyReport(ctx, substrate.Report{JobID: job.ID, Phase: substrate.PhaseSucceeded}); err != nil {
		t.Fatal(err)
	}

	done, _ := f.store.GetJob(ctx, job.ID)
	if done.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	kinds := eventKinds(t, f, job.ID)
	want := []domain.EventKind{domain.EventJobRunning, domain.EventJobCompleted}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Fatalf("events = %v, want %v", kinds, want)
	}

	// The release triggered a requeue scan; the blocked job is now admitted.
	unblocked, _ := f.store.GetJob(ctx, blocked.ID)
	if unblocked.Status != domain.JobStatusScheduled {
		t.Fatalf("expected blocked job admitted after release, got %s", unblocked.Status)
	}

	// Replaying the terminal report is a no-op.
	if err := f.svc.ApplyReport(ctx, substrate.Report{JobID: job.ID, Phase: substrate.PhaseSucceeded}); err != nil {
		t.Fatal(err)
	}
	if got := eventKinds(t, f, job.ID); len(got) != 2 {
		t.Fatalf("replay must not publish again, events=%v", got)
	}
}

func TestApplyReport_TransientFailureRequeuesWithBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _, err := f.svc.Create(ctx, submittable(domain.ResourceList{"accelerator": 2}))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.ApplyReport(ctx, substrate.Report{
		JobID: job.ID, Phase: substrate.PhaseFailed, Reason: "node drained", Transient: true,
	}); err != nil {
		t.Fatal(err)
	}

	requeued, _ := f.store.GetJob(ctx, job.ID)
	if requeued.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued, got %s", requeued.Status)
	}
	if requeued.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", requeued.RetryCount)
	}
	if requeued.NotBefore == nil {
		t.Fatal("expected a backoff gate")
	}
	usage, _ := f.store.QueueUsage(ctx, "cq-a")
	if usage["accelerator"] != 0 {
		t.Fatalf("requeue must release quota, usage=%d", usage["accelerator"])
	}
}

func TestApplyReport_PermanentFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _, err := f.svc.Create(ctx, submittable(domain.ResourceList{"accelerator": 2}))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.ApplyReport(ctx, substrate.Report{
		JobID: job.ID, Phase: substrate.PhaseFailed, Reason: "DeadlineExceeded", Transient: false,
	}); err != nil {
		t.Fatal(err)
	}

	failed, _ := f.store.GetJob(ctx, job.ID)
	if failed.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.RetryCount != 0 {
		t.Fatalf("permanent failure must not consume retries, got %d", failed.RetryCount)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _, err := f.svc.Create(ctx, submittable(domain.ResourceList{"accelerator": 2}))
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := f.svc.Cancel(ctx, job.ID, "user request")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != domain.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	usage, _ := f.store.QueueUsage(ctx, "cq-a")
	if usage["accelerator"] != 0 {
		t.Fatalf("cancel must release quota, usage=%d", usage["accelerator"])
	}

	again, err := f.svc.Cancel(ctx, job.ID, "user request")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != domain.JobStatusCancelled {
		t.Fatalf("repeat cancel must return the cancelled job, got %s", again.Status)
	}

	// Cancelling a completed job conflicts.
	other, _, err := f.svc.Create(ctx, submittable(domain.ResourceList{"accelerator": 1}))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ApplyReport(ctx, substrate.Report{JobID: other.ID, Phase: substrate.PhaseSucceeded}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Cancel(ctx, other.ID, "late"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPreempt_RequeuesVictim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := submittable(domain.ResourceList{"accelerator": 2})
	req.Preemptible = true
	job, _, err := f.svc.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	preempted, err := f.svc.Preempt(ctx, job.ID, "capacity reclaimed")
	if err != nil {
		t.Fatal(err)
	}
	if preempted.Status != domain.JobStatusQueued {
		t.Fatalf("expected requeued victim, got %s", preempted.Status)
	}
	if preempted.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", preempted.RetryCount)
	}

	kinds := eventKinds(t, f, job.ID)
	found := false
	for _, k := range kinds {
		if k == domain.EventJobPreempted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job_preempted event, got %v", kinds)
	}

	// Non-preemptible jobs refuse.
	fixed, _, err := f.svc.Create(ctx, submittable(domain.ResourceList{"accelerator": 1}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Preempt(ctx, fixed.ID, "no"); err == nil {
		t.Fatal("expected error preempting non-preemptible job")
	}
}

func TestSweepTimeouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := submittable(domain.ResourceList{"accelerator": 2})
	req.MaxDurationSec = 60
	job, _, err := f.svc.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ApplyReport(ctx, substrate.Report{JobID: job.ID, Phase: substrate.PhaseRunning}); err != nil {
		t.Fatal(err)
	}

	// Not yet due.
	f.svc.SweepTimeouts(ctx)
	if got, _ := f.store.GetJob(ctx, job.ID); got.Status != domain.JobStatusRunning {
		t.Fatalf("expected still running, got %s", got.Status)
	}

	f.svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	f.svc.SweepTimeouts(ctx)

	failed, _ := f.store.GetJob(ctx, job.ID)
	if failed.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.Reason != ReasonTimeout {
		t.Fatalf("reason=%q, want %q", failed.Reason, ReasonTimeout)
	}
	usage, _ := f.store.QueueUsage(ctx, "cq-a")
	if usage["accelerator"] != 0 {
		t.Fatalf("timeout must release quota, usage=%d", usage["accelerator"])
	}
}
