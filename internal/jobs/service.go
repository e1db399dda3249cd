// Package jobs drives the job state machine. Every mutation goes through a
// guarded store transition, so concurrent workers race safely: the loser of
// a race sees repo.ErrConflict and treats the work as already done.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/metering"
	"github.com/tessera-labs/tessera-go/internal/quota"
	"github.com/tessera-labs/tessera-go/internal/repo"
	"github.com/tessera-labs/tessera-go/internal/substrate"
)

// ReasonTimeout marks a job failed by the duration sweep. Timed-out jobs do
// not retry.
const ReasonTimeout = "TIMEOUT"

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

// Admitter is the slice of the admission controller the service needs.
// Wired after construction; the controller's launcher points back here.
type Admitter interface {
	TryAdmit(ctx context.Context, jobID string) (quota.Decision, domain.Job, error)
	ScanQueued(ctx context.Context)
}

type Service struct {
	logger   *slog.Logger
	store    repo.JobRepository
	adapter  substrate.Adapter
	bus      Publisher
	meter    metering.Sink
	admitter Admitter
	now      func() time.Time
}

func NewService(logger *slog.Logger, store repo.JobRepository, adapter substrate.Adapter, bus Publisher, meter metering.Sink) *Service {
	return &Service{
		logger:  logger,
		store:   store,
		adapter: adapter,
		bus:     bus,
		meter:   meter,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetAdmitter(a Admitter) { s.admitter = a }

// Create registers a job and immediately attempts admission. Replays of the
// same (tenant, idempotency key) return the original job with created=false
// and cause no new transitions.
func (s *Service) Create(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = domain.JobStatusPending
	job.ClusterQueue = ""
	job.SubstrateRef = ""

	created, isNew, err := s.store.CreateJob(ctx, job)
	if err != nil {
		return domain.Job{}, false, err
	}
	if !isNew {
		return created, false, nil
	}

	queued, err := s.store.TransitionJob(ctx, created.ID, domain.JobStatusPending, repo.JobChange{
		To: domain.JobStatusQueued,
	})
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("queue job: %w", err)
	}

	if s.admitter != nil {
		decision, admitted, err := s.admitter.TryAdmit(ctx, queued.ID)
		if err != nil && !errors.Is(err, repo.ErrConflict) {
			return domain.Job{}, false, err
		}
		if err == nil {
			s.logger.Info("admission attempted",
				"job_id", queued.ID, "outcome", decision.Outcome, "reason", decision.Reason)
			if decision.Outcome != quota.OutcomeDeferred {
				queued = admitted
			}
		}
	}
	return queued, true, nil
}

// Launch submits an admitted job to the substrate and records the returned
// reference. A failed submission releases the freshly reserved quota and
// either requeues (retry budget remaining) or fails the job.
func (s *Service) Launch(ctx context.Context, job domain.Job) error {
	ref, err := s.adapter.Submit(ctx, job)
	if err != nil {
		s.logger.Warn("substrate submit failed", "job_id", job.ID, "error", err)
		if job.RetryCount < job.MaxRetries {
			return s.requeue(ctx, job, fmt.Sprintf("submit failed: %v", err))
		}
		_, ferr := s.finish(ctx, job, domain.JobStatusFailed, fmt.Sprintf("submit failed: %v", err))
		return ferr
	}
	if err := s.store.SetSubstrateRef(ctx, job.ID, ref); err != nil {
		return fmt.Errorf("record substrate ref: %w", err)
	}
	return nil
}

// ApplyReport folds one substrate observation into the state machine. It is
// safe to apply the same report any number of times.
func (s *Service) ApplyReport(ctx context.Context, report substrate.Report) error {
	job, err := s.store.GetJob(ctx, report.JobID)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("report for unknown job", "job_id", report.JobID, "ref", report.Ref)
		return nil
	}
	if err != nil {
		return err
	}
	// Reports are only meaningful against admitted state. A report that
	// lands after a requeue or preemption describes a dead attempt.
	if job.Status != domain.JobStatusScheduled && job.Status != domain.JobStatusRunning {
		return nil
	}

	switch report.Phase {
	case substrate.PhaseRunning:
		if job.Status != domain.JobStatusScheduled {
			return nil
		}
		_, err := s.markRunning(ctx, job)
		if errors.Is(err, repo.ErrConflict) {
			return nil
		}
		return err

	case substrate.PhaseSucceeded:
		// The workload can finish before a running report was ever seen;
		// pass through RUNNING so the state machine only walks legal edges.
		if job.Status == domain.JobStatusScheduled {
			running, err := s.markRunning(ctx, job)
			if errors.Is(err, repo.ErrConflict) {
				running, err = s.store.GetJob(ctx, job.ID)
			}
			if err != nil {
				return err
			}
			job = running
			if job.Status != domain.JobStatusRunning {
				return nil
			}
		}
		_, err := s.finish(ctx, job, domain.JobStatusCompleted, "")
		return err

	case substrate.PhaseFailed, substrate.PhaseMissing:
		retryable := report.Transient || report.Phase == substrate.PhaseMissing
		if retryable && job.RetryCount < job.MaxRetries {
			return s.requeue(ctx, job, report.Reason)
		}
		_, err := s.finish(ctx, job, domain.JobStatusFailed, report.Reason)
		return err

	default:
		return nil
	}
}

func (s *Service) markRunning(ctx context.Context, job domain.Job) (domain.Job, error) {
	running, err := s.store.TransitionJob(ctx, job.ID, domain.JobStatusScheduled, repo.JobChange{
		To: domain.JobStatusRunning,
	})
	if err != nil {
		return domain.Job{}, err
	}
	s.publish(ctx, domain.EventJobRunning, running, nil)
	return running, nil
}

// Get returns the stored job.
func (s *Service) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Cancel is forward-only and idempotent: cancelling an already-cancelled job
// succeeds, cancelling any other terminal job conflicts.
func (s *Service) Cancel(ctx context.Context, id, reason string) (domain.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status == domain.JobStatusCancelled {
		return job, nil
	}
	if job.Status.Terminal() {
		return domain.Job{}, repo.ErrConflict
	}

	if job.SubstrateRef != "" {
		if err := s.adapter.Cancel(ctx, job); err != nil {
			s.logger.Warn("substrate cancel failed", "job_id", job.ID, "error", err)
		}
	}
	return s.finish(ctx, job, domain.JobStatusCancelled, reason)
}

// Preempt evicts an admitted preemptible job and requeues it if retries
// remain; an exhausted budget fails it instead.
func (s *Service) Preempt(ctx context.Context, id, reason string) (domain.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobStatusScheduled && job.Status != domain.JobStatusRunning {
		return domain.Job{}, repo.ErrConflict
	}
	if !job.Preemptible {
		return domain.Job{}, fmt.Errorf("job %s is not preemptible", job.ID)
	}

	if job.SubstrateRef != "" {
		if err := s.adapter.Cancel(ctx, job); err != nil {
			s.logger.Warn("substrate cancel failed", "job_id", job.ID, "error", err)
		}
	}

	emptyRef := ""
	preempted, err := s.store.TransitionJob(ctx, job.ID, job.Status, repo.JobChange{
		To:           domain.JobStatusPreempted,
		Reason:       reason,
		SubstrateRef: &emptyRef,
		ReleaseQuota: true,
	})
	if err != nil {
		return domain.Job{}, err
	}
	s.publish(ctx, domain.EventJobPreempted, preempted, nil)

	if preempted.RetryCount < preempted.MaxRetries {
		retry := preempted.RetryCount + 1
		notBefore := s.now().Add(domain.RetryBackoff(retry))
		queued, err := s.store.TransitionJob(ctx, preempted.ID, domain.JobStatusPreempted, repo.JobChange{
			To:         domain.JobStatusQueued,
			Reason:     reason,
			RetryCount: &retry,
			NotBefore:  &notBefore,
		})
		if err != nil {
			return domain.Job{}, err
		}
		s.scan(ctx)
		return queued, nil
	}

	failed, err := s.store.TransitionJob(ctx, preempted.ID, domain.JobStatusPreempted, repo.JobChange{
		To:     domain.JobStatusFailed,
		Reason: "retry budget exhausted",
	})
	if err != nil {
		return domain.Job{}, err
	}
	s.publish(ctx, domain.EventJobFailed, failed, nil)
	s.meterUsage(ctx, failed)
	s.scan(ctx)
	return failed, nil
}

// SweepTimeouts fails running jobs past their duration budget. Timed-out
// jobs never retry; the budget bounds total wall time, not one attempt.
func (s *Service) SweepTimeouts(ctx context.Context) {
	running, err := s.store.ListJobs(ctx, repo.JobFilter{Status: domain.JobStatusRunning})
	if err != nil {
		s.logger.Warn("timeout sweep failed", "error", err)
		return
	}
	now := s.now()
	for _, job := range running {
		if job.MaxDurationSec <= 0 || job.StartedAt == nil {
			continue
		}
		deadline := job.StartedAt.Add(time.Duration(job.MaxDurationSec) * time.Second)
		if deadline.After(now) {
			continue
		}
		if job.SubstrateRef != "" {
			if err := s.adapter.Cancel(ctx, job); err != nil {
				s.logger.Warn("substrate cancel failed", "job_id", job.ID, "error", err)
			}
		}
		if _, err := s.finish(ctx, job, domain.JobStatusFailed, ReasonTimeout); err != nil && !errors.Is(err, repo.ErrConflict) {
			s.logger.Warn("timeout transition failed", "job_id", job.ID, "error", err)
		}
	}
}

// Run drives the timeout sweep until the context ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepTimeouts(ctx)
		}
	}
}

// requeue loops a job back to QUEUED with an incremented retry count and a
// backoff gate. Quota reserved for the failed attempt is released in the
// same transition.
func (s *Service) requeue(ctx context.Context, job domain.Job, reason string) error {
	retry := job.RetryCount + 1
	notBefore := s.now().Add(domain.RetryBackoff(retry))
	emptyRef := ""
	release := job.Status == domain.JobStatusScheduled || job.Status == domain.JobStatusRunning
	_, err := s.store.TransitionJob(ctx, job.ID, job.Status, repo.JobChange{
		To:           domain.JobStatusQueued,
		Reason:       reason,
		RetryCount:   &retry,
		NotBefore:    &notBefore,
		SubstrateRef: &emptyRef,
		ReleaseQuota: release,
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.scan(ctx)
	return nil
}

// finish applies a terminal transition, releasing quota synchronously and
// fanning out the terminal event, metering and a requeue scan.
func (s *Service) finish(ctx context.Context, job domain.Job, to domain.JobStatus, reason string) (domain.Job, error) {
	release := job.Status == domain.JobStatusScheduled || job.Status == domain.JobStatusRunning
	done, err := s.store.TransitionJob(ctx, job.ID, job.Status, repo.JobChange{
		To:           to,
		Reason:       reason,
		ReleaseQuota: release,
	})
	if errors.Is(err, repo.ErrConflict) {
		// Another worker finished it first; report the stored outcome.
		return s.store.GetJob(ctx, job.ID)
	}
	if err != nil {
		return domain.Job{}, err
	}

	switch to {
	case domain.JobStatusCompleted:
		s.publish(ctx, domain.EventJobCompleted, done, done.Outputs)
	case domain.JobStatusFailed:
		s.publish(ctx, domain.EventJobFailed, done, nil)
	case domain.JobStatusCancelled:
		s.publish(ctx, domain.EventJobCancelled, done, nil)
	}
	s.meterUsage(ctx, done)
	if release {
		s.scan(ctx)
	}
	return done, nil
}

func (s *Service) meterUsage(ctx context.Context, job domain.Job) {
	if s.meter == nil || job.CompletedAt == nil {
		return
	}
	if err := s.meter.RecordUsage(ctx, metering.Compute(job, *job.CompletedAt)); err != nil {
		s.logger.Warn("metering failed", "job_id", job.ID, "error", err)
	}
}

func (s *Service) scan(ctx context.Context) {
	if s.admitter != nil {
		s.admitter.ScanQueued(ctx)
	}
}

func (s *Service) publish(ctx context.Context, kind domain.EventKind, job domain.Job, outputs domain.Metadata) {
	if s.bus == nil {
		return
	}
	payload := domain.Metadata{
		"job_id":    job.ID,
		"tenant_id": job.TenantID,
		"queue":     job.Queue,
		"status":    string(job.Status),
		"reason":    job.Reason,
	}
	if !job.Source.IsZero() {
		payload["execution_id"] = job.Source.ExecutionID
		payload["step_name"] = job.Source.StepName
	}
	if outputs != nil {
		payload["outputs"] = map[string]any(outputs)
	}
	event := domain.Event{
		Kind:          kind,
		CorrelationID: job.ID,
		Payload:       payload,
		OccurredAt:    s.now(),
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed", "job_id", job.ID, "kind", kind, "error", err)
	}
}

// HandleSubstrateReport is the completion-listener entry point, subscribed
// to substrate_report events.
func (s *Service) HandleSubstrateReport(ctx context.Context, e domain.Event) error {
	report := substrate.Report{
		JobID:      stringField(e.Payload, "job_id"),
		Ref:        stringField(e.Payload, "ref"),
		Phase:      substrate.Phase(stringField(e.Payload, "phase")),
		Reason:     stringField(e.Payload, "reason"),
		ObservedAt: e.OccurredAt,
	}
	if transient, ok := e.Payload["transient"].(bool); ok {
		report.Transient = transient
	}
	if report.JobID == "" {
		s.logger.Warn("malformed substrate report", "event_id", e.ID)
		return nil
	}
	return s.ApplyReport(ctx, report)
}

func stringField(m domain.Metadata, key string) string {
	v, _ := m[key].(string)
	return v
}
