// Package memory provides an in-process implementation of the repo
// interfaces behind a single mutex. It backs tests and the single-node
// deployment mode; the postgres package is the production store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/quota"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

type Store struct {
	mu sync.Mutex

	jobs       map[string]*domain.Job
	jobKeys    map[string]string // tenant + "\x00" + idempotency key -> job id
	jobHistory map[string][]domain.JobTransition

	clusterQueues map[string]domain.ClusterQueue
	localQueues   map[string]domain.LocalQueue
	usage         map[string]domain.ResourceList

	pipelines  map[string]domain.Pipeline
	executions map[string]*domain.Execution
	steps      map[string]map[string]*domain.StepState
	stepOrder  map[string][]string

	events    []*outboxEvent
	seqByCorr map[string]int64

	now func() time.Time
}

type outboxEvent struct {
	event     domain.Event
	delivered bool
}

func NewStore() *Store {
	return &Store{
		jobs:          map[string]*domain.Job{},
		jobKeys:       map[string]string{},
		jobHistory:    map[string][]domain.JobTransition{},
		clusterQueues: map[string]domain.ClusterQueue{},
		localQueues:   map[string]domain.LocalQueue{},
		usage:         map[string]domain.ResourceList{},
		pipelines:     map[string]domain.Pipeline{},
		executions:    map[string]*domain.Execution{},
		steps:         map[string]map[string]*domain.StepState{},
		stepOrder:     map[string][]string{},
		seqByCorr:     map[string]int64{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func idempotencyKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (s *Store) CreateJob(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	if err := job.Validate(); err != nil {
		return domain.Job{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(job.IdempotencyKey) != "" {
		if existingID, ok := s.jobKeys[idempotencyKey(job.TenantID, job.IdempotencyKey)]; ok {
			return *s.jobs[existingID], false, nil
		}
	}
	if _, ok := s.jobs[job.ID]; ok {
		return domain.Job{}, false, fmt.Errorf("job %s already exists", job.ID)
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	stored := job
	s.jobs[job.ID] = &stored
	if strings.TrimSpace(job.IdempotencyKey) != "" {
		s.jobKeys[idempotencyKey(job.TenantID, job.IdempotencyKey)] = job.ID
	}
	return stored, true, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return *job, nil
}

func (s *Store) ListJobs(ctx context.Context, f repo.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if f.TenantID != "" && job.TenantID != f.TenantID {
			continue
		}
		if f.Queue != "" && job.Queue != f.Queue {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.NonTerminal && job.Status.Terminal() {
			continue
		}
		if f.HasRef && strings.TrimSpace(job.SubstrateRef) == "" {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) TransitionJob(ctx context.Context, id string, from domain.JobStatus, change repo.JobChange) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionJobLocked(id, from, change)
}

func (s *Store) transitionJobLocked(id string, from domain.JobStatus, change repo.JobChange) (domain.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	if job.Status != from {
		return domain.Job{}, repo.ErrConflict
	}
	if !domain.CanTransitionJob(from, change.To) {
		return domain.Job{}, fmt.Errorf("illegal job transition %s -> %s", from, change.To)
	}

	now := s.now()
	job.Status = change.To
	job.Reason = change.Reason
	if change.RetryCount != nil {
		job.RetryCount = *change.RetryCount
	}
	job.NotBefore = change.NotBefore
	if change.SubstrateRef != nil {
		job.SubstrateRef = *change.SubstrateRef
	}
	if change.Outputs != nil {
		job.Outputs = change.Outputs
	}

	switch change.To {
	case domain.JobStatusQueued:
		job.ScheduledAt = nil
		job.StartedAt = nil
	case domain.JobStatusScheduled:
		at := now
		job.ScheduledAt = &at
	case domain.JobStatusRunning:
		at := now
		job.StartedAt = &at
	case domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled:
		at := now
		job.CompletedAt = &at
	}

	if change.ReleaseQuota {
		s.releaseLocked(job.ClusterQueue, job.Resources)
	}

	s.appendHistoryLocked(job, from, change.To, change.Reason, now)
	return *job, nil
}

func (s *Store) appendHistoryLocked(job *domain.Job, from, to domain.JobStatus, reason string, at time.Time) {
	seq := int64(len(s.jobHistory[job.ID]) + 1)
	s.jobHistory[job.ID] = append(s.jobHistory[job.ID], domain.JobTransition{
		JobID:      job.ID,
		Seq:        seq,
		From:       from,
		To:         to,
		Reason:     reason,
		RetryCount: job.RetryCount,
		At:         at,
	})
}

func (s *Store) UpdateJobMeta(ctx context.Context, id string, priority *int, labels map[string]string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.Job{}, repo.ErrConflict
	}
	if priority != nil {
		job.PriorityClass = *priority
	}
	if labels != nil {
		job.Labels = labels
	}
	return *job, nil
}

func (s *Store) SetSubstrateRef(ctx context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	job.SubstrateRef = ref
	return nil
}

func (s *Store) JobHistory(ctx context.Context, id string) ([]domain.JobTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil, repo.ErrNotFound
	}
	history := s.jobHistory[id]
	out := make([]domain.JobTransition, len(history))
	copy(out, history)
	return out, nil
}

func (s *Store) AdmitJob(ctx context.Context, id string) (quota.Decision, domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return quota.Decision{}, domain.Job{}, repo.ErrNotFound
	}
	if job.Status != domain.JobStatusQueued {
		return quota.Decision{}, domain.Job{}, repo.ErrConflict
	}

	local, ok := s.localQueues[job.Queue]
	if !ok {
		return quota.Denied(fmt.Sprintf("unknown local queue %q", job.Queue)), *job, nil
	}
	target, ok := s.clusterQueues[local.ClusterQueue]
	if !ok {
		return quota.Denied(fmt.Sprintf("unknown cluster queue %q", local.ClusterQueue)), *job, nil
	}

	decision := quota.Decide(s.snapshotLocked(target), target.Name, job.Resources)
	if decision.Outcome != quota.OutcomeAdmitted {
		return decision, *job, nil
	}

	s.usage[target.Name] = s.usageLocked(target.Name).Add(job.Resources)
	job.ClusterQueue = target.Name
	job.Status = domain.JobStatusScheduled
	job.Reason = ""
	job.NotBefore = nil
	at := s.now()
	job.ScheduledAt = &at
	s.appendHistoryLocked(job, domain.JobStatusQueued, domain.JobStatusScheduled, "admitted", at)
	return decision, *job, nil
}

// snapshotLocked collects the cohort of the target queue; a queue without a
// cohort sees only itself.
func (s *Store) snapshotLocked(target domain.ClusterQueue) quota.Snapshot {
	queues := map[string]domain.ClusterQueue{target.Name: target}
	if strings.TrimSpace(target.Cohort) != "" {
		for name, q := range s.clusterQueues {
			if q.Cohort == target.Cohort {
				queues[name] = q
			}
		}
	}
	usage := make(map[string]domain.ResourceList, len(queues))
	for name := range queues {
		usage[name] = s.usageLocked(name)
	}
	return quota.Snapshot{Queues: queues, Usage: usage}
}

func (s *Store) usageLocked(clusterQueue string) domain.ResourceList {
	if u, ok := s.usage[clusterQueue]; ok {
		return u
	}
	return domain.ResourceList{}
}

func (s *Store) releaseLocked(clusterQueue string, res domain.ResourceList) {
	if strings.TrimSpace(clusterQueue) == "" {
		return
	}
	s.usage[clusterQueue] = s.usageLocked(clusterQueue).Sub(res)
}
