// Package admission decides which queued jobs get capacity. The quota
// arithmetic lives in the store's AdmitJob so the decision and the
// reservation commit atomically; the controller sequences attempts, applies
// backoff gates and launches admitted jobs.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/quota"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

// Launcher submits an admitted job to the execution substrate. It is wired
// after construction because the job service sits above the controller.
type Launcher interface {
	Launch(ctx context.Context, job domain.Job) error
}

// Preemptor evicts a victim job through the normal state machine.
type Preemptor interface {
	Preempt(ctx context.Context, jobID, reason string) (domain.Job, error)
}

// Store is the slice of the repository the controller needs.
type Store interface {
	repo.AdmissionRepository
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, f repo.JobFilter) ([]domain.Job, error)
	GetLocalQueue(ctx context.Context, name string) (domain.LocalQueue, error)
	GetClusterQueue(ctx context.Context, name string) (domain.ClusterQueue, error)
}

type Controller struct {
	logger    *slog.Logger
	store     Store
	policy    CostPolicy
	launcher  Launcher
	preemptor Preemptor
	batch     int
	now       func() time.Time
}

func NewController(logger *slog.Logger, store Store, policy CostPolicy) *Controller {
	if policy == nil {
		policy = DefaultCostPolicy{}
	}
	return &Controller{
		logger: logger,
		store:  store,
		policy: policy,
		batch:  200,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Controller) SetLauncher(l Launcher)   { c.launcher = l }
func (c *Controller) SetPreemptor(p Preemptor) { c.preemptor = p }

// TryAdmit attempts admission for one queued job. A backoff gate that has
// not elapsed defers without consulting the quota ledger. Denial is a
// decision, never an error; the job stays queued either way.
func (c *Controller) TryAdmit(ctx context.Context, jobID string) (quota.Decision, domain.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return quota.Decision{}, domain.Job{}, err
	}
	if job.Status != domain.JobStatusQueued {
		return quota.Decision{}, domain.Job{}, repo.ErrConflict
	}
	now := c.now()
	if job.NotBefore != nil && job.NotBefore.After(now) {
		return quota.Deferred(fmt.Sprintf("backoff until %s", job.NotBefore.Format(time.RFC3339))), job, nil
	}

	decision, job, err := c.store.AdmitJob(ctx, jobID)
	if err != nil {
		return quota.Decision{}, domain.Job{}, err
	}
	if decision.Outcome == quota.OutcomeAdmitted && c.launcher != nil {
		if err := c.launcher.Launch(ctx, job); err != nil {
			c.log("launch failed", "job_id", job.ID, "error", err)
		}
	}
	return decision, job, nil
}

// ScanQueued retries admission for queued jobs, oldest first. Called on a
// timer and after every quota release.
func (c *Controller) ScanQueued(ctx context.Context) {
	jobs, err := c.store.ListJobs(ctx, repo.JobFilter{Status: domain.JobStatusQueued, Limit: c.batch})
	if err != nil {
		c.log("scan queued failed", "error", err)
		return
	}
	now := c.now()
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if job.NotBefore != nil && job.NotBefore.After(now) {
			continue
		}
		if _, _, err := c.TryAdmit(ctx, job.ID); err != nil && !errors.Is(err, repo.ErrConflict) {
			c.log("admit failed", "job_id", job.ID, "error", err)
		}
	}
}

// Run rescans on an interval so expired backoff gates are picked up even
// when no release triggers a scan.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
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
			c.ScanQueued(ctx)
		}
	}
}

// PreemptFor evicts preemptible lower-priority jobs until the pending job
// admits or no candidates remain. Victims go through Preempt, so they
// release quota and requeue under their own retry budget.
func (c *Controller) PreemptFor(ctx context.Context, pendingID string) (quota.Decision, error) {
	decision, pending, err := c.TryAdmit(ctx, pendingID)
	if err != nil {
		return quota.Decision{}, err
	}
	if decision.Outcome != quota.OutcomeDenied {
		return decision, nil
	}
	if c.preemptor == nil {
		return decision, nil
	}

	victims, err := c.victimsFor(ctx, pending)
	if err != nil {
		return quota.Decision{}, err
	}
	for _, victim := range victims {
		if _, err := c.preemptor.Preempt(ctx, victim.ID, fmt.Sprintf("preempted for job %s", pending.ID)); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				continue
			}
			return quota.Decision{}, err
		}
		decision, _, err = c.TryAdmit(ctx, pendingID)
		if err != nil {
			return quota.Decision{}, err
		}
		if decision.Outcome != quota.OutcomeDenied {
			return decision, nil
		}
	}
	return decision, nil
}

// victimsFor returns preemptible admitted jobs in the pending job's cohort
// with strictly lower priority, cheapest eviction first.
func (c *Controller) victimsFor(ctx context.Context, pending domain.Job) ([]domain.Job, error) {
	local, err := c.store.GetLocalQueue(ctx, pending.Queue)
	if err != nil {
		return nil, err
	}
	target, err := c.store.GetClusterQueue(ctx, local.ClusterQueue)
	if err != nil {
		return nil, err
	}

	candidates, err := c.store.ListJobs(ctx, repo.JobFilter{NonTerminal: true})
	if err != nil {
		return nil, err
	}

	now := c.now()
	victims := make([]domain.Job, 0)
	for _, job := range candidates {
		if !job.Preemptible {
			continue
		}
		if job.Status != domain.JobStatusScheduled && job.Status != domain.JobStatusRunning {
			continue
		}
		if job.PriorityClass >= pending.PriorityClass {
			continue
		}
		if !c.sameCohort(ctx, target, job.ClusterQueue) {
			continue
		}
		victims = append(victims, job)
	}
	sort.Slice(victims, func(i, j int) bool {
		return c.policy.Cost(pending, victims[i], now) < c.policy.Cost(pending, victims[j], now)
	})
	return victims, nil
}

func (c *Controller) sameCohort(ctx context.Context, target domain.ClusterQueue, clusterQueue string) bool {
	if clusterQueue == target.Name {
		return true
	}
	if strings.TrimSpace(target.Cohort) == "" {
		return false
	}
	other, err := c.store.GetClusterQueue(ctx, clusterQueue)
	if err != nil {
		return false
	}
	return other.Cohort == target.Cohort
}

func (c *Controller) log(msg string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(msg, args...)
}
