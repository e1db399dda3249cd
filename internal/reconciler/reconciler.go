// Package reconciler repairs divergence between the job store and the
// substrate after a crash or missed report. It runs once at startup and then
// on an interval.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tessera-labs/tessera-go/internal/repo"
	"github.com/tessera-labs/tessera-go/internal/substrate"
)

// Applier folds a substrate report into the job state machine.
type Applier interface {
	ApplyReport(ctx context.Context, report substrate.Report) error
}

type Config struct {
	Interval time.Duration
	// DeleteOrphans enables removal of substrate resources that no longer
	// have a job row. When false, orphans are only logged.
	DeleteOrphans bool
	Batch         int
}

type Reconciler struct {
	logger  *slog.Logger
	jobs    repo.JobRepository
	adapter substrate.Adapter
	applier Applier
	cfg     Config
}

func New(logger *slog.Logger, jobs repo.JobRepository, adapter substrate.Adapter, applier Applier, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	return &Reconciler{logger: logger, jobs: jobs, adapter: adapter, applier: applier, cfg: cfg}
}

// Start runs one immediate pass, then keeps reconciling on the interval
// until the context ends.
func Start(ctx context.Context, r *Reconciler) {
	r.ReconcileOnce(ctx)
	go r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce repairs tracked jobs against substrate truth, then sweeps
// for orphaned substrate resources.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	r.repairJobs(ctx)
	r.sweepOrphans(ctx)
}

// repairJobs inspects every non-terminal job that holds a substrate
// reference and replays the observed state through the normal report path,
// so reconciliation and live watching share one set of transition rules.
func (r *Reconciler) repairJobs(ctx context.Context) {
	jobList, err := r.jobs.ListJobs(ctx, repo.JobFilter{NonTerminal: true, HasRef: true, Limit: r.cfg.Batch})
	if err != nil {
		r.logger.Warn("reconcile list jobs failed", "error", err)
		return
	}
	for _, job := range jobList {
		report, err := r.adapter.Inspect(ctx, job)
		if err != nil {
			r.logger.Warn("reconcile inspect failed", "job_id", job.ID, "ref", job.SubstrateRef, "error", err)
			continue
		}
		if err := r.applier.ApplyReport(ctx, report); err != nil && !errors.Is(err, repo.ErrConflict) {
			r.logger.Warn("reconcile apply failed", "job_id", job.ID, "phase", report.Phase, "error", err)
		}
	}
}

// sweepOrphans finds substrate resources tagged as ours whose job row is
// gone or already terminal. Terminal jobs keep their resource until the
// sweep collects it.
func (r *Reconciler) sweepOrphans(ctx context.Context) {
	owned, err := r.adapter.ListOwned(ctx)
	if err != nil {
		r.logger.Warn("reconcile list owned failed", "error", err)
		return
	}
	for _, res := range owned {
		job, err := r.jobs.GetJob(ctx, res.JobID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			r.collect(ctx, res, "no job row")
		case err != nil:
			r.logger.Warn("reconcile get job failed", "job_id", res.JobID, "error", err)
		case job.Status.Terminal():
			r.collect(ctx, res, "job "+string(job.Status))
		case job.SubstrateRef == "":
			// A requeued job dropped its ref; the old resource is garbage.
			r.collect(ctx, res, "job requeued")
		}
	}
}

func (r *Reconciler) collect(ctx context.Context, res substrate.OwnedResource, cause string) {
	if !r.cfg.DeleteOrphans {
		r.logger.Info("orphaned substrate resource", "ref", res.Ref, "job_id", res.JobID, "cause", cause)
		return
	}
	if err := r.adapter.DeleteRef(ctx, res.Ref); err != nil && !errors.Is(err, repo.ErrNotFound) {
		r.logger.Warn("orphan delete failed", "ref", res.Ref, "error", err)
		return
	}
	r.logger.Info("orphaned substrate resource deleted", "ref", res.Ref, "job_id", res.JobID, "cause", cause)
}
