package substrate

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

// Publisher is the slice of the event bus the watcher needs.
type Publisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

// Watcher polls substrate ground truth for jobs that hold a reference and
// publishes a report event whenever the observed phase is ahead of the
// durable job state. The completion listener applies reports through the
// state machine, so a report published twice is harmless.
type Watcher struct {
	logger   *slog.Logger
	jobs     repo.JobRepository
	adapter  Adapter
	bus      Publisher
	interval time.Duration
	batch    int
}

func StartWatcher(ctx context.Context, logger *slog.Logger, jobs repo.JobRepository, adapter Adapter, bus Publisher, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &Watcher{
		logger:   logger,
		jobs:     jobs,
		adapter:  adapter,
		bus:      bus,
		interval: interval,
		batch:    100,
	}
	go w.run(ctx)
	return w
}

func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SyncOnce(ctx)
		}
	}
}

func (w *Watcher) SyncOnce(ctx context.Context) {
	jobs, err := w.jobs.ListJobs(ctx, repo.JobFilter{NonTerminal: true, HasRef: true, Limit: w.batch})
	if err != nil {
		w.log("list jobs failed", "error", err)
		return
	}
	for _, job := range jobs {
		report, err := w.adapter.Inspect(ctx, job)
		if err != nil {
			w.log("inspect failed", "job_id", job.ID, "error", err)
			continue
		}
		if !reportAdvances(job.Status, report.Phase) {
			continue
		}
		event := domain.Event{
			Kind:          domain.EventSubstrateReport,
			CorrelationID: job.ID,
			Payload: domain.Metadata{
				"job_id":    report.JobID,
				"ref":       report.Ref,
				"phase":     string(report.Phase),
				"reason":    report.Reason,
				"transient": report.Transient,
			},
			OccurredAt: report.ObservedAt,
		}
		if err := w.bus.Publish(ctx, event); err != nil {
			w.log("publish report failed", "job_id", job.ID, "error", err)
		}
	}
}

// reportAdvances filters reports that would be no-ops against the durable
// state, keeping the outbox free of steady-state chatter.
func reportAdvances(status domain.JobStatus, phase Phase) bool {
	switch phase {
	case PhaseSucceeded, PhaseFailed, PhaseMissing:
		return !status.Terminal()
	case PhaseRunning:
		return status == domain.JobStatusScheduled
	default:
		return false
	}
}

func (w *Watcher) log(msg string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Warn(msg, args...)
}
