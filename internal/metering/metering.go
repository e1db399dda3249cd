// Package metering records resource consumption of finished jobs. Billing
// itself lives elsewhere; this is the measurement hook.
package metering

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

// Usage is the resource-seconds a job consumed between start and end.
type Usage struct {
	JobID           string
	TenantID        string
	ClusterQueue    string
	Duration        time.Duration
	ResourceSeconds map[string]float64
}

type Sink interface {
	RecordUsage(ctx context.Context, u Usage) error
}

// Compute derives usage from a job's recorded timestamps. Jobs that never
// started consumed nothing.
func Compute(job domain.Job, endedAt time.Time) Usage {
	u := Usage{
		JobID:           job.ID,
		TenantID:        job.TenantID,
		ClusterQueue:    job.ClusterQueue,
		ResourceSeconds: map[string]float64{},
	}
	if job.StartedAt == nil || endedAt.Before(*job.StartedAt) {
		return u
	}
	u.Duration = endedAt.Sub(*job.StartedAt)
	for name, qty := range job.Resources {
		u.ResourceSeconds[name] = float64(qty) * u.Duration.Seconds()
	}
	return u
}

// LogSink writes usage records to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordUsage(ctx context.Context, u Usage) error {
	if s.logger == nil {
		return nil
	}
	s.logger.Info("usage recorded",
		"job_id", u.JobID,
		"tenant_id", u.TenantID,
		"cluster_queue", u.ClusterQueue,
		"duration_seconds", u.Duration.Seconds(),
		"resource_seconds", u.ResourceSeconds,
	)
	return nil
}
