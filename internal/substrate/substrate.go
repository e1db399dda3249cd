// Package substrate abstracts the execution backend a scheduled job runs on.
// The orchestrator only ever submits, inspects and cancels; all state
// convergence happens through reports flowing back over the event bus.
package substrate

import (
	"context"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

// Phase is the substrate-side lifecycle of a submitted workload.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	// PhaseMissing means the reference resolves to nothing, either because
	// the resource was deleted out from under us or was never created.
	PhaseMissing Phase = "missing"
)

// Report is one observation of substrate ground truth for a job.
type Report struct {
	JobID      string
	Ref        string
	Phase      Phase
	Reason     string
	Transient  bool // a failure the job may retry
	ObservedAt time.Time
}

// OwnedResource is a substrate resource carrying the orchestrator ownership
// label, paired with the job id the label claims.
type OwnedResource struct {
	Ref   string
	JobID string
}

// Adapter is the minimal surface a backend must provide. Submit must be
// idempotent per job: resubmitting an already-present workload returns the
// existing reference without error.
type Adapter interface {
	Submit(ctx context.Context, job domain.Job) (ref string, err error)
	Inspect(ctx context.Context, job domain.Job) (Report, error)
	Cancel(ctx context.Context, job domain.Job) error
	ListOwned(ctx context.Context) ([]OwnedResource, error)
	// DeleteRef removes a resource by raw reference; the orphan scan has no
	// job row to hang a Cancel on.
	DeleteRef(ctx context.Context, ref string) error
}
