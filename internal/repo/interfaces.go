package repo

import (
	"context"
	"errors"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/quota"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic state guard fails. Callers
	// should reread and retry the operation.
	ErrConflict = errors.New("state conflict")
)

type JobFilter struct {
	TenantID    string
	Queue       string
	Status      domain.JobStatus
	NonTerminal bool
	HasRef      bool // only jobs with a substrate reference
	Limit       int
}

// JobChange describes one state-machine transition. Stores apply it only if
// the job is still in the expected prior state, stamp the status timestamp
// (scheduled/started/completed), and append a history row, all in one atomic
// step. ReleaseQuota additionally decrements the job's cluster queue usage
// inside the same transaction.
type JobChange struct {
	To           domain.JobStatus
	Reason       string
	RetryCount   *int
	NotBefore    *time.Time
	SubstrateRef *string
	Outputs      domain.Metadata
	ReleaseQuota bool
}

// JobRepository manages durable job state. CreateJob is idempotent per
// (tenant, idempotency key): it returns the existing job and created=false
// when the key was seen before.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.Job) (domain.Job, bool, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error)
	TransitionJob(ctx context.Context, id string, from domain.JobStatus, change JobChange) (domain.Job, error)
	UpdateJobMeta(ctx context.Context, id string, priority *int, labels map[string]string) (domain.Job, error)
	// SetSubstrateRef records the substrate handle as soon as a submission
	// succeeds, without a status transition, so a crash between submit and
	// the first report leaves a discoverable reference.
	SetSubstrateRef(ctx context.Context, id, ref string) error
	JobHistory(ctx context.Context, id string) ([]domain.JobTransition, error)
}

// AdmissionRepository reserves quota and schedules a queued job as one
// atomic operation. A denial leaves the job queued and reserves nothing.
type AdmissionRepository interface {
	AdmitJob(ctx context.Context, id string) (quota.Decision, domain.Job, error)
}

type QueueRepository interface {
	CreateClusterQueue(ctx context.Context, q domain.ClusterQueue) error
	CreateLocalQueue(ctx context.Context, q domain.LocalQueue) error
	GetClusterQueue(ctx context.Context, name string) (domain.ClusterQueue, error)
	GetLocalQueue(ctx context.Context, name string) (domain.LocalQueue, error)
	ListClusterQueues(ctx context.Context) ([]domain.ClusterQueue, error)
	QueueUsage(ctx context.Context, clusterQueue string) (domain.ResourceList, error)
}

type PipelineFilter struct {
	TenantID string
	Name     string
	Limit    int
}

type PipelineRepository interface {
	CreatePipeline(ctx context.Context, p domain.Pipeline) error
	GetPipeline(ctx context.Context, id string) (domain.Pipeline, error)
	ListPipelines(ctx context.Context, f PipelineFilter) ([]domain.Pipeline, error)
}

type ExecutionFilter struct {
	PipelineID  string
	TenantID    string
	Status      domain.ExecutionStatus
	NonTerminal bool
	Limit       int
}

// StepChange mirrors JobChange for step instances. Stores stamp started/ended
// timestamps from the target status.
type StepChange struct {
	To         domain.StepStatus
	Reason     string
	Outputs    domain.Metadata
	JobID      *string
	AwaitEvent *string
	Deadline   *time.Time
}

type ExecutionRepository interface {
	CreateExecution(ctx context.Context, e domain.Execution, steps []domain.StepState) error
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]domain.Execution, error)
	TransitionExecution(ctx context.Context, id string, from, to domain.ExecutionStatus, reason string) (domain.Execution, error)

	ListSteps(ctx context.Context, executionID string) ([]domain.StepState, error)
	GetStep(ctx context.Context, executionID, name string) (domain.StepState, error)
	InsertSteps(ctx context.Context, executionID string, steps []domain.StepState) error
	UpdateStep(ctx context.Context, executionID, name string, from domain.StepStatus, change StepChange) (domain.StepState, error)
	ListStepsAwaitingEvent(ctx context.Context, eventName string) ([]domain.StepState, error)
	ListStepsPastDeadline(ctx context.Context, now time.Time) ([]domain.StepState, error)
}

// EventOutbox is the durable at-least-once event channel. AppendEvent
// assigns the next sequence number within the correlation id.
type EventOutbox interface {
	AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error)
	ListUndelivered(ctx context.Context, limit int) ([]domain.Event, error)
	MarkDelivered(ctx context.Context, id string) error
	RequeueCorrelation(ctx context.Context, correlationID string) (int, error)
	ListEvents(ctx context.Context, correlationID string) ([]domain.Event, error)
}
