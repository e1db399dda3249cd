package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobKind classifies the workload a Job represents.
type JobKind string

const (
	JobKindService  JobKind = "service"
	JobKindBatch    JobKind = "batch"
	JobKindTraining JobKind = "training"
)

func ParseJobKind(value string) (JobKind, error) {
	switch JobKind(strings.ToLower(strings.TrimSpace(value))) {
	case JobKindService:
		return JobKindService, nil
	case JobKindBatch:
		return JobKindBatch, nil
	case JobKindTraining:
		return JobKindTraining, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", value)
	}
}

// JobStatus is the durable state-machine state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusPreempted JobStatus = "preempted"
)

// Terminal reports whether the status is immutable.
// PREEMPTED is not terminal: a preempted job requeues while retries remain.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusQueued, JobStatusCancelled, JobStatusFailed},
	JobStatusQueued:    {JobStatusScheduled, JobStatusCancelled, JobStatusFailed},
	JobStatusScheduled: {JobStatusRunning, JobStatusCancelled, JobStatusFailed, JobStatusPreempted, JobStatusQueued},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusPreempted, JobStatusQueued},
	JobStatusPreempted: {JobStatusQueued, JobStatusFailed, JobStatusCancelled},
}

// CanTransitionJob reports whether from -> to is a legal edge of the Job
// state machine. Terminal states have no outgoing edges.
func CanTransitionJob(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobSource records which pipeline step created a Job, if any.
type JobSource struct {
	ExecutionID string `json:"execution_id,omitempty"`
	StepName    string `json:"step_name,omitempty"`
}

func (s JobSource) IsZero() bool {
	return s.ExecutionID == "" && s.StepName == ""
}

// Job is the atomic schedulable unit of resource-consuming work.
type Job struct {
	ID             string
	TenantID       string
	Queue          string // local queue name
	ClusterQueue   string // resolved at admission
	Kind           JobKind
	Resources      ResourceList
	PriorityClass  int
	Preemptible    bool
	Status         JobStatus
	Reason         string
	RetryCount     int
	MaxRetries     int
	MaxDurationSec int64
	IdempotencyKey string
	Source         JobSource
	SubstrateRef   string
	NotBefore      *time.Time // backoff gate after a requeue
	Labels         map[string]string
	Image          string
	Command        []string
	Env            map[string]string
	Outputs        Metadata
	CreatedAt      time.Time
	ScheduledAt    *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(j.Queue) == "" {
		return errors.New("queue is required")
	}
	if _, err := ParseJobKind(string(j.Kind)); err != nil {
		return err
	}
	if len(j.Resources) == 0 {
		return errors.New("resource request is required")
	}
	for name, qty := range j.Resources {
		if strings.TrimSpace(name) == "" {
			return errors.New("resource name is required")
		}
		if qty < 0 {
			return fmt.Errorf("resource %q quantity must be >= 0", name)
		}
	}
	if j.Resources.IsZero() {
		return errors.New("resource request must be non-zero")
	}
	if j.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if j.MaxDurationSec < 0 {
		return errors.New("max duration must be >= 0")
	}
	return nil
}

// RetryBackoff returns the delay before the next admission attempt after
// the given number of completed attempts. Exponential, capped at 5 minutes.
func RetryBackoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	const maxDelay = 5 * time.Minute
	d := time.Second
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// JobTransition is one applied state-machine transition, kept as history.
type JobTransition struct {
	JobID      string
	Seq        int64
	From       JobStatus
	To         JobStatus
	Reason     string
	RetryCount int
	At         time.Time
}
