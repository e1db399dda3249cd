package domain

import (
	"errors"
	"strings"
	"time"
)

// ExecutionStatus is the state of one pipeline execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the state of one step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepWaiting   StepStatus = "waiting"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// Execution is one run of a pipeline. All executor progress is derived from
// the Execution row plus its StepState rows, so a restarted process resumes
// from storage alone.
type Execution struct {
	ID         string
	PipelineID string
	TenantID   string
	Status     ExecutionStatus
	Reason     string
	Params     Metadata
	Deadline   *time.Time // pipeline-level budget
	StartedAt  time.Time
	EndedAt    *time.Time
}

func (e Execution) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("execution id is required")
	}
	if strings.TrimSpace(e.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	return nil
}

// StepState is the persisted state of a step instance. Def snapshots the
// definition at materialization time; dynamically expanded children carry
// their generated definition here, so resumption never needs the pipeline
// row again.
type StepState struct {
	ExecutionID string
	Name        string
	Def         Step
	Parent      string // set on loop/parallel children
	Status      StepStatus
	Reason      string
	Outputs     Metadata
	JobID       string     // set only for job-kind steps once a Job exists
	AwaitEvent  string     // set while a wait step awaits an external event
	Deadline    *time.Time // step-level timeout, absolute
	StartedAt   *time.Time
	EndedAt     *time.Time
}
