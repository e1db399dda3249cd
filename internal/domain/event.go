package domain

import (
	"errors"
	"strings"
	"time"
)

// EventKind names an immutable lifecycle fact.
type EventKind string

const (
	EventJobRunning         EventKind = "job_running"
	EventJobCompleted       EventKind = "job_completed"
	EventJobFailed          EventKind = "job_failed"
	EventJobCancelled       EventKind = "job_cancelled"
	EventJobPreempted       EventKind = "job_preempted"
	EventStepCompleted      EventKind = "step_completed"
	EventStepFailed         EventKind = "step_failed"
	EventExecutionCompleted EventKind = "execution_completed"
	EventExecutionFailed    EventKind = "execution_failed"
	EventExecutionCancelled EventKind = "execution_cancelled"
	EventSubstrateReport    EventKind = "substrate_report"
	EventExternalSignal     EventKind = "external_signal"
)

// Event is an append-only fact delivered at least once. Ordering is
// guaranteed only within a correlation id, by Seq.
type Event struct {
	ID            string
	Kind          EventKind
	CorrelationID string
	Seq           int64
	Payload       Metadata
	OccurredAt    time.Time
}

func (e Event) Validate() error {
	if strings.TrimSpace(string(e.Kind)) == "" {
		return errors.New("event kind is required")
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return errors.New("correlation id is required")
	}
	return nil
}
