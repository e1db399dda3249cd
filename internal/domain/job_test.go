package domain

import (
	"testing"
	"time"
)

func TestCanTransitionJob(t *testing.T) {
	allowed := []struct{ from, to JobStatus }{
		{JobStatusPending, JobStatusQueued},
		{JobStatusQueued, JobStatusScheduled},
		{JobStatusScheduled, JobStatusRunning},
		{JobStatusRunning, JobStatusCompleted},
		{JobStatusRunning, JobStatusFailed},
		{JobStatusRunning, JobStatusPreempted},
		{JobStatusRunning, JobStatusQueued},
		{JobStatusPreempted, JobStatusQueued},
		{JobStatusQueued, JobStatusCancelled},
	}
	for _, tc := range allowed {
		if !CanTransitionJob(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to JobStatus }{
		{JobStatusCompleted, JobStatusRunning},
		{JobStatusFailed, JobStatusQueued},
		{JobStatusCancelled, JobStatusQueued},
		{JobStatusPending, JobStatusRunning},
		{JobStatusQueued, JobStatusRunning},
	}
	for _, tc := range denied {
		if CanTransitionJob(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s denied", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("expected %s terminal", s)
		}
		if len(jobTransitions[s]) != 0 {
			t.Fatalf("terminal status %s must have no outgoing edges", s)
		}
	}
	if JobStatusPreempted.Terminal() {
		t.Fatalf("preempted must not be terminal")
	}
}

func TestRetryBackoff(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{20, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := RetryBackoff(tc.retries); got != tc.want {
			t.Fatalf("RetryBackoff(%d)=%v, want %v", tc.retries, got, tc.want)
		}
	}
}

func TestJobValidate(t *testing.T) {
	job := Job{
		ID:        "job-1",
		TenantID:  "tenant-1",
		Queue:     "team-a",
		Kind:      JobKindBatch,
		Resources: ResourceList{"accelerator": 2},
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	zero := job
	zero.Resources = ResourceList{"accelerator": 0}
	if err := zero.Validate(); err == nil {
		t.Fatalf("expected zero resource request rejected")
	}

	noQueue := job
	noQueue.Queue = ""
	if err := noQueue.Validate(); err == nil {
		t.Fatalf("expected missing queue rejected")
	}
}
