package substrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

// Fake is an in-process adapter. Tests drive it by setting phases; the
// standalone deployment mode uses it with auto-succeed enabled so pipelines
// run end to end without a cluster.
type Fake struct {
	mu          sync.Mutex
	workloads   map[string]*fakeWorkload // ref -> workload
	refByJob    map[string]string
	autoSucceed bool

	SubmitErr  error
	InspectErr error
}

type fakeWorkload struct {
	jobID  string
	report Report
}

func NewFake() *Fake {
	return &Fake{
		workloads: map[string]*fakeWorkload{},
		refByJob:  map[string]string{},
	}
}

// NewAutoFake reports every submitted workload as running on first inspect
// and succeeded on the next.
func NewAutoFake() *Fake {
	f := NewFake()
	f.autoSucceed = true
	return f
}

func (f *Fake) Submit(ctx context.Context, job domain.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	if ref, ok := f.refByJob[job.ID]; ok {
		return ref, nil
	}
	ref := "fake/" + job.ID
	f.workloads[ref] = &fakeWorkload{
		jobID:  job.ID,
		report: Report{JobID: job.ID, Ref: ref, Phase: PhasePending},
	}
	f.refByJob[job.ID] = ref
	return ref, nil
}

func (f *Fake) Inspect(ctx context.Context, job domain.Job) (Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InspectErr != nil {
		return Report{}, f.InspectErr
	}
	w, ok := f.workloads[job.SubstrateRef]
	if !ok {
		return Report{
			JobID:      job.ID,
			Ref:        job.SubstrateRef,
			Phase:      PhaseMissing,
			Reason:     "substrate resource missing",
			ObservedAt: time.Now().UTC(),
		}, nil
	}
	if f.autoSucceed {
		switch w.report.Phase {
		case PhasePending:
			w.report.Phase = PhaseRunning
		case PhaseRunning:
			w.report.Phase = PhaseSucceeded
		}
	}
	report := w.report
	report.ObservedAt = time.Now().UTC()
	return report, nil
}

func (f *Fake) Cancel(ctx context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workloads, job.SubstrateRef)
	delete(f.refByJob, job.ID)
	return nil
}

func (f *Fake) ListOwned(ctx context.Context) ([]OwnedResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OwnedResource, 0, len(f.workloads))
	for ref, w := range f.workloads {
		out = append(out, OwnedResource{Ref: ref, JobID: w.jobID})
	}
	return out, nil
}

func (f *Fake) DeleteRef(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workloads[ref]; ok {
		delete(f.refByJob, w.jobID)
	}
	delete(f.workloads, ref)
	return nil
}

// SetPhase lets tests steer a workload's observed state.
func (f *Fake) SetPhase(jobID string, phase Phase, reason string, transient bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refByJob[jobID]
	if !ok {
		return fmt.Errorf("no workload for job %s", jobID)
	}
	w := f.workloads[ref]
	w.report.Phase = phase
	w.report.Reason = reason
	w.report.Transient = transient
	return nil
}

// Plant registers a workload without a Submit call, for orphan-scan tests.
func (f *Fake) Plant(ref, jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workloads[ref] = &fakeWorkload{
		jobID:  jobID,
		report: Report{JobID: jobID, Ref: ref, Phase: PhaseRunning},
	}
	if jobID != "" {
		f.refByJob[jobID] = ref
	}
}
