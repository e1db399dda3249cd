package quota

import (
	"testing"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

func snapshot(queues []domain.ClusterQueue, usage map[string]domain.ResourceList) Snapshot {
	byName := make(map[string]domain.ClusterQueue, len(queues))
	for _, q := range queues {
		byName[q.Name] = q
	}
	if usage == nil {
		usage = map[string]domain.ResourceList{}
	}
	return Snapshot{Queues: byName, Usage: usage}
}

func TestDecide_FitsNominal(t *testing.T) {
	s := snapshot([]domain.ClusterQueue{
		{Name: "team-a", Nominal: domain.ResourceList{"accelerator": 5}},
	}, nil)

	d := Decide(s, "team-a", domain.ResourceList{"accelerator": 2})
	if d.Outcome != OutcomeAdmitted {
		t.Fatalf("expected admitted, got %s (%s)", d.Outcome, d.Reason)
	}
}

func TestDecide_InsufficientQuota(t *testing.T) {
	s := snapshot([]domain.ClusterQueue{
		{Name: "team-a", Nominal: domain.ResourceList{"accelerator": 5}},
	}, map[string]domain.ResourceList{
		"team-a": {"accelerator": 3},
	})

	d := Decide(s, "team-a", domain.ResourceList{"accelerator": 4})
	if d.Outcome != OutcomeDenied {
		t.Fatalf("expected denied, got %s", d.Outcome)
	}
	if d.Reason != ReasonInsufficientQuota {
		t.Fatalf("reason=%q, want %q", d.Reason, ReasonInsufficientQuota)
	}
}

func TestDecide_BorrowsFromIdleCohort(t *testing.T) {
	s := snapshot([]domain.ClusterQueue{
		{Name: "team-a", Cohort: "shared", Nominal: domain.ResourceList{"accelerator": 4}, BorrowingLimit: domain.ResourceList{"accelerator": 4}},
		{Name: "team-b", Cohort: "shared", Nominal: domain.ResourceList{"accelerator": 4}},
	}, map[string]domain.ResourceList{
		"team-a": {"accelerator": 4},
	})

	d := Decide(s, "team-a", domain.ResourceList{"accelerator": 3})
	if d.Outcome != OutcomeAdmitted {
		t.Fatalf("expected borrow admitted, got %s (%s)", d.Outcome, d.Reason)
	}
}

func TestDecide_BorrowBoundedByBorrowingLimit(t *testing.T) {
	s := snapshot([]domain.ClusterQueue{
		{Name: "team-a", Cohort: "shared", Nominal: domain.ResourceList{"accelerator": 4}, BorrowingLimit: domain.ResourceList{"accelerator": 2}},
		{Name: "team-b", Cohort: "shared", Nominal: domain.ResourceList{"accelerator": 8}},
	}, map[string]domain.ResourceList{
		"team-a": {"accelerator": 4},
	})

	// Cohort has 8 idle units but team-a may only borrow 2.
	d := Decide(s, "team-a", domain.ResourceList{"accelerator": 3})
	if d.Outcome != OutcomeDenied {
		t.Fatalf("expected denied past borrowing limit, got %s", d.Outcome)
	}
}

func TestDecide_BorrowDeniedWhenDonorBusy(t *testing.T) {
	s := snapshot([]domain.ClusterQueue{
		{Name: "team-a", Cohort: "shared", Nominal: domain.ResourceList{"accelerator": 4}, BorrowingLimit: domain.ResourceList{"accelerator": 4}},
		{Name: "team-b", Cohort: "shared", Nominal: domain.ResourceList{"accelerator": 4}},
	}, map[string]domain.ResourceList{
		"team-a": {"accelerator": 4},
		"team-b": {"accelerator": 3},
	})

	// Only one idle unit remains cohort-wide.
	d := Decide(s, "team-a", domain.ResourceList{"accelerator": 2})
	if d.Outcome != OutcomeDenied {
		t.Fatalf("expected denied when donors lack idle capacity, got %s", d.Outcome)
	}

	d = Decide(s, "team-a", domain.ResourceList{"accelerator": 1})
	if d.Outcome != OutcomeAdmitted {
		t.Fatalf("expected last idle unit admitted, got %s (%s)", d.Outcome, d.Reason)
	}
}

func TestDecide_NoBorrowingWithoutLimit(t *testing.T) {
	s := snapshot([]domain.ClusterQueue{
		{Name: "team-a", Cohort: "shared", Nominal: domain.ResourceList{"accelerator": 4}},
		{Name: "team-b", Cohort: "shared", Nominal: domain.ResourceList{"accelerator": 4}},
	}, map[string]domain.ResourceList{
		"team-a": {"accelerator": 4},
	})

	d := Decide(s, "team-a", domain.ResourceList{"accelerator": 1})
	if d.Outcome != OutcomeDenied {
		t.Fatalf("expected denied without borrowing limit, got %s", d.Outcome)
	}
}

func TestDecide_UnknownQueue(t *testing.T) {
	s := snapshot(nil, nil)
	d := Decide(s, "ghost", domain.ResourceList{"cpu": 1})
	if d.Outcome != OutcomeDenied {
		t.Fatalf("expected denied for unknown queue, got %s", d.Outcome)
	}
}

func TestDecide_UnconstrainedResource(t *testing.T) {
	s := snapshot([]domain.ClusterQueue{
		{Name: "team-a", Nominal: domain.ResourceList{"accelerator": 1}},
	}, nil)

	// cpu has no nominal entry on the queue, so it is not constrained.
	d := Decide(s, "team-a", domain.ResourceList{"cpu": 64000})
	if d.Outcome != OutcomeAdmitted {
		t.Fatalf("expected unconstrained resource admitted, got %s", d.Outcome)
	}
}
