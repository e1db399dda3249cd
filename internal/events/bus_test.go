package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo/memory"
)

func TestDispatchOnce_OrderedPerCorrelation(t *testing.T) {
	store := memory.NewStore()
	bus := NewBus(nil, store, time.Second)
	ctx := context.Background()

	var got []string
	bus.Subscribe(domain.EventJobRunning, func(ctx context.Context, e domain.Event) error {
		got = append(got, e.CorrelationID+"/running")
		return nil
	})
	bus.Subscribe(domain.EventJobCompleted, func(ctx context.Context, e domain.Event) error {
		got = append(got, e.CorrelationID+"/completed")
		return nil
	})

	if err := bus.Publish(ctx, domain.Event{Kind: domain.EventJobRunning, CorrelationID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, domain.Event{Kind: domain.EventJobCompleted, CorrelationID: "job-1"}); err != nil {
		t.Fatal(err)
	}

	bus.DispatchOnce(ctx)

	want := []string{"job-1/running", "job-1/completed"}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}

	// A second pass must not redeliver.
	bus.DispatchOnce(ctx)
	if len(got) != 2 {
		t.Fatalf("expected no redelivery, got %d deliveries", len(got))
	}
}

func TestDispatchOnce_FailureStallsOnlyItsCorrelation(t *testing.T) {
	store := memory.NewStore()
	bus := NewBus(nil, store, time.Second)
	ctx := context.Background()

	var delivered []string
	fail := true
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) error {
		if e.CorrelationID == "job-1" && fail {
			return errors.New("handler down")
		}
		delivered = append(delivered, e.CorrelationID)
		return nil
	})

	for _, corr := range []string{"job-1", "job-1", "job-2"} {
		if err := bus.Publish(ctx, domain.Event{Kind: domain.EventJobRunning, CorrelationID: corr}); err != nil {
			t.Fatal(err)
		}
	}

	bus.DispatchOnce(ctx)
	if len(delivered) != 1 || delivered[0] != "job-2" {
		t.Fatalf("expected only job-2 delivered, got %v", delivered)
	}

	// Once the handler recovers, the stalled correlation drains in order.
	fail = false
	bus.DispatchOnce(ctx)
	if len(delivered) != 3 {
		t.Fatalf("expected stalled events delivered on retry, got %v", delivered)
	}
}

func TestRedeliver_ReplaysCorrelation(t *testing.T) {
	store := memory.NewStore()
	bus := NewBus(nil, store, time.Second)
	ctx := context.Background()

	count := 0
	bus.Subscribe(domain.EventJobCompleted, func(ctx context.Context, e domain.Event) error {
		count++
		return nil
	})

	if err := bus.Publish(ctx, domain.Event{Kind: domain.EventJobCompleted, CorrelationID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	bus.DispatchOnce(ctx)
	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}

	n, err := bus.Redeliver(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event requeued, got %d", n)
	}
	bus.DispatchOnce(ctx)
	if count != 2 {
		t.Fatalf("expected replay delivery, got %d", count)
	}
}
