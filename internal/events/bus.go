// Package events is the durable at-least-once event channel. Publish appends
// to the outbox; a dispatcher goroutine delivers undelivered events to
// subscribed handlers in sequence order per correlation id and marks
// delivery only after every handler succeeds. A crash between delivery and
// the mark redelivers, so handlers must be idempotent.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

type Handler func(ctx context.Context, e domain.Event) error

type Bus struct {
	logger   *slog.Logger
	outbox   repo.EventOutbox
	interval time.Duration
	batch    int
	nudge    chan struct{}

	mu     sync.RWMutex
	byKind map[domain.EventKind][]Handler
	all    []Handler
}

func NewBus(logger *slog.Logger, outbox repo.EventOutbox, interval time.Duration) *Bus {
	if interval <= 0 {
		interval = time.Second
	}
	return &Bus{
		logger:   logger,
		outbox:   outbox,
		interval: interval,
		batch:    200,
		nudge:    make(chan struct{}, 1),
		byKind:   map[domain.EventKind][]Handler{},
	}
}

// Subscribe registers a handler for one event kind. Registration is expected
// during wiring, before Run; it is still safe afterwards.
func (b *Bus) Subscribe(kind domain.EventKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind[kind] = append(b.byKind[kind], h)
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish appends durably and nudges the dispatcher. The event is delivered
// even if the nudge is dropped; the ticker catches up.
func (b *Bus) Publish(ctx context.Context, e domain.Event) error {
	if _, err := b.outbox.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	select {
	case b.nudge <- struct{}{}:
	default:
	}
	return nil
}

// Redeliver re-marks a correlation's events for dispatch. Operators use it
// to replay history into idempotent consumers.
func (b *Bus) Redeliver(ctx context.Context, correlationID string) (int, error) {
	n, err := b.outbox.RequeueCorrelation(ctx, correlationID)
	if err != nil {
		return 0, err
	}
	select {
	case b.nudge <- struct{}{}:
	default:
	}
	return n, nil
}

// Run drives delivery until the context ends.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.nudge:
		case <-ticker.C:
		}
		b.DispatchOnce(ctx)
	}
}

// DispatchOnce delivers one batch of undelivered events. When a handler
// fails, the rest of that correlation is held back to preserve per-
// correlation ordering; other correlations keep flowing.
func (b *Bus) DispatchOnce(ctx context.Context) {
	pending, err := b.outbox.ListUndelivered(ctx, b.batch)
	if err != nil {
		b.log("list undelivered failed", "error", err)
		return
	}

	stalled := map[string]bool{}
	for _, event := range pending {
		if ctx.Err() != nil {
			return
		}
		if stalled[event.CorrelationID] {
			continue
		}
		if err := b.deliver(ctx, event); err != nil {
			b.log("delivery failed", "event_id", event.ID, "kind", event.Kind, "correlation_id", event.CorrelationID, "error", err)
			stalled[event.CorrelationID] = true
			continue
		}
		if err := b.outbox.MarkDelivered(ctx, event.ID); err != nil {
			b.log("mark delivered failed", "event_id", event.ID, "error", err)
			stalled[event.CorrelationID] = true
		}
	}
}

func (b *Bus) deliver(ctx context.Context, e domain.Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byKind[e.Kind])+len(b.all))
	handlers = append(handlers, b.byKind[e.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) log(msg string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Warn(msg, args...)
}
