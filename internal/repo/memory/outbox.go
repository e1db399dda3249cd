package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

func (s *Store) AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	s.seqByCorr[e.CorrelationID]++
	e.Seq = s.seqByCorr[e.CorrelationID]
	if err := e.Validate(); err != nil {
		s.seqByCorr[e.CorrelationID]--
		return domain.Event{}, err
	}
	s.events = append(s.events, &outboxEvent{event: e})
	return e, nil
}

func (s *Store) ListUndelivered(ctx context.Context, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, 0)
	for _, oe := range s.events {
		if oe.delivered {
			continue
		}
		out = append(out, oe.event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, oe := range s.events {
		if oe.event.ID == id {
			oe.delivered = true
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *Store) RequeueCorrelation(ctx context.Context, correlationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, oe := range s.events {
		if oe.event.CorrelationID == correlationID && oe.delivered {
			oe.delivered = false
			n++
		}
	}
	return n, nil
}

func (s *Store) ListEvents(ctx context.Context, correlationID string) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, 0)
	for _, oe := range s.events {
		if oe.event.CorrelationID == correlationID {
			out = append(out, oe.event)
		}
	}
	return out, nil
}
