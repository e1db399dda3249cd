package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

// AppendEvent assigns the next sequence number for the correlation id and
// inserts the event, both in one transaction. Callers that publish from a
// state transition should hold no competing locks; the seq row serializes
// concurrent appenders per correlation.
func (s *Store) AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	if err := e.Validate(); err != nil {
		return domain.Event{}, err
	}
	payloadRaw, err := encodeJSON(e.Payload)
	if err != nil {
		return domain.Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO event_seqs (correlation_id, seq) VALUES ($1, 1)
		 ON CONFLICT (correlation_id) DO UPDATE SET seq = event_seqs.seq + 1
		 RETURNING seq`,
		e.CorrelationID,
	).Scan(&e.Seq); err != nil {
		return domain.Event{}, fmt.Errorf("next event seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, kind, correlation_id, seq, payload, occurred_at, delivered, appended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		e.ID, e.Kind, e.CorrelationID, e.Seq, payloadRaw, e.OccurredAt, s.now(),
	); err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var (
		e          domain.Event
		payloadRaw []byte
	)
	if err := row.Scan(&e.ID, &e.Kind, &e.CorrelationID, &e.Seq, &payloadRaw, &e.OccurredAt); err != nil {
		return domain.Event{}, err
	}
	if err := decodeJSON(payloadRaw, &e.Payload); err != nil {
		return domain.Event{}, err
	}
	e.OccurredAt = e.OccurredAt.UTC()
	return e, nil
}

func (s *Store) ListUndelivered(ctx context.Context, limit int) ([]domain.Event, error) {
	query := `SELECT id, kind, correlation_id, seq, payload, occurred_at
		 FROM events WHERE NOT delivered ORDER BY appended_at, id`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $1`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET delivered = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) RequeueCorrelation(ctx context.Context, correlationID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET delivered = FALSE WHERE correlation_id = $1 AND delivered`,
		correlationID,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue correlation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) ListEvents(ctx context.Context, correlationID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, correlation_id, seq, payload, occurred_at
		 FROM events WHERE correlation_id = $1 ORDER BY seq`,
		correlationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
