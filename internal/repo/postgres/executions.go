package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

func (s *Store) CreatePipeline(ctx context.Context, p domain.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	triggerRaw, err := encodeJSON(p.Trigger)
	if err != nil {
		return err
	}
	paramsRaw, err := encodeJSON(p.Params)
	if err != nil {
		return err
	}
	stepsRaw, err := encodeJSON(p.Steps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, tenant_id, name, trigger, params, failure_policy, timeout_sec, steps, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT DO NOTHING`,
		p.ID, p.TenantID, p.Name, triggerRaw, paramsRaw, p.FailurePolicy, p.TimeoutSec, stepsRaw, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("pipeline %s already exists", p.ID)
	}
	return nil
}

func scanPipeline(row rowScanner) (domain.Pipeline, error) {
	var (
		p          domain.Pipeline
		triggerRaw []byte
		paramsRaw  []byte
		stepsRaw   []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &triggerRaw, &paramsRaw,
		&p.FailurePolicy, &p.TimeoutSec, &stepsRaw, &p.CreatedAt)
	if err != nil {
		return domain.Pipeline{}, err
	}
	if err := decodeJSON(triggerRaw, &p.Trigger); err != nil {
		return domain.Pipeline{}, err
	}
	if err := decodeJSON(paramsRaw, &p.Params); err != nil {
		return domain.Pipeline{}, err
	}
	if err := decodeJSON(stepsRaw, &p.Steps); err != nil {
		return domain.Pipeline{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

const pipelineColumns = `id, tenant_id, name, trigger, params, failure_policy, timeout_sec, steps, created_at`

func (s *Store) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Pipeline{}, repo.ErrNotFound
	}
	return p, err
}

func (s *Store) ListPipelines(ctx context.Context, f repo.PipelineFilter) ([]domain.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE 1=1`
	args := []any{}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if f.Name != "" {
		args = append(args, f.Name)
		query += fmt.Sprintf(" AND name = $%d", len(args))
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Pipeline, 0)
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreateExecution(ctx context.Context, e domain.Execution, steps []domain.StepState) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	paramsRaw, err := encodeJSON(e.Params)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO executions (id, pipeline_id, tenant_id, status, reason, params, deadline, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT DO NOTHING`,
		e.ID, e.PipelineID, e.TenantID, e.Status, e.Reason, paramsRaw,
		nullableTime(e.Deadline), e.StartedAt, nullableTime(e.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("execution %s already exists", e.ID)
	}

	if err := insertStepsTx(ctx, tx, e.ID, steps, 0); err != nil {
		return err
	}
	return tx.Commit()
}

func insertStepsTx(ctx context.Context, tx *sql.Tx, executionID string, steps []domain.StepState, ordBase int64) error {
	for i, step := range steps {
		defRaw, err := encodeJSON(step.Def)
		if err != nil {
			return err
		}
		outputsRaw, err := encodeJSON(step.Outputs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO execution_steps (execution_id, name, ord, def, parent, status, reason, outputs, job_id, await_event, deadline, started_at, ended_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (execution_id, name) DO NOTHING`,
			executionID, step.Name, ordBase+int64(i), defRaw, step.Parent,
			step.Status, step.Reason, outputsRaw, step.JobID, step.AwaitEvent,
			nullableTime(step.Deadline), nullableTime(step.StartedAt), nullableTime(step.EndedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", step.Name, err)
		}
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, tenant_id, status, reason, params, deadline, started_at, ended_at
		 FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, repo.ErrNotFound
	}
	return e, err
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		e         domain.Execution
		paramsRaw []byte
		deadline  sql.NullTime
		endedAt   sql.NullTime
	)
	err := row.Scan(&e.ID, &e.PipelineID, &e.TenantID, &e.Status, &e.Reason,
		&paramsRaw, &deadline, &e.StartedAt, &endedAt)
	if err != nil {
		return domain.Execution{}, err
	}
	if err := decodeJSON(paramsRaw, &e.Params); err != nil {
		return domain.Execution{}, err
	}
	e.Deadline = timePtr(deadline)
	e.EndedAt = timePtr(endedAt)
	e.StartedAt = e.StartedAt.UTC()
	return e, nil
}

func (s *Store) ListExecutions(ctx context.Context, f repo.ExecutionFilter) ([]domain.Execution, error) {
	query := `SELECT id, pipeline_id, tenant_id, status, reason, params, deadline, started_at, ended_at
		 FROM executions WHERE 1=1`
	args := []any{}
	if f.PipelineID != "" {
		args = append(args, f.PipelineID)
		query += fmt.Sprintf(" AND pipeline_id = $%d", len(args))
	}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.NonTerminal {
		query += ` AND status NOT IN ('completed', 'failed', 'cancelled')`
	}
	query += ` ORDER BY started_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) TransitionExecution(ctx context.Context, id string, from, to domain.ExecutionStatus, reason string) (domain.Execution, error) {
	var endedAt sql.NullTime
	if to.Terminal() {
		endedAt = sql.NullTime{Time: s.now(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = $3, reason = $4, ended_at = COALESCE($5, ended_at)
		 WHERE id = $1 AND status = $2`,
		id, from, to, reason, endedAt,
	)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("transition execution: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := s.GetExecution(ctx, id); errors.Is(err, repo.ErrNotFound) {
			return domain.Execution{}, repo.ErrNotFound
		}
		return domain.Execution{}, repo.ErrConflict
	}
	return s.GetExecution(ctx, id)
}

const stepColumns = `execution_id, name, def, parent, status, reason, outputs, job_id, await_event, deadline, started_at, ended_at`

func scanStep(row rowScanner) (domain.StepState, error) {
	var (
		st         domain.StepState
		defRaw     []byte
		outputsRaw []byte
		deadline   sql.NullTime
		startedAt  sql.NullTime
		endedAt    sql.NullTime
	)
	err := row.Scan(&st.ExecutionID, &st.Name, &defRaw, &st.Parent, &st.Status,
		&st.Reason, &outputsRaw, &st.JobID, &st.AwaitEvent, &deadline, &startedAt, &endedAt)
	if err != nil {
		return domain.StepState{}, err
	}
	if err := decodeJSON(defRaw, &st.Def); err != nil {
		return domain.StepState{}, err
	}
	if err := decodeJSON(outputsRaw, &st.Outputs); err != nil {
		return domain.StepState{}, err
	}
	st.Deadline = timePtr(deadline)
	st.StartedAt = timePtr(startedAt)
	st.EndedAt = timePtr(endedAt)
	return st, nil
}

func (s *Store) ListSteps(ctx context.Context, executionID string) ([]domain.StepState, error) {
	if _, err := s.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = $1 ORDER BY ord`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepState, 0)
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetStep(ctx context.Context, executionID, name string) (domain.StepState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = $1 AND name = $2`,
		executionID, name,
	)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StepState{}, repo.ErrNotFound
	}
	return st, err
}

func (s *Store) InsertSteps(ctx context.Context, executionID string, steps []domain.StepState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT TRUE FROM executions WHERE id = $1`, executionID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repo.ErrNotFound
		}
		return err
	}

	var ordBase int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ord), -1) + 1 FROM execution_steps WHERE execution_id = $1`, executionID,
	).Scan(&ordBase); err != nil {
		return err
	}
	if err := insertStepsTx(ctx, tx, executionID, steps, ordBase); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdateStep(ctx context.Context, executionID, name string, from domain.StepStatus, change repo.StepChange) (domain.StepState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = $1 AND name = $2 FOR UPDATE`,
		executionID, name,
	)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StepState{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.StepState{}, err
	}
	if st.Status != from {
		return domain.StepState{}, repo.ErrConflict
	}

	st.Status = change.To
	st.Reason = change.Reason
	if change.Outputs != nil {
		st.Outputs = change.Outputs
	}
	if change.JobID != nil {
		st.JobID = *change.JobID
	}
	if change.AwaitEvent != nil {
		st.AwaitEvent = *change.AwaitEvent
	}
	st.Deadline = change.Deadline

	now := s.now()
	switch {
	case change.To == domain.StepRunning || change.To == domain.StepWaiting:
		if st.StartedAt == nil {
			at := now
			st.StartedAt = &at
		}
	case change.To.Terminal():
		at := now
		st.EndedAt = &at
		st.AwaitEvent = ""
	}

	outputsRaw, err := encodeJSON(st.Outputs)
	if err != nil {
		return domain.StepState{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE execution_steps SET
			status = $3, reason = $4, outputs = $5, job_id = $6,
			await_event = $7, deadline = $8, started_at = $9, ended_at = $10
		 WHERE execution_id = $1 AND name = $2`,
		executionID, name, st.Status, st.Reason, outputsRaw, st.JobID,
		st.AwaitEvent, nullableTime(st.Deadline), nullableTime(st.StartedAt), nullableTime(st.EndedAt),
	); err != nil {
		return domain.StepState{}, fmt.Errorf("update step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.StepState{}, err
	}
	return st, nil
}

func (s *Store) ListStepsAwaitingEvent(ctx context.Context, eventName string) ([]domain.StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps
		 WHERE status = $1 AND await_event = $2
		 ORDER BY execution_id, name`,
		domain.StepWaiting, eventName,
	)
	if err != nil {
		return nil, fmt.Errorf("list waiting steps: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepState, 0)
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ListStepsPastDeadline(ctx context.Context, now time.Time) ([]domain.StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps
		 WHERE status IN ($1, $2) AND deadline IS NOT NULL AND deadline <= $3
		 ORDER BY execution_id, name`,
		domain.StepRunning, domain.StepWaiting, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list overdue steps: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepState, 0)
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
