package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

const jobColumns = `id, tenant_id, queue, cluster_queue, kind, resources,
	priority_class, preemptible, status, reason, retry_count, max_retries,
	max_duration_sec, idempotency_key, source_execution_id, source_step_name,
	substrate_ref, not_before, labels, image, command, env, outputs,
	created_at, scheduled_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job          domain.Job
		resourcesRaw []byte
		labelsRaw    []byte
		commandRaw   []byte
		envRaw       []byte
		outputsRaw   []byte
		notBefore    sql.NullTime
		scheduledAt  sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.Queue,
		&job.ClusterQueue,
		&job.Kind,
		&resourcesRaw,
		&job.PriorityClass,
		&job.Preemptible,
		&job.Status,
		&job.Reason,
		&job.RetryCount,
		&job.MaxRetries,
		&job.MaxDurationSec,
		&job.IdempotencyKey,
		&job.Source.ExecutionID,
		&job.Source.StepName,
		&job.SubstrateRef,
		&notBefore,
		&labelsRaw,
		&job.Image,
		&commandRaw,
		&envRaw,
		&outputsRaw,
		&job.CreatedAt,
		&scheduledAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	if err := decodeJSON(resourcesRaw, &job.Resources); err != nil {
		return domain.Job{}, err
	}
	if err := decodeJSON(labelsRaw, &job.Labels); err != nil {
		return domain.Job{}, err
	}
	if err := decodeJSON(commandRaw, &job.Command); err != nil {
		return domain.Job{}, err
	}
	if err := decodeJSON(envRaw, &job.Env); err != nil {
		return domain.Job{}, err
	}
	if err := decodeJSON(outputsRaw, &job.Outputs); err != nil {
		return domain.Job{}, err
	}
	job.NotBefore = timePtr(notBefore)
	job.ScheduledAt = timePtr(scheduledAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	return job, nil
}

func (s *Store) CreateJob(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	if err := job.Validate(); err != nil {
		return domain.Job{}, false, err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	resourcesRaw, err := encodeJSON(job.Resources)
	if err != nil {
		return domain.Job{}, false, err
	}
	labelsRaw, err := encodeJSON(job.Labels)
	if err != nil {
		return domain.Job{}, false, err
	}
	commandRaw, err := encodeJSON(job.Command)
	if err != nil {
		return domain.Job{}, false, err
	}
	envRaw, err := encodeJSON(job.Env)
	if err != nil {
		return domain.Job{}, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, tenant_id, queue, cluster_queue, kind, resources,
			priority_class, preemptible, status, reason, retry_count,
			max_retries, max_duration_sec, idempotency_key,
			source_execution_id, source_step_name, substrate_ref, not_before,
			labels, image, command, env, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23
		) ON CONFLICT DO NOTHING`,
		job.ID,
		job.TenantID,
		job.Queue,
		job.ClusterQueue,
		job.Kind,
		resourcesRaw,
		job.PriorityClass,
		job.Preemptible,
		job.Status,
		job.Reason,
		job.RetryCount,
		job.MaxRetries,
		job.MaxDurationSec,
		strings.TrimSpace(job.IdempotencyKey),
		job.Source.ExecutionID,
		job.Source.StepName,
		job.SubstrateRef,
		nullableTime(job.NotBefore),
		labelsRaw,
		job.Image,
		commandRaw,
		envRaw,
		job.CreatedAt,
	)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return job, true, nil
	}

	// The insert was a no-op: either the idempotency key was seen before,
	// in which case the caller gets the original job, or the id collided.
	if strings.TrimSpace(job.IdempotencyKey) != "" {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2`,
			job.TenantID, strings.TrimSpace(job.IdempotencyKey),
		)
		existing, err := scanJob(row)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, err
		}
	}
	return domain.Job{}, false, fmt.Errorf("job %s already exists", job.ID)
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, repo.ErrNotFound
	}
	return job, err
}

func (s *Store) ListJobs(ctx context.Context, f repo.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if f.Queue != "" {
		args = append(args, f.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.NonTerminal {
		query += ` AND status NOT IN ('completed', 'failed', 'cancelled')`
	}
	if f.HasRef {
		query += ` AND substrate_ref <> ''`
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) TransitionJob(ctx context.Context, id string, from domain.JobStatus, change repo.JobChange) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	job, err := s.transitionJobTx(ctx, tx, id, from, change)
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *Store) transitionJobTx(ctx context.Context, tx *sql.Tx, id string, from domain.JobStatus, change repo.JobChange) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != from {
		return domain.Job{}, repo.ErrConflict
	}
	if !domain.CanTransitionJob(from, change.To) {
		return domain.Job{}, fmt.Errorf("illegal job transition %s -> %s", from, change.To)
	}

	now := s.now()
	job.Status = change.To
	job.Reason = change.Reason
	if change.RetryCount != nil {
		job.RetryCount = *change.RetryCount
	}
	job.NotBefore = change.NotBefore
	if change.SubstrateRef != nil {
		job.SubstrateRef = *change.SubstrateRef
	}
	if change.Outputs != nil {
		job.Outputs = change.Outputs
	}

	switch change.To {
	case domain.JobStatusQueued:
		job.ScheduledAt = nil
		job.StartedAt = nil
	case domain.JobStatusScheduled:
		at := now
		job.ScheduledAt = &at
	case domain.JobStatusRunning:
		at := now
		job.StartedAt = &at
	case domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled:
		at := now
		job.CompletedAt = &at
	}

	outputsRaw, err := encodeJSON(job.Outputs)
	if err != nil {
		return domain.Job{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET
			status = $2, reason = $3, retry_count = $4, not_before = $5,
			substrate_ref = $6, outputs = $7, scheduled_at = $8,
			started_at = $9, completed_at = $10
		 WHERE id = $1`,
		job.ID,
		job.Status,
		job.Reason,
		job.RetryCount,
		nullableTime(job.NotBefore),
		job.SubstrateRef,
		outputsRaw,
		nullableTime(job.ScheduledAt),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}

	if change.ReleaseQuota && strings.TrimSpace(job.ClusterQueue) != "" {
		if err := adjustUsageTx(ctx, tx, job.ClusterQueue, job.Resources, false); err != nil {
			return domain.Job{}, err
		}
	}

	if err := insertTransitionTx(ctx, tx, job, from, change.To, change.Reason, now); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func insertTransitionTx(ctx context.Context, tx *sql.Tx, job domain.Job, from, to domain.JobStatus, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_transitions (job_id, seq, from_status, to_status, reason, retry_count, at)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
		 FROM job_transitions WHERE job_id = $1`,
		job.ID, from, to, reason, job.RetryCount, at,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *Store) UpdateJobMeta(ctx context.Context, id string, priority *int, labels map[string]string) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return domain.Job{}, repo.ErrConflict
	}
	if priority != nil {
		job.PriorityClass = *priority
	}
	if labels != nil {
		job.Labels = labels
	}
	labelsRaw, err := encodeJSON(job.Labels)
	if err != nil {
		return domain.Job{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET priority_class = $2, labels = $3 WHERE id = $1`,
		job.ID, job.PriorityClass, labelsRaw,
	); err != nil {
		return domain.Job{}, fmt.Errorf("update job meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *Store) SetSubstrateRef(ctx context.Context, id, ref string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET substrate_ref = $2 WHERE id = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("set substrate ref: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) JobHistory(ctx context.Context, id string) ([]domain.JobTransition, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT TRUE FROM jobs WHERE id = $1`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repo.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, seq, from_status, to_status, reason, retry_count, at
		 FROM job_transitions WHERE job_id = $1 ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("job history: %w", err)
	}
	defer rows.Close()

	out := make([]domain.JobTransition, 0)
	for rows.Next() {
		var t domain.JobTransition
		if err := rows.Scan(&t.JobID, &t.Seq, &t.From, &t.To, &t.Reason, &t.RetryCount, &t.At); err != nil {
			return nil, err
		}
		t.At = t.At.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
