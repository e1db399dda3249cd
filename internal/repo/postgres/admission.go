package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/quota"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

// AdmitJob reserves quota and moves a queued job to scheduled in one
// transaction. Cohort queue rows are locked for the duration, so two
// admissions against the same cohort cannot both observe idle capacity.
func (s *Store) AdmitJob(ctx context.Context, id string) (quota.Decision, domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Decision{}, domain.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Decision{}, domain.Job{}, repo.ErrNotFound
	}
	if err != nil {
		return quota.Decision{}, domain.Job{}, err
	}
	if job.Status != domain.JobStatusQueued {
		return quota.Decision{}, domain.Job{}, repo.ErrConflict
	}

	var local domain.LocalQueue
	err = tx.QueryRowContext(ctx,
		`SELECT name, tenant_id, cluster_queue FROM local_queues WHERE name = $1`, job.Queue,
	).Scan(&local.Name, &local.TenantID, &local.ClusterQueue)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Denied(fmt.Sprintf("unknown local queue %q", job.Queue)), job, nil
	}
	if err != nil {
		return quota.Decision{}, domain.Job{}, err
	}

	snap, target, err := lockCohortTx(ctx, tx, local.ClusterQueue)
	if errors.Is(err, repo.ErrNotFound) {
		return quota.Denied(fmt.Sprintf("unknown cluster queue %q", local.ClusterQueue)), job, nil
	}
	if err != nil {
		return quota.Decision{}, domain.Job{}, err
	}

	decision := quota.Decide(snap, target.Name, job.Resources)
	if decision.Outcome != quota.OutcomeAdmitted {
		return decision, job, nil
	}

	if err := adjustUsageTx(ctx, tx, target.Name, job.Resources, true); err != nil {
		return quota.Decision{}, domain.Job{}, err
	}

	now := s.now()
	job.ClusterQueue = target.Name
	job.Status = domain.JobStatusScheduled
	job.Reason = ""
	job.NotBefore = nil
	job.ScheduledAt = &now
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = $2, reason = '', cluster_queue = $3,
			not_before = NULL, scheduled_at = $4
		 WHERE id = $1`,
		job.ID, job.Status, job.ClusterQueue, now,
	); err != nil {
		return quota.Decision{}, domain.Job{}, fmt.Errorf("schedule job: %w", err)
	}
	if err := insertTransitionTx(ctx, tx, job, domain.JobStatusQueued, domain.JobStatusScheduled, "admitted", now); err != nil {
		return quota.Decision{}, domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return quota.Decision{}, domain.Job{}, err
	}
	return decision, job, nil
}

// lockCohortTx locks and returns the target queue plus every queue sharing
// its cohort, with their current usage. All rows are taken in one name-ordered
// FOR UPDATE query; concurrent admissions against any cohort members acquire
// the same locks in the same order and cannot deadlock.
func lockCohortTx(ctx context.Context, tx *sql.Tx, clusterQueue string) (quota.Snapshot, domain.ClusterQueue, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT name, cohort, nominal, borrowing_limit FROM cluster_queues
		 WHERE name = $1
		    OR (cohort <> '' AND cohort = (SELECT cohort FROM cluster_queues WHERE name = $1))
		 ORDER BY name FOR UPDATE`,
		clusterQueue,
	)
	if err != nil {
		return quota.Snapshot{}, domain.ClusterQueue{}, err
	}
	defer rows.Close()

	var target domain.ClusterQueue
	found := false
	queues := map[string]domain.ClusterQueue{}
	for rows.Next() {
		q, err := scanClusterQueue(rows)
		if err != nil {
			return quota.Snapshot{}, domain.ClusterQueue{}, err
		}
		queues[q.Name] = q
		if q.Name == clusterQueue {
			target = q
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return quota.Snapshot{}, domain.ClusterQueue{}, err
	}
	if !found {
		return quota.Snapshot{}, domain.ClusterQueue{}, repo.ErrNotFound
	}

	usage := make(map[string]domain.ResourceList, len(queues))
	for name := range queues {
		var raw []byte
		u := domain.ResourceList{}
		err := tx.QueryRowContext(ctx,
			`SELECT usage FROM cluster_queue_usage WHERE cluster_queue = $1`, name,
		).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return quota.Snapshot{}, domain.ClusterQueue{}, err
		default:
			if err := decodeJSON(raw, &u); err != nil {
				return quota.Snapshot{}, domain.ClusterQueue{}, err
			}
		}
		usage[name] = u
	}
	return quota.Snapshot{Queues: queues, Usage: usage}, target, nil
}
