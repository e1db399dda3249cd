package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

func (s *Store) CreateClusterQueue(ctx context.Context, q domain.ClusterQueue) error {
	if err := q.Validate(); err != nil {
		return err
	}
	nominalRaw, err := encodeJSON(q.Nominal)
	if err != nil {
		return err
	}
	limitRaw, err := encodeJSON(q.BorrowingLimit)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cluster_queues (name, cohort, nominal, borrowing_limit)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		q.Name, q.Cohort, nominalRaw, limitRaw,
	)
	if err != nil {
		return fmt.Errorf("insert cluster queue: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("cluster queue %s already exists", q.Name)
	}
	return nil
}

func (s *Store) CreateLocalQueue(ctx context.Context, q domain.LocalQueue) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if _, err := s.GetClusterQueue(ctx, q.ClusterQueue); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("cluster queue %s does not exist", q.ClusterQueue)
		}
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO local_queues (name, tenant_id, cluster_queue)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		q.Name, q.TenantID, q.ClusterQueue,
	)
	if err != nil {
		return fmt.Errorf("insert local queue: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("local queue %s already exists", q.Name)
	}
	return nil
}

func scanClusterQueue(row rowScanner) (domain.ClusterQueue, error) {
	var (
		q          domain.ClusterQueue
		nominalRaw []byte
		limitRaw   []byte
	)
	if err := row.Scan(&q.Name, &q.Cohort, &nominalRaw, &limitRaw); err != nil {
		return domain.ClusterQueue{}, err
	}
	if err := decodeJSON(nominalRaw, &q.Nominal); err != nil {
		return domain.ClusterQueue{}, err
	}
	if err := decodeJSON(limitRaw, &q.BorrowingLimit); err != nil {
		return domain.ClusterQueue{}, err
	}
	return q, nil
}

func (s *Store) GetClusterQueue(ctx context.Context, name string) (domain.ClusterQueue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, cohort, nominal, borrowing_limit FROM cluster_queues WHERE name = $1`, name)
	q, err := scanClusterQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClusterQueue{}, repo.ErrNotFound
	}
	return q, err
}

func (s *Store) GetLocalQueue(ctx context.Context, name string) (domain.LocalQueue, error) {
	var q domain.LocalQueue
	err := s.db.QueryRowContext(ctx,
		`SELECT name, tenant_id, cluster_queue FROM local_queues WHERE name = $1`, name,
	).Scan(&q.Name, &q.TenantID, &q.ClusterQueue)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LocalQueue{}, repo.ErrNotFound
	}
	return q, err
}

func (s *Store) ListClusterQueues(ctx context.Context) ([]domain.ClusterQueue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, cohort, nominal, borrowing_limit FROM cluster_queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list cluster queues: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ClusterQueue, 0)
	for rows.Next() {
		q, err := scanClusterQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) QueueUsage(ctx context.Context, clusterQueue string) (domain.ResourceList, error) {
	if _, err := s.GetClusterQueue(ctx, clusterQueue); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT usage FROM cluster_queue_usage WHERE cluster_queue = $1`, clusterQueue,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResourceList{}, nil
	}
	if err != nil {
		return nil, err
	}
	usage := domain.ResourceList{}
	if err := decodeJSON(raw, &usage); err != nil {
		return nil, err
	}
	return usage, nil
}

// adjustUsageTx adds (or, when add is false, subtracts) the resource list to
// the queue's usage row inside the caller's transaction. The row is locked so
// concurrent admissions serialize on the queue.
func adjustUsageTx(ctx context.Context, tx *sql.Tx, clusterQueue string, res domain.ResourceList, add bool) error {
	var raw []byte
	usage := domain.ResourceList{}
	err := tx.QueryRowContext(ctx,
		`SELECT usage FROM cluster_queue_usage WHERE cluster_queue = $1 FOR UPDATE`, clusterQueue,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if err := decodeJSON(raw, &usage); err != nil {
			return err
		}
	}

	if add {
		usage = usage.Add(res)
	} else {
		usage = usage.Sub(res)
	}
	updatedRaw, err := encodeJSON(usage)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cluster_queue_usage (cluster_queue, usage) VALUES ($1, $2)
		 ON CONFLICT (cluster_queue) DO UPDATE SET usage = EXCLUDED.usage`,
		clusterQueue, updatedRaw,
	); err != nil {
		return fmt.Errorf("update queue usage: %w", err)
	}
	return nil
}
