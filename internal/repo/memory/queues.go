package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

func (s *Store) CreateClusterQueue(ctx context.Context, q domain.ClusterQueue) error {
	if err := q.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusterQueues[q.Name]; ok {
		return fmt.Errorf("cluster queue %s already exists", q.Name)
	}
	s.clusterQueues[q.Name] = q
	return nil
}

func (s *Store) CreateLocalQueue(ctx context.Context, q domain.LocalQueue) error {
	if err := q.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusterQueues[q.ClusterQueue]; !ok {
		return fmt.Errorf("cluster queue %s does not exist", q.ClusterQueue)
	}
	if _, ok := s.localQueues[q.Name]; ok {
		return fmt.Errorf("local queue %s already exists", q.Name)
	}
	s.localQueues[q.Name] = q
	return nil
}

func (s *Store) GetClusterQueue(ctx context.Context, name string) (domain.ClusterQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.clusterQueues[name]
	if !ok {
		return domain.ClusterQueue{}, repo.ErrNotFound
	}
	return q, nil
}

func (s *Store) GetLocalQueue(ctx context.Context, name string) (domain.LocalQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.localQueues[name]
	if !ok {
		return domain.LocalQueue{}, repo.ErrNotFound
	}
	return q, nil
}

func (s *Store) ListClusterQueues(ctx context.Context) ([]domain.ClusterQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ClusterQueue, 0, len(s.clusterQueues))
	for _, q := range s.clusterQueues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) QueueUsage(ctx context.Context, clusterQueue string) (domain.ResourceList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusterQueues[clusterQueue]; !ok {
		return nil, repo.ErrNotFound
	}
	return s.usageLocked(clusterQueue).Clone(), nil
}
