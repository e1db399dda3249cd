package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

// QueueConfig is the declarative queue topology loaded at startup.
type QueueConfig struct {
	ClusterQueues []ClusterQueueConfig `yaml:"cluster_queues"`
	LocalQueues   []LocalQueueConfig   `yaml:"local_queues"`
}

type ClusterQueueConfig struct {
	Name           string           `yaml:"name"`
	Cohort         string           `yaml:"cohort,omitempty"`
	Nominal        map[string]int64 `yaml:"nominal"`
	BorrowingLimit map[string]int64 `yaml:"borrowing_limit,omitempty"`
}

type LocalQueueConfig struct {
	Name         string `yaml:"name"`
	TenantID     string `yaml:"tenant_id"`
	ClusterQueue string `yaml:"cluster_queue"`
}

func LoadQueueConfig(path string) (QueueConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return QueueConfig{}, fmt.Errorf("read queue config: %w", err)
	}
	var cfg QueueConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return QueueConfig{}, fmt.Errorf("parse queue config: %w", err)
	}
	return cfg, nil
}

// Bootstrap creates the configured queues if they do not exist yet. Existing
// queues are left untouched, so restarting with the same config is a no-op.
func Bootstrap(ctx context.Context, logger *slog.Logger, store repo.QueueRepository, cfg QueueConfig) error {
	for _, qc := range cfg.ClusterQueues {
		_, err := store.GetClusterQueue(ctx, qc.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		queue := domain.ClusterQueue{
			Name:           qc.Name,
			Cohort:         qc.Cohort,
			Nominal:        qc.Nominal,
			BorrowingLimit: qc.BorrowingLimit,
		}
		if err := store.CreateClusterQueue(ctx, queue); err != nil {
			return fmt.Errorf("bootstrap cluster queue %s: %w", qc.Name, err)
		}
		if logger != nil {
			logger.Info("cluster queue created", "name", qc.Name, "cohort", qc.Cohort)
		}
	}

	for _, qc := range cfg.LocalQueues {
		_, err := store.GetLocalQueue(ctx, qc.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		queue := domain.LocalQueue{
			Name:         qc.Name,
			TenantID:     qc.TenantID,
			ClusterQueue: qc.ClusterQueue,
		}
		if err := store.CreateLocalQueue(ctx, queue); err != nil {
			return fmt.Errorf("bootstrap local queue %s: %w", qc.Name, err)
		}
		if logger != nil {
			logger.Info("local queue created", "name", qc.Name, "cluster_queue", qc.ClusterQueue)
		}
	}
	return nil
}
