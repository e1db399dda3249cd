package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ClusterQueue owns nominal capacity for a set of resources. Queues in the
// same cohort may lend idle nominal capacity to each other, bounded per
// borrower by BorrowingLimit.
type ClusterQueue struct {
	Name           string
	Cohort         string
	Nominal        ResourceList
	BorrowingLimit ResourceList
}

func (q ClusterQueue) Validate() error {
	if strings.TrimSpace(q.Name) == "" {
		return errors.New("cluster queue name is required")
	}
	if len(q.Nominal) == 0 {
		return errors.New("nominal quota is required")
	}
	for name, qty := range q.Nominal {
		if qty < 0 {
			return fmt.Errorf("nominal quota %q must be >= 0", name)
		}
	}
	for name, qty := range q.BorrowingLimit {
		if qty < 0 {
			return fmt.Errorf("borrowing limit %q must be >= 0", name)
		}
		if _, ok := q.Nominal[name]; !ok {
			return fmt.Errorf("borrowing limit %q has no nominal quota", name)
		}
	}
	if len(q.BorrowingLimit) > 0 && strings.TrimSpace(q.Cohort) == "" {
		return errors.New("borrowing requires a cohort")
	}
	return nil
}

// LocalQueue is a per-tenant handle into a ClusterQueue.
type LocalQueue struct {
	Name         string
	TenantID     string
	ClusterQueue string
}

func (q LocalQueue) Validate() error {
	if strings.TrimSpace(q.Name) == "" {
		return errors.New("local queue name is required")
	}
	if strings.TrimSpace(q.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(q.ClusterQueue) == "" {
		return errors.New("cluster queue is required")
	}
	return nil
}
