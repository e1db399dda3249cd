package admission

import (
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

// CostPolicy prices the eviction of a victim on behalf of a pending job.
// Lower cost means a better victim.
type CostPolicy interface {
	Cost(pending, victim domain.Job, now time.Time) float64
}

// DefaultCostPolicy prefers victims far below the pending job's priority and
// with little runtime invested: each priority class of difference discounts
// the cost by an hour's worth of runtime.
type DefaultCostPolicy struct{}

func (DefaultCostPolicy) Cost(pending, victim domain.Job, now time.Time) float64 {
	var runtime float64
	if victim.StartedAt != nil && now.After(*victim.StartedAt) {
		runtime = now.Sub(*victim.StartedAt).Seconds()
	}
	priorityDelta := float64(pending.PriorityClass - victim.PriorityClass)
	return runtime - priorityDelta*3600
}
