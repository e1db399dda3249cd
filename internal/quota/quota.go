// Package quota holds the pure admission arithmetic over cluster queue
// capacity. Stores call Decide inside the same transaction that reserves
// usage, so the decision and the reservation are one logical operation.
package quota

import (
	"fmt"
	"strings"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

// Outcome is the result of one admission attempt.
type Outcome string

const (
	OutcomeAdmitted Outcome = "admitted"
	OutcomeDenied   Outcome = "denied"
	OutcomeDeferred Outcome = "deferred"
)

// ReasonInsufficientQuota is the stable denial reason surfaced to callers.
const ReasonInsufficientQuota = "insufficient quota"

type Decision struct {
	Outcome Outcome
	Reason  string
}

func Admitted() Decision {
	return Decision{Outcome: OutcomeAdmitted}
}

func Denied(reason string) Decision {
	return Decision{Outcome: OutcomeDenied, Reason: reason}
}

func Deferred(reason string) Decision {
	return Decision{Outcome: OutcomeDeferred, Reason: reason}
}

// Snapshot is the cohort state an admission decision is made against. For a
// queue without a cohort the snapshot contains just that queue. The caller
// must hold the snapshot stable (row locks or a mutex) until the reservation
// is applied.
type Snapshot struct {
	Queues map[string]domain.ClusterQueue
	Usage  map[string]domain.ResourceList
}

// Decide reports whether req fits on queueName given the snapshot. A queue
// may exceed its nominal quota up to its borrowing limit only while the
// cohort as a whole still has idle nominal capacity; admitted usage never
// exceeds nominal + borrowing limit for any queue.
func Decide(s Snapshot, queueName string, req domain.ResourceList) Decision {
	queue, ok := s.Queues[strings.TrimSpace(queueName)]
	if !ok {
		return Denied(fmt.Sprintf("unknown cluster queue %q", queueName))
	}
	usage := s.Usage[queue.Name]

	for resource, qty := range req {
		if qty <= 0 {
			continue
		}
		nominal, constrained := queue.Nominal[resource]
		if !constrained {
			continue
		}
		used := usage[resource]

		if used+qty <= nominal {
			continue
		}

		// Over nominal: the excess must fit under the borrowing limit and
		// under the cohort's idle nominal capacity.
		borrowLimit := queue.BorrowingLimit[resource]
		if used+qty > nominal+borrowLimit {
			return Denied(ReasonInsufficientQuota)
		}
		cohortNominal, cohortUsed := cohortTotals(s, queue, resource)
		if cohortUsed+qty > cohortNominal {
			return Denied(ReasonInsufficientQuota)
		}
	}
	return Admitted()
}

func cohortTotals(s Snapshot, queue domain.ClusterQueue, resource string) (nominal, used int64) {
	if strings.TrimSpace(queue.Cohort) == "" {
		return queue.Nominal[resource], s.Usage[queue.Name][resource]
	}
	for name, q := range s.Queues {
		if q.Cohort != queue.Cohort {
			continue
		}
		nominal += q.Nominal[resource]
		used += s.Usage[name][resource]
	}
	return nominal, used
}
