package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TriggerKind describes how a pipeline execution is initiated.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerEvent     TriggerKind = "event"
)

type Trigger struct {
	Kind      TriggerKind `json:"kind" yaml:"kind"`
	Schedule  string      `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	EventName string      `json:"event_name,omitempty" yaml:"event_name,omitempty"`
}

func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerManual:
		return nil
	case TriggerScheduled:
		if strings.TrimSpace(t.Schedule) == "" {
			return errors.New("scheduled trigger requires a schedule")
		}
		return nil
	case TriggerEvent:
		if strings.TrimSpace(t.EventName) == "" {
			return errors.New("event trigger requires an event name")
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
}

// FailurePolicy selects how an execution reacts to an unrecovered step
// failure: stop dispatching (fail_fast) or keep independent branches running
// (continue_on_error). Either way the execution ends failed.
type FailurePolicy string

const (
	FailFast        FailurePolicy = "fail_fast"
	ContinueOnError FailurePolicy = "continue_on_error"
)

func ParseFailurePolicy(value string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return FailFast, nil
	case FailFast:
		return FailFast, nil
	case ContinueOnError:
		return ContinueOnError, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", value)
	}
}

// Pipeline is a named DAG of steps with a trigger and shared parameters.
// The dependency graph is validated acyclic at submission time.
type Pipeline struct {
	ID            string
	TenantID      string
	Name          string
	Trigger       Trigger
	Params        Metadata
	FailurePolicy FailurePolicy
	TimeoutSec    int64
	Steps         []Step
	CreatedAt     time.Time
}

func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("pipeline id is required")
	}
	if strings.TrimSpace(p.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("pipeline name is required")
	}
	if len(p.Steps) == 0 {
		return errors.New("pipeline requires at least one step")
	}
	if p.TimeoutSec < 0 {
		return errors.New("pipeline timeout must be >= 0")
	}
	if err := p.Trigger.Validate(); err != nil {
		return err
	}
	if _, err := ParseFailurePolicy(string(p.FailurePolicy)); err != nil {
		return err
	}
	return nil
}

// StepByName returns the step definition with the given name.
func (p Pipeline) StepByName(name string) (Step, bool) {
	for _, step := range p.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}

// Edge is a plain id pair in the step dependency graph.
type Edge struct {
	From string
	To   string
}

// Edges flattens each step's depends_on list into edge pairs.
func (p Pipeline) Edges() []Edge {
	edges := make([]Edge, 0, len(p.Steps))
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			edges = append(edges, Edge{From: dep, To: step.Name})
		}
	}
	return edges
}
