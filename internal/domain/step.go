package domain

import (
	"errors"
	"fmt"
	"strings"
)

// StepKind discriminates the tagged Step variant. Only StepKindJob consumes
// quota; every other kind resolves inside the executor process.
type StepKind string

const (
	StepKindJob          StepKind = "job"
	StepKindAPICall      StepKind = "api_call"
	StepKindFunction     StepKind = "function"
	StepKindCondition    StepKind = "condition"
	StepKindWait         StepKind = "wait"
	StepKindLoop         StepKind = "loop"
	StepKindParallel     StepKind = "parallel"
	StepKindNotification StepKind = "notification"
)

func ParseStepKind(value string) (StepKind, error) {
	switch StepKind(strings.ToLower(strings.TrimSpace(value))) {
	case StepKindJob, StepKindAPICall, StepKindFunction, StepKindCondition,
		StepKindWait, StepKindLoop, StepKindParallel, StepKindNotification:
		return StepKind(strings.ToLower(strings.TrimSpace(value))), nil
	default:
		return "", fmt.Errorf("unknown step kind %q", value)
	}
}

// JobStepConfig describes the Job a JOB step creates when dispatched.
type JobStepConfig struct {
	Kind           JobKind           `json:"kind" yaml:"kind"`
	Queue          string            `json:"queue" yaml:"queue"`
	Resources      ResourceList      `json:"resources" yaml:"resources"`
	PriorityClass  int               `json:"priority_class,omitempty" yaml:"priority_class,omitempty"`
	Preemptible    bool              `json:"preemptible,omitempty" yaml:"preemptible,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	MaxDurationSec int64             `json:"max_duration_seconds,omitempty" yaml:"max_duration_seconds,omitempty"`
	Image          string            `json:"image,omitempty" yaml:"image,omitempty"`
	Command        []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type APICallStepConfig struct {
	Method       string            `json:"method" yaml:"method"`
	URL          string            `json:"url" yaml:"url"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body         string            `json:"body,omitempty" yaml:"body,omitempty"`
	ExpectStatus int               `json:"expect_status,omitempty" yaml:"expect_status,omitempty"`
}

type FunctionStepConfig struct {
	Name string   `json:"name" yaml:"name"`
	Args Metadata `json:"args,omitempty" yaml:"args,omitempty"`
}

// ConditionStepConfig routes between two successor sets based on a guard
// expression evaluated against upstream step outputs.
type ConditionStepConfig struct {
	Expression string   `json:"expression" yaml:"expression"`
	WhenTrue   []string `json:"when_true" yaml:"when_true"`
	WhenFalse  []string `json:"when_false,omitempty" yaml:"when_false,omitempty"`
}

// WaitStepConfig suspends until a fixed delay elapses or a named external
// event arrives, whichever the config selects. TimeoutSec bounds the event
// variant; exceeding it fails the step.
type WaitStepConfig struct {
	DelaySec   int64  `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
	EventName  string `json:"event_name,omitempty" yaml:"event_name,omitempty"`
	TimeoutSec int64  `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// LoopStepConfig expands the template once per item. The child inherits the
// parent's downstream dependents through the fan-in barrier on the parent.
type LoopStepConfig struct {
	Items    []any `json:"items" yaml:"items"`
	Template *Step `json:"template" yaml:"template"`
}

// ParallelStepConfig fans out into its branches; the parent completes when
// every branch reaches a terminal state.
type ParallelStepConfig struct {
	Branches []Step `json:"branches" yaml:"branches"`
}

type NotificationStepConfig struct {
	Channel string `json:"channel" yaml:"channel"`
	Message string `json:"message" yaml:"message"`
}

// Step is a node in a pipeline graph. Exactly one of the kind-specific
// config fields must be set, matching Kind.
type Step struct {
	Name         string                  `json:"name" yaml:"name"`
	Kind         StepKind                `json:"kind" yaml:"kind"`
	DependsOn    []string                `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	TimeoutSec   int64                   `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Job          *JobStepConfig          `json:"job,omitempty" yaml:"job,omitempty"`
	APICall      *APICallStepConfig      `json:"api_call,omitempty" yaml:"api_call,omitempty"`
	Function     *FunctionStepConfig     `json:"function,omitempty" yaml:"function,omitempty"`
	Condition    *ConditionStepConfig    `json:"condition,omitempty" yaml:"condition,omitempty"`
	Wait         *WaitStepConfig         `json:"wait,omitempty" yaml:"wait,omitempty"`
	Loop         *LoopStepConfig         `json:"loop,omitempty" yaml:"loop,omitempty"`
	Parallel     *ParallelStepConfig     `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Notification *NotificationStepConfig `json:"notification,omitempty" yaml:"notification,omitempty"`
}

func (s Step) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("step name is required")
	}
	if _, err := ParseStepKind(string(s.Kind)); err != nil {
		return err
	}
	if s.TimeoutSec < 0 {
		return fmt.Errorf("step %q timeout must be >= 0", s.Name)
	}

	configs := 0
	if s.Job != nil {
		configs++
	}
	if s.APICall != nil {
		configs++
	}
	if s.Function != nil {
		configs++
	}
	if s.Condition != nil {
		configs++
	}
	if s.Wait != nil {
		configs++
	}
	if s.Loop != nil {
		configs++
	}
	if s.Parallel != nil {
		configs++
	}
	if s.Notification != nil {
		configs++
	}
	if configs != 1 {
		return fmt.Errorf("step %q must carry exactly one kind config, has %d", s.Name, configs)
	}

	switch s.Kind {
	case StepKindJob:
		if s.Job == nil {
			return fmt.Errorf("step %q kind job requires job config", s.Name)
		}
		if _, err := ParseJobKind(string(s.Job.Kind)); err != nil {
			return fmt.Errorf("step %q: %w", s.Name, err)
		}
		if strings.TrimSpace(s.Job.Queue) == "" {
			return fmt.Errorf("step %q job queue is required", s.Name)
		}
		if len(s.Job.Resources) == 0 {
			return fmt.Errorf("step %q job resources are required", s.Name)
		}
	case StepKindAPICall:
		if s.APICall == nil {
			return fmt.Errorf("step %q kind api_call requires api_call config", s.Name)
		}
		if strings.TrimSpace(s.APICall.URL) == "" {
			return fmt.Errorf("step %q api_call url is required", s.Name)
		}
	case StepKindFunction:
		if s.Function == nil {
			return fmt.Errorf("step %q kind function requires function config", s.Name)
		}
		if strings.TrimSpace(s.Function.Name) == "" {
			return fmt.Errorf("step %q function name is required", s.Name)
		}
	case StepKindCondition:
		if s.Condition == nil {
			return fmt.Errorf("step %q kind condition requires condition config", s.Name)
		}
		if strings.TrimSpace(s.Condition.Expression) == "" {
			return fmt.Errorf("step %q condition expression is required", s.Name)
		}
		if len(s.Condition.WhenTrue) == 0 {
			return fmt.Errorf("step %q condition when_true is required", s.Name)
		}
	case StepKindWait:
		if s.Wait == nil {
			return fmt.Errorf("step %q kind wait requires wait config", s.Name)
		}
		if s.Wait.DelaySec <= 0 && strings.TrimSpace(s.Wait.EventName) == "" {
			return fmt.Errorf("step %q wait requires delay or event name", s.Name)
		}
		if s.Wait.DelaySec > 0 && strings.TrimSpace(s.Wait.EventName) != "" {
			return fmt.Errorf("step %q wait cannot combine delay and event", s.Name)
		}
		if strings.TrimSpace(s.Wait.EventName) != "" && s.Wait.TimeoutSec <= 0 {
			return fmt.Errorf("step %q wait on event requires a timeout", s.Name)
		}
	case StepKindLoop:
		if s.Loop == nil {
			return fmt.Errorf("step %q kind loop requires loop config", s.Name)
		}
		if len(s.Loop.Items) == 0 {
			return fmt.Errorf("step %q loop items are required", s.Name)
		}
		if s.Loop.Template == nil {
			return fmt.Errorf("step %q loop template is required", s.Name)
		}
		if err := validateChildTemplate(*s.Loop.Template); err != nil {
			return fmt.Errorf("step %q loop template: %w", s.Name, err)
		}
	case StepKindParallel:
		if s.Parallel == nil {
			return fmt.Errorf("step %q kind parallel requires parallel config", s.Name)
		}
		if len(s.Parallel.Branches) == 0 {
			return fmt.Errorf("step %q parallel branches are required", s.Name)
		}
		for _, branch := range s.Parallel.Branches {
			if err := validateChildTemplate(branch); err != nil {
				return fmt.Errorf("step %q parallel branch: %w", s.Name, err)
			}
		}
	case StepKindNotification:
		if s.Notification == nil {
			return fmt.Errorf("step %q kind notification requires notification config", s.Name)
		}
		if strings.TrimSpace(s.Notification.Channel) == "" {
			return fmt.Errorf("step %q notification channel is required", s.Name)
		}
	}
	return nil
}

// validateChildTemplate validates a dynamically expanded child definition.
// Children cannot nest further expansion or declare their own dependencies;
// ordering comes from the parent's fan-in barrier.
func validateChildTemplate(child Step) error {
	if child.Kind == StepKindLoop || child.Kind == StepKindParallel {
		return fmt.Errorf("child step %q cannot be of kind %s", child.Name, child.Kind)
	}
	if len(child.DependsOn) > 0 {
		return fmt.Errorf("child step %q cannot declare dependencies", child.Name)
	}
	return child.Validate()
}
