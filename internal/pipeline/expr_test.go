package pipeline

import (
	"testing"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

func TestEvalCondition(t *testing.T) {
	outputs := map[string]domain.Metadata{
		"eval": {"accuracy": 0.93, "passed": true},
	}
	params := domain.Metadata{"threshold": 0.9, "env": "prod"}

	cases := []struct {
		name       string
		expression string
		want       bool
		wantErr    bool
	}{
		{name: "bool output", expression: "steps.eval.outputs.passed", want: true},
		{name: "comparison", expression: "steps.eval.outputs.accuracy > params.threshold", want: true},
		{name: "conjunction", expression: `steps.eval.outputs.passed && params.env == "prod"`, want: true},
		{name: "false branch", expression: "steps.eval.outputs.accuracy > 0.99", want: false},
		{name: "not boolean", expression: "steps.eval.outputs.accuracy", wantErr: true},
		{name: "unknown step", expression: "steps.missing.outputs.x", wantErr: true},
		{name: "parse error", expression: "&&&", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvalCondition(tc.expression, outputs, params)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveString(t *testing.T) {
	outputs := map[string]domain.Metadata{
		"train": {"model_uri": "s3://models/7", "epochs": 12},
	}
	params := domain.Metadata{"env": "prod"}

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "step output", in: "deploy ${steps.train.outputs.model_uri}", want: "deploy s3://models/7"},
		{name: "numeric output", in: "ran ${steps.train.outputs.epochs} epochs", want: "ran 12 epochs"},
		{name: "param", in: "target ${params.env}", want: "target prod"},
		{name: "mixed", in: "${steps.train.outputs.model_uri}@${params.env}", want: "s3://models/7@prod"},
		{name: "unresolvable step left intact", in: "${steps.missing.outputs.x}", want: "${steps.missing.outputs.x}"},
		{name: "unresolvable key left intact", in: "${steps.train.outputs.missing}", want: "${steps.train.outputs.missing}"},
		{name: "unresolvable param left intact", in: "${params.missing}", want: "${params.missing}"},
		{name: "no references", in: "plain", want: "plain"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveString(tc.in, outputs, params); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveItem(t *testing.T) {
	if got := resolveItem("process ${item} now", "shard-3"); got != "process shard-3 now" {
		t.Fatalf("got %q", got)
	}
	if got := resolveItem("n=${item}", 7); got != "n=7" {
		t.Fatalf("got %q", got)
	}
}

func TestValidateGraph_ConditionBranches(t *testing.T) {
	base := func() domain.Pipeline {
		return domain.Pipeline{
			ID:       "p1",
			TenantID: "acme",
			Name:     "gated",
			Trigger:  domain.Trigger{Kind: domain.TriggerManual},
			Steps: []domain.Step{
				{Name: "check", Kind: domain.StepKindFunction, Function: &domain.FunctionStepConfig{Name: "echo"}},
				{
					Name:      "gate",
					Kind:      domain.StepKindCondition,
					DependsOn: []string{"check"},
					Condition: &domain.ConditionStepConfig{
						Expression: "steps.check.outputs.ok",
						WhenTrue:   []string{"deploy"},
					},
				},
				{Name: "deploy", Kind: domain.StepKindFunction, DependsOn: []string{"gate"}, Function: &domain.FunctionStepConfig{Name: "echo"}},
			},
		}
	}

	if err := ValidateGraph(base()); err != nil {
		t.Fatalf("valid pipeline rejected: %v", err)
	}

	p := base()
	p.Steps[1].Condition.WhenTrue = []string{"nope"}
	if err := ValidateGraph(p); err == nil {
		t.Fatal("unknown branch target accepted")
	}

	p = base()
	p.Steps[2].DependsOn = nil
	if err := ValidateGraph(p); err == nil {
		t.Fatal("branch target without dependency accepted")
	}
}
