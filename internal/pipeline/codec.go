package pipeline

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

// Definition is the submission format for a pipeline. YAML is the canonical
// encoding; JSON submissions decode through the same path since YAML is a
// superset.
type Definition struct {
	Name          string         `yaml:"name" json:"name"`
	Trigger       domain.Trigger `yaml:"trigger" json:"trigger"`
	Params        map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	FailurePolicy string         `yaml:"failure_policy,omitempty" json:"failure_policy,omitempty"`
	TimeoutSec    int64          `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Steps         []domain.Step  `yaml:"steps" json:"steps"`
}

func Decode(raw []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return Definition{}, fmt.Errorf("decode pipeline definition: %w", err)
	}
	return def, nil
}

// Build turns a decoded definition into a validated pipeline. Graph
// validation happens here, so no invalid pipeline ever reaches the store.
func Build(def Definition, id, tenantID string, now time.Time) (domain.Pipeline, error) {
	policy, err := domain.ParseFailurePolicy(def.FailurePolicy)
	if err != nil {
		return domain.Pipeline{}, err
	}
	p := domain.Pipeline{
		ID:            id,
		TenantID:      tenantID,
		Name:          def.Name,
		Trigger:       def.Trigger,
		Params:        def.Params,
		FailurePolicy: policy,
		TimeoutSec:    def.TimeoutSec,
		Steps:         def.Steps,
		CreatedAt:     now,
	}
	if err := p.Validate(); err != nil {
		return domain.Pipeline{}, err
	}
	if err := ValidateGraph(p); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}
