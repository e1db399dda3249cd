package pipeline

import (
	"fmt"
	"strings"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

// ValidateGraph performs strict structural validation of a pipeline's step
// graph: unique names, per-step config shape, resolvable dependencies, an
// acyclic graph and well-formed condition branches.
func ValidateGraph(p domain.Pipeline) error {
	issues := &ValidationError{}

	stepNames := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("step[%d] name is required", i))
			continue
		}
		if _, exists := stepNames[name]; exists {
			issues.Add(fmt.Sprintf("duplicate step name %q", name))
		}
		stepNames[name] = struct{}{}

		if err := step.Validate(); err != nil {
			issues.Add(err.Error())
		}
	}

	adj := make(map[string][]string, len(stepNames))
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == step.Name {
				issues.Add(fmt.Sprintf("step %q depends on itself", step.Name))
				continue
			}
			if _, ok := stepNames[dep]; !ok {
				issues.Add(fmt.Sprintf("step %q depends on unknown step %q", step.Name, dep))
				continue
			}
			adj[dep] = append(adj[dep], step.Name)
		}
	}

	if hasCycle(adj, stepNames) {
		issues.Add("dependency graph contains a cycle")
	}

	for _, step := range p.Steps {
		if step.Kind != domain.StepKindCondition || step.Condition == nil {
			continue
		}
		branches := append(append([]string{}, step.Condition.WhenTrue...), step.Condition.WhenFalse...)
		for _, target := range branches {
			if _, ok := stepNames[target]; !ok {
				issues.Add(fmt.Sprintf("condition %q routes to unknown step %q", step.Name, target))
				continue
			}
			targetStep, _ := p.StepByName(target)
			if !dependsOn(targetStep, step.Name) {
				issues.Add(fmt.Sprintf("condition %q routes to step %q which does not depend on it", step.Name, target))
			}
		}
	}

	return issues.OrNil()
}

func dependsOn(step domain.Step, name string) bool {
	for _, dep := range step.DependsOn {
		if dep == name {
			return true
		}
	}
	return false
}

func hasCycle(adj map[string][]string, nodes map[string]struct{}) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			return true
		case done:
			return false
		}
		state[node] = visiting
		for _, next := range adj[node] {
			if visit(next) {
				return true
			}
		}
		state[node] = done
		return false
	}

	for node := range nodes {
		if state[node] == unvisited {
			if visit(node) {
				return true
			}
		}
	}
	return false
}
