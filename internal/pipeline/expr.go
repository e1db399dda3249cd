package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

// EvalCondition evaluates a guard expression against upstream step outputs
// and execution params. The expression sees two variables: steps (an object
// of step name -> {outputs: {...}}) and params.
func EvalCondition(expression string, outputs map[string]domain.Metadata, params domain.Metadata) (bool, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(expression), "condition", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return false, fmt.Errorf("parse condition: %s", diags.Error())
	}

	stepVars := make(map[string]cty.Value, len(outputs))
	for name, out := range outputs {
		outVal, err := metadataToCty(out)
		if err != nil {
			return false, fmt.Errorf("step %q outputs: %w", name, err)
		}
		stepVars[name] = cty.ObjectVal(map[string]cty.Value{"outputs": outVal})
	}
	paramsVal, err := metadataToCty(params)
	if err != nil {
		return false, fmt.Errorf("params: %w", err)
	}

	evalCtx := &hcl.EvalContext{Variables: map[string]cty.Value{
		"steps":  cty.ObjectVal(stepVars),
		"params": paramsVal,
	}}
	value, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return false, fmt.Errorf("evaluate condition: %s", diags.Error())
	}
	if value.Type() != cty.Bool || value.IsNull() {
		return false, fmt.Errorf("condition %q is not boolean", expression)
	}
	return value.True(), nil
}

// metadataToCty round-trips arbitrary metadata through JSON into a cty
// object, which handles nested maps, lists and numbers uniformly.
func metadataToCty(m domain.Metadata) (cty.Value, error) {
	if len(m) == 0 {
		return cty.EmptyObjectVal, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return cty.NilVal, err
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(raw, ty)
}

var (
	stepRef  = regexp.MustCompile(`\$\{steps\.([A-Za-z0-9_\[\]().-]+)\.outputs\.([A-Za-z0-9_.-]+)\}`)
	paramRef = regexp.MustCompile(`\$\{params\.([A-Za-z0-9_.-]+)\}`)
	itemRef  = regexp.MustCompile(`\$\{item\}`)
)

// resolveString substitutes ${steps.<name>.outputs.<key>} and
// ${params.<key>} references in a config string. Unresolvable references are
// left intact so the failure surfaces where the value is consumed.
func resolveString(s string, outputs map[string]domain.Metadata, params domain.Metadata) string {
	s = stepRef.ReplaceAllStringFunc(s, func(match string) string {
		groups := stepRef.FindStringSubmatch(match)
		out, ok := outputs[groups[1]]
		if !ok {
			return match
		}
		value, ok := out[groups[2]]
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", value)
	})
	return paramRef.ReplaceAllStringFunc(s, func(match string) string {
		groups := paramRef.FindStringSubmatch(match)
		value, ok := params[groups[1]]
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", value)
	})
}

// resolveItem substitutes ${item} in a loop child's config strings.
func resolveItem(s string, item any) string {
	return itemRef.ReplaceAllStringFunc(s, func(string) string {
		return fmt.Sprintf("%v", item)
	})
}
