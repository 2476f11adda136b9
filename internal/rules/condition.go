package rules

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/roach88/archivist/internal/dicom"
)

// Condition is a compiled CEL boolean expression.
type Condition struct {
	source string
	prog   cel.Program
}

var conditionEnv = mustConditionEnv()

func mustConditionEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("study", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("instance", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("partition", cel.StringType),
		cel.Variable("calling_ae", cel.StringType),
		cel.Variable("called_ae", cel.StringType),
		cel.Variable("modality", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("rules: condition environment: %v", err))
	}
	return env
}

// CompileCondition parses and type-checks a condition. An empty expression
// yields nil, which always matches.
func CompileCondition(expr string) (*Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	ast, iss := conditionEnv.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss := conditionEnv.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition must be boolean, got %s", checked.OutputType())
	}
	prog, err := conditionEnv.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Condition{source: expr, prog: prog}, nil
}

// String returns the expression source.
func (c *Condition) String() string {
	if c == nil {
		return ""
	}
	return c.source
}

// Eval evaluates the condition for an event. A nil condition matches.
func (c *Condition) Eval(ev Event) (bool, error) {
	if c == nil {
		return true, nil
	}
	out, _, err := c.prog.Eval(variables(ev))
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.source, err)
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

func variables(ev Event) map[string]any {
	study := normalized(ev.Study)
	instance := map[string]string{}
	modality := ""
	if ev.Object != nil {
		instance = normalized(ev.Object.Attributes)
		modality = ev.Object.Attributes.Get(dicom.Modality)
	}
	partition := ""
	if ev.Location != nil {
		partition = ev.Location.Partition
	}
	return map[string]any{
		"study":      study,
		"instance":   instance,
		"partition":  partition,
		"calling_ae": ev.Assoc.CallingAE,
		"called_ae":  ev.Assoc.CalledAE,
		"modality":   modality,
	}
}

func normalized(attrs dicom.Attributes) map[string]string {
	out := make(map[string]string, len(attrs))
	for k := range attrs {
		out[k] = attrs.Get(k)
	}
	return out
}
