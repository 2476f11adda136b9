package rules

import (
	"fmt"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// schema constrains a single rule. Closed, so misspelled fields fail.
const schema = `
#Rule: {
	apply_time: "SopReceived" | "SopProcessed" | "SeriesProcessed" | "StudyProcessed" | "StudyArchived"
	condition:  *"" | string
	actions:    *[] | [...{[string]: _}]
	default:    *false | bool
	exempt:     *false | bool
	enabled:    *true | bool
	partition:  *"*" | string
}
`

// CompileError is a rule source error with its CUE position.
type CompileError struct {
	Rule    string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	where := e.Field
	if e.Rule != "" {
		where = "rule." + e.Rule + "." + e.Field
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			where, e.Message)
	}
	return fmt.Sprintf("%s: %s", where, e.Message)
}

// Compiler turns CUE rule values into rules.
type Compiler struct {
	ctx     *cue.Context
	rule    cue.Value
	actions ActionRegistry
}

// NewCompiler returns a compiler resolving actions through reg. A nil reg
// uses DefaultActions.
func NewCompiler(reg ActionRegistry) *Compiler {
	if reg == nil {
		reg = DefaultActions()
	}
	ctx := cuecontext.New()
	s := ctx.CompileString(schema, cue.Filename("rules-schema.cue"))
	return &Compiler{
		ctx:     ctx,
		rule:    s.LookupPath(cue.ParsePath("#Rule")),
		actions: reg,
	}
}

// Context returns the CUE context values must be built in.
func (c *Compiler) Context() *cue.Context { return c.ctx }

// CompileSource compiles rule source text. filename is used in positions.
func (c *Compiler) CompileSource(filename, src string) ([]*Rule, []error) {
	v := c.ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, []error{formatCUEError(err, "")}
	}
	return c.CompileValue(v)
}

// CompileValue compiles every field under "rule" in v. Rules that fail are
// reported and left out; the rest are returned sorted by name.
func (c *Compiler) CompileValue(v cue.Value) ([]*Rule, []error) {
	rulesVal := v.LookupPath(cue.ParsePath("rule"))
	if !rulesVal.Exists() {
		return nil, nil
	}
	iter, err := rulesVal.Fields()
	if err != nil {
		return nil, []error{formatCUEError(err, "")}
	}

	var (
		out  []*Rule
		errs []error
	)
	for iter.Next() {
		r, err := c.CompileRule(iter.Label(), iter.Value())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errs
}

// CompileRule compiles one rule body.
func (c *Compiler) CompileRule(name string, v cue.Value) (*Rule, error) {
	v = c.rule.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err, name)
	}

	var body struct {
		ApplyTime string `json:"apply_time"`
		Condition string `json:"condition"`
		Default   bool   `json:"default"`
		Exempt    bool   `json:"exempt"`
		Enabled   bool   `json:"enabled"`
		Partition string `json:"partition"`
	}
	if err := v.Decode(&body); err != nil {
		return nil, formatCUEError(err, name)
	}

	at, err := ParseApplyTime(body.ApplyTime)
	if err != nil {
		return nil, &CompileError{Rule: name, Field: "apply_time", Message: err.Error(), Pos: v.Pos()}
	}
	r := &Rule{
		Name:      name,
		ApplyTime: at,
		Partition: body.Partition,
		Default:   body.Default,
		Exempt:    body.Exempt,
		Enabled:   body.Enabled,
	}

	condVal := v.LookupPath(cue.ParsePath("condition"))
	r.Condition, err = CompileCondition(body.Condition)
	if err != nil {
		return nil, &CompileError{Rule: name, Field: "condition", Message: err.Error(), Pos: condVal.Pos()}
	}

	r.Actions, err = c.compileActions(name, v.LookupPath(cue.ParsePath("actions")))
	if err != nil {
		return nil, err
	}
	if len(r.Actions) == 0 && !r.Exempt {
		return nil, &CompileError{
			Rule:    name,
			Field:   "actions",
			Message: "at least one action is required",
			Pos:     v.Pos(),
		}
	}
	return r, nil
}

func (c *Compiler) compileActions(rule string, list cue.Value) ([]Action, error) {
	iter, err := list.List()
	if err != nil {
		return nil, formatCUEError(err, rule)
	}
	var actions []Action
	for i := 0; iter.Next(); i++ {
		field := fmt.Sprintf("actions[%d]", i)
		item := iter.Value()
		fields, err := item.Fields()
		if err != nil {
			return nil, formatCUEError(err, rule)
		}
		n := 0
		for fields.Next() {
			n++
			if n > 1 {
				return nil, &CompileError{Rule: rule, Field: field, Message: "an action has exactly one tag", Pos: item.Pos()}
			}
			kind := fields.Label()
			factory, ok := c.actions[kind]
			if !ok {
				return nil, &CompileError{
					Rule:    rule,
					Field:   field,
					Message: fmt.Sprintf("unknown action %q (known: %v)", kind, c.actions.Kinds()),
					Pos:     fields.Value().Pos(),
				}
			}
			a, err := factory(rule, fields.Value())
			if err != nil {
				return nil, &CompileError{Rule: rule, Field: field + "." + kind, Message: err.Error(), Pos: fields.Value().Pos()}
			}
			actions = append(actions, a)
		}
		if n == 0 {
			return nil, &CompileError{Rule: rule, Field: field, Message: "empty action", Pos: item.Pos()}
		}
	}
	return actions, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error, rule string) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	ce := &CompileError{Rule: rule, Field: "cue", Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
