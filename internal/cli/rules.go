package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/archivist/internal/rules"
)

// RuleView is the printed form of a compiled rule.
type RuleView struct {
	Name      string   `json:"name"`
	ApplyTime string   `json:"apply_time"`
	Partition string   `json:"partition,omitempty"`
	Condition string   `json:"condition,omitempty"`
	Actions   []string `json:"actions,omitempty"`
	Default   bool     `json:"default,omitempty"`
	Exempt    bool     `json:"exempt,omitempty"`
	Enabled   bool     `json:"enabled"`
}

// RuleIssue is one compile problem of a rule source.
type RuleIssue struct {
	Rule    string `json:"rule,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult is the result of rules validate.
type ValidationResult struct {
	Valid  bool        `json:"valid"`
	Rules  int         `json:"rules"`
	Errors []RuleIssue `json:"errors,omitempty"`
}

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Check and inspect rule sources",
	}
	cmd.AddCommand(newRulesValidateCommand(rootOpts))
	cmd.AddCommand(newRulesListCommand(rootOpts))
	return cmd
}

// rulesDir returns the directory argument, or rules_dir from the
// configuration.
func rulesDir(opts *RootOptions, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return "", err
	}
	if cfg.RulesDir == "" {
		return "", NewExitError(ExitCommandError, "no rules directory given and rules_dir is not configured")
	}
	return cfg.RulesDir, nil
}

func newRulesValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [rules-dir]",
		Short: "Compile rule sources without loading them",
		Long: `Compile the CUE rule sources of a directory and report every problem:
schema violations, unknown actions and conditions that do not compile.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := rulesDir(rootOpts, args)
			if err != nil {
				return err
			}
			formatter := newFormatter(rootOpts, cmd)
			formatter.VerboseLog("Compiling rules in %s", dir)

			compiled, err := rules.DirSource{Dir: dir}.Rules(commandContext(cmd), rules.NewCompiler(nil))
			if err == nil {
				result := ValidationResult{Valid: true, Rules: len(compiled)}
				return formatter.Emit(result, func(w io.Writer) {
					fmt.Fprintf(w, "✓ %d rule(s) valid\n", len(compiled))
				})
			}

			issues := ruleIssues(err)
			result := ValidationResult{Errors: issues}
			if ferr := formatter.Emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "✗ %d problem(s) in %s\n", len(issues), dir)
				for _, is := range issues {
					where := is.Field
					if is.Rule != "" {
						where = "rule." + is.Rule + "." + is.Field
					}
					if is.File != "" {
						fmt.Fprintf(w, "  %s:%d: %s: %s\n", is.File, is.Line, where, is.Message)
					} else {
						fmt.Fprintf(w, "  %s: %s\n", where, is.Message)
					}
				}
			}); ferr != nil {
				return ferr
			}
			return NewExitError(ExitFailure, "rule validation failed")
		},
	}
}

// ruleIssues flattens a load error into one issue per compile error.
func ruleIssues(err error) []RuleIssue {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}

	issues := make([]RuleIssue, 0, len(errs))
	for _, e := range errs {
		var ce *rules.CompileError
		if !errors.As(e, &ce) {
			issues = append(issues, RuleIssue{Message: e.Error()})
			continue
		}
		is := RuleIssue{Rule: ce.Rule, Field: ce.Field, Message: ce.Message}
		if ce.Pos.IsValid() {
			is.File = ce.Pos.Filename()
			is.Line = ce.Pos.Line()
		}
		issues = append(issues, is)
	}
	return issues
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list [rules-dir]",
		Short:         "List compiled rules by apply time",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := rulesDir(rootOpts, args)
			if err != nil {
				return err
			}
			compiled, err := rules.DirSource{Dir: dir}.Rules(commandContext(cmd), rules.NewCompiler(nil))
			if err != nil {
				return newFormatter(rootOpts, cmd).Fail(ExitFailure, "rules do not compile", err, map[string]string{"dir": dir})
			}

			views := make([]RuleView, len(compiled))
			for i, r := range compiled {
				v := RuleView{
					Name:      r.Name,
					ApplyTime: string(r.ApplyTime),
					Partition: r.Partition,
					Default:   r.Default,
					Exempt:    r.Exempt,
					Enabled:   r.Enabled,
				}
				if r.Condition != nil {
					v.Condition = r.Condition.String()
				}
				for _, a := range r.Actions {
					v.Actions = append(v.Actions, a.Kind())
				}
				views[i] = v
			}
			return newFormatter(rootOpts, cmd).Emit(views, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tAPPLY TIME\tPARTITION\tENABLED\tACTIONS\tCONDITION")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%v\t%s\n",
						v.Name, v.ApplyTime, orDash(v.Partition), v.Enabled, v.Actions, orDash(v.Condition))
				}
				tw.Flush()
			})
		},
	}
}
