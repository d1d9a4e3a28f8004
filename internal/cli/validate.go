package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ltth/actuator/internal/config"
	"github.com/ltth/actuator/internal/safety"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// RuleCheck is the validation outcome of one mapping or pattern.
type RuleCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok" | "invalid"
	Error  string `json:"error,omitempty"`
}

// ValidationResult is the payload of the validate command.
type ValidationResult struct {
	File     string        `json:"file"`
	Valid    bool          `json:"valid"`
	Limits   safety.Limits `json:"limits"`
	Mappings []RuleCheck   `json:"mappings"`
	Patterns []RuleCheck   `json:"patterns"`
}

// Invalid counts the rules that failed validation.
func (r *ValidationResult) Invalid() int {
	n := 0
	for _, c := range r.Mappings {
		if c.Status != "ok" {
			n++
		}
	}
	for _, c := range r.Patterns {
		if c.Status != "ok" {
			n++
		}
	}
	return n
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <rules-file>",
		Short: "Validate a rules file",
		Long: `Check a rules file against the schema and validate every mapping and
pattern in it. A running service skips invalid rules; this command
reports them.

Examples:
  actuator validate ./rules.yaml
  actuator validate ./rules.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts, args[0])
		},
	}

	return cmd
}

func runValidate(cmd *cobra.Command, opts *ValidateOptions, path string) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	formatter.VerboseLog("Validating %s", path)

	rules, err := config.LoadRules(path)
	if err != nil {
		var rerr *config.RulesError
		details := map[string]string{}
		if errors.As(err, &rerr) {
			details["code"] = rerr.Code
			if rerr.Path != "" {
				details["path"] = rerr.Path
			}
		}
		if outErr := formatter.Error(ErrCodeRules, err.Error(), details); outErr != nil {
			return outErr
		}
		if errors.Is(err, fs.ErrNotExist) {
			return WrapExitError(ExitCommandError, "failed to read rules", err)
		}
		return WrapExitError(ExitFailure, "rules file invalid", err)
	}

	result := checkRules(path, rules)

	if formatter.JSON() {
		if result.Valid {
			return formatter.Success(result)
		}
		msg := fmt.Sprintf("%d of %d rules invalid", result.Invalid(), len(result.Mappings)+len(result.Patterns))
		if err := formatter.Error(ErrCodeInvalid, msg, result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	printValidation(formatter, result)
	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d rules invalid", result.Invalid()))
	}
	return nil
}

// checkRules validates each mapping and pattern and flags duplicate names.
func checkRules(path string, rules *config.Rules) *ValidationResult {
	result := &ValidationResult{
		File:     path,
		Valid:    true,
		Limits:   rules.Limits,
		Mappings: make([]RuleCheck, 0, len(rules.Mappings)),
		Patterns: make([]RuleCheck, 0, len(rules.Patterns)),
	}

	seen := make(map[string]bool)
	for _, m := range rules.Mappings {
		check := RuleCheck{Name: m.ID, Status: "ok"}
		switch err := m.Validate(); {
		case err != nil:
			check.Status, check.Error = "invalid", err.Error()
		case seen[m.ID]:
			check.Status, check.Error = "invalid", fmt.Sprintf("duplicate mapping id %q", m.ID)
		}
		seen[m.ID] = true
		result.Mappings = append(result.Mappings, check)
	}

	seen = make(map[string]bool)
	for _, p := range rules.Patterns {
		check := RuleCheck{Name: p.Name, Status: "ok"}
		switch err := p.Validate(); {
		case err != nil:
			check.Status, check.Error = "invalid", err.Error()
		case seen[p.Name]:
			check.Status, check.Error = "invalid", fmt.Sprintf("duplicate pattern name %q", p.Name)
		}
		seen[p.Name] = true
		result.Patterns = append(result.Patterns, check)
	}

	result.Valid = result.Invalid() == 0
	return result
}

func printValidation(f *OutputFormatter, r *ValidationResult) {
	rows := make([]table.Row, 0, len(r.Mappings)+len(r.Patterns))
	for _, c := range r.Mappings {
		rows = append(rows, table.Row{"mapping", c.Name, c.Status, c.Error})
	}
	for _, c := range r.Patterns {
		rows = append(rows, table.Row{"pattern", c.Name, c.Status, c.Error})
	}
	if len(rows) > 0 {
		f.Table(table.Row{"Type", "Name", "Status", "Error"}, rows)
	}

	l := r.Limits
	fmt.Fprintf(f.Writer, "Limits: max_intensity=%d max_duration_ms=%d daily_cap=%d\n",
		l.MaxIntensity, l.MaxDurationMs, l.DailyCap)
	if r.Valid {
		fmt.Fprintf(f.Writer, "✓ %s: %d mappings, %d patterns\n", r.File, len(r.Mappings), len(r.Patterns))
		return
	}
	fmt.Fprintf(f.Writer, "✗ %s: %d rules invalid\n", r.File, r.Invalid())
}
