package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ltth/actuator/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
}

// SimulateResult is the payload of the simulate command.
type SimulateResult struct {
	Scenario string `json:"scenario"`
	*harness.Result
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario-file>",
		Short: "Replay a scenario against the safety rules on a virtual clock",
		Long: `Run a scenario file through the mapping, pattern and safety logic with a
virtual clock and no devices, print the decision trace, and check the
scenario's assertions.

Exit codes:
  0 - all assertions passed
  1 - one or more assertions failed
  2 - the scenario or its rules could not be loaded

Examples:
  actuator simulate ./scenarios/gift_burst.yaml
  actuator simulate ./scenarios/gift_burst.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, opts, args[0])
		},
	}

	return cmd
}

func runSimulate(cmd *cobra.Command, opts *SimulateOptions, path string) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error(ErrCodeScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	formatter.VerboseLog("Running scenario %s (%d steps, %d assertions)",
		scenario.Name, len(scenario.Steps), len(scenario.Assertions))

	result, err := harness.Run(scenario)
	if err != nil {
		_ = formatter.Error(ErrCodeScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}
	out := SimulateResult{Scenario: scenario.Name, Result: result}

	if formatter.JSON() {
		if result.Pass {
			return formatter.Success(out)
		}
		if err := formatter.Error(ErrCodeScenario, "assertions failed", out); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "assertions failed")
	}

	printTrace(formatter, out)
	if !result.Pass {
		return NewExitError(ExitFailure, "assertions failed")
	}
	return nil
}

func printTrace(f *OutputFormatter, r SimulateResult) {
	rows := make([]table.Row, 0, len(r.Trace))
	for _, e := range r.Trace {
		rows = append(rows, table.Row{
			fmt.Sprintf("%dms", e.AtMs), e.Source, e.Device, e.Kind,
			e.Intensity, e.DurationMs, e.Outcome, e.Reason,
		})
	}
	f.Table(table.Row{"At", "Source", "Device", "Kind", "Intensity", "Duration", "Outcome", "Reason"}, rows)

	for _, w := range r.Warnings {
		fmt.Fprintf(f.Writer, "warning: %s\n", w)
	}
	if r.Pass {
		fmt.Fprintf(f.Writer, "✓ %s: %d actions, all assertions passed\n", r.Scenario, len(r.Trace))
		return
	}
	fmt.Fprintf(f.Writer, "✗ %s: %d assertion failures\n", r.Scenario, len(r.Errors))
	for _, e := range r.Errors {
		fmt.Fprintf(f.Writer, "  - %s\n", e)
	}
}
