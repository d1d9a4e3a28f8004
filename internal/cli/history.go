package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ltth/actuator/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	DBPath   string
	DeviceID string
	ItemID   string
	State    string
	Limit    int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show queue item transitions from the audit log",
		Long: `List the most recent queue item transitions in the order they happened,
followed by per-state totals for the whole log.

Examples:
  actuator history --db ./actuator.db
  actuator history --db ./actuator.db --device D1 --state failed
  actuator history --db ./actuator.db --item 0192f1c4-... --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "./actuator.db", "path to the audit database")
	cmd.Flags().StringVar(&opts.DeviceID, "device", "", "filter by device id")
	cmd.Flags().StringVar(&opts.ItemID, "item", "", "filter by queue item id")
	cmd.Flags().StringVar(&opts.State, "state", "", "filter by state")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum rows to show")

	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := store.Open(opts.DBPath)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open audit database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := st.ListTransitions(ctx, store.Filter{
		DeviceID: opts.DeviceID,
		ItemID:   opts.ItemID,
		State:    opts.State,
		Limit:    opts.Limit,
	})
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to query audit log", err)
	}

	if formatter.JSON() {
		return formatter.Success(rows)
	}

	if len(rows) == 0 {
		return formatter.Success("No transitions recorded")
	}
	out := make([]table.Row, 0, len(rows))
	for _, t := range rows {
		out = append(out, table.Row{
			t.At.Format(time.RFC3339), t.ItemID, t.DeviceID, t.Kind,
			t.Intensity, t.DurationMs, t.Source, t.State, t.Reason,
		})
	}
	formatter.Table(table.Row{"At", "Item", "Device", "Kind", "Intensity", "Duration", "Source", "State", "Reason"}, out)

	counts, err := st.CountByState(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count transitions", err)
	}
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Strings(states)
	totals := make([]string, 0, len(states))
	for _, state := range states {
		totals = append(totals, fmt.Sprintf("%s=%d", state, counts[state]))
	}
	fmt.Fprintf(formatter.Writer, "Totals: %s\n", strings.Join(totals, " "))
	return nil
}
