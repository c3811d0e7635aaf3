package cmd

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/lifesim/datarecording"
	"github.com/sarchlab/lifesim/tracing"
)

func newReportCmd() *cobra.Command {
	var numTicks int

	reportCmd := &cobra.Command{
		Use:   "report <recording.sqlite3>",
		Short: "Summarize a recorded run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := datarecording.NewReader(args[0])
			if err != nil {
				return err
			}
			defer reader.Close()

			return report(cmd, reader, numTicks)
		},
	}

	reportCmd.Flags().IntVar(&numTicks, "last", 5,
		"Number of latest ticks to print.")

	return reportCmd
}

func report(cmd *cobra.Command, reader datarecording.DataReader, numTicks int) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	tables, err := reader.ListTables()
	if err != nil {
		return err
	}

	if slices.Contains(tables, datarecording.RunInfoTable) {
		reader.MapTable(datarecording.RunInfoTable, datarecording.RunInfo{})

		infos, _, err := reader.Query(ctx, datarecording.RunInfoTable,
			datarecording.QueryParams{})
		if err != nil {
			return err
		}

		for _, i := range infos {
			info := i.(*datarecording.RunInfo)
			fmt.Fprintf(out, "%s: %s\n", info.Property, info.Value)
		}
	}

	if !slices.Contains(tables, tracing.TickTable) {
		return fmt.Errorf("recording has no %s table", tracing.TickTable)
	}

	reader.MapTable(tracing.TickTable, tracing.TickEntry{})

	ticks, total, err := reader.Query(ctx, tracing.TickTable,
		datarecording.QueryParams{OrderBy: "Tick DESC", Limit: numTicks})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d ticks recorded\n", total)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TICK\tTIME\tSTEP\tFIRED\tPOST-TICK")

	for i := len(ticks) - 1; i >= 0; i-- {
		t := ticks[i].(*tracing.TickEntry)
		fmt.Fprintf(w, "%d\t%g\t%g\t%d\t%d\n",
			t.Tick, t.Time, t.Step, t.Fired, t.PostTickRuns)
	}

	return w.Flush()
}
