package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/lifesim/examples/habitat"
	"github.com/sarchlab/lifesim/sim"
)

func newLayoutCmd() *cobra.Command {
	var usedOnly bool

	layoutCmd := &cobra.Command{
		Use:   "layout",
		Short: "Print the post-tick levels in drain order.",
		Long: "`layout` prints every post-tick level with the number of " +
			"slots the habitat model registers at it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timer := sim.MakeBuilder().Build()
			if _, err := habitat.MakeBuilder().Build(timer); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GROUP\tLEVEL\tSLOTS")

			for _, l := range timer.PostTickLevels() {
				if usedOnly && l.Slots == 0 {
					continue
				}

				fmt.Fprintf(w, "%s\t%s\t%d\n", l.Group, l.Level, l.Slots)
			}

			return w.Flush()
		},
	}

	layoutCmd.Flags().BoolVar(&usedOnly, "used", false,
		"Only print the levels that have slots.")

	return layoutCmd
}
