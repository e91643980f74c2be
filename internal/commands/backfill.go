package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewBackfillCmd creates the backfill command.
func NewBackfillCmd(o *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill [storage-root]",
		Short: "Fetch population snapshots for archived dates that have none",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := o.prepare(cmd, args)
			if err != nil {
				return err
			}
			eng, _, err := buildEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			sum, err := eng.Backfill(cmd.Context())
			if sum != nil {
				w := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(w, "Population snapshots: %s of %d missing\n",
					color.GreenString("%d filled", sum.Filled), sum.Missing)
				printFailures(w, sum.Failures)
			}
			return err
		},
	}
}
