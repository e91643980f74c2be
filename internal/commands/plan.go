package commands

import (
	"github.com/spf13/cobra"
)

// NewPlanCmd creates the plan command.
func NewPlanCmd(o *Options) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "plan [storage-root]",
		Short: "Print the worklist the next sync would start with",
		Long: `Plan runs the gap analysis without probing the archive or writing to storage.
The landing page is still read unless --offline is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := o.prepare(cmd, args)
			if err != nil {
				return err
			}
			eng, _, err := buildEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			plan, hits, err := eng.Plan(cmd.Context(), offline)
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), plan, hits)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the landing page")
	return cmd
}
