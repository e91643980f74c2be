package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command.
func NewStatusCmd(o *Options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [storage-root]",
		Short: "Show what the mirror holds and what is still outstanding",
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
			st, err := eng.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(cmd.OutOrStdout(), cfg.Storage.Root, st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}
