package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/regmirror/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "regmirror",
		Short: "Mirror the Storting register of interests archive",
		Long: `Regmirror keeps a complete local or S3 copy of the published registers of
members' financial interests. It reads the landing page for recent documents,
probes the gaps between archived dates with tiered escalation, and records every
document in a manifest together with the roster in scope on its date.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts := commands.BindFlags(root, version)

	root.AddCommand(
		commands.NewSyncCmd(opts),
		commands.NewStatusCmd(opts),
		commands.NewBackfillCmd(opts),
		commands.NewPlanCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
