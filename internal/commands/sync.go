package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/regmirror/internal/config"
	"github.com/dwsmith1983/regmirror/internal/telemetry"
)

// NewSyncCmd creates the sync command.
func NewSyncCmd(o *Options) *cobra.Command {
	var (
		asJSON        bool
		maxConcurrent int
		maxRuntime    string
	)
	cmd := &cobra.Command{
		Use:   "sync [storage-root]",
		Short: "Discover and archive new register documents",
		Long: `Sync collects links from the landing page, probes the gaps between archived
dates with tiered escalation, and stores every document it finds. An interrupted
sync leaves a checkpoint and the next invocation resumes it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := o.prepare(cmd, args)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-concurrent") {
				cfg.MaxConcurrent = maxConcurrent
			}
			if cmd.Flags().Changed("max-runtime") {
				cfg.MaxRuntime = maxRuntime
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("validating flags: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, o.Version)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			eng, backend, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("sync starting", "storage", backend.String())

			summary, err := eng.Run(ctx)
			if summary != nil {
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(summary); encErr != nil {
						return encErr
					}
				} else {
					printSummary(cmd.OutOrStdout(), summary)
				}
			}
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run summary as JSON")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "concurrent probes and fetches")
	cmd.Flags().StringVar(&maxRuntime, "max-runtime", "", `stop dispatching after this long, e.g. "45m"`)
	return cmd
}
