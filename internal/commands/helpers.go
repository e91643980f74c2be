// Package commands implements the CLI subcommands for the regmirror binary.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/regmirror/internal/archive"
	"github.com/dwsmith1983/regmirror/internal/calendar"
	"github.com/dwsmith1983/regmirror/internal/config"
	"github.com/dwsmith1983/regmirror/internal/engine"
	"github.com/dwsmith1983/regmirror/internal/gaps"
	"github.com/dwsmith1983/regmirror/internal/lease"
	"github.com/dwsmith1983/regmirror/internal/retry"
	"github.com/dwsmith1983/regmirror/internal/roster"
	"github.com/dwsmith1983/regmirror/internal/storage"
	"github.com/dwsmith1983/regmirror/internal/urlgen"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// Options are the flags shared by every subcommand.
type Options struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Version    string
}

// BindFlags registers the shared flags on root.
func BindFlags(root *cobra.Command, version string) *Options {
	o := &Options{Version: version}
	root.PersistentFlags().StringVarP(&o.ConfigPath, "config", "c", "", "path to "+config.FileName+" (default ./"+config.FileName+" if present)")
	root.PersistentFlags().StringVar(&o.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&o.LogFormat, "log-format", "", "log format: text or json")
	return o
}

// load resolves the configuration: file, then environment, then flags and the optional
// storage-root argument.
func (o *Options) load(args []string) (*types.ProjectConfig, error) {
	var (
		cfg *types.ProjectConfig
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.Load(o.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(config.FileName)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if len(args) > 0 {
		cfg.Storage.Root = args[0]
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the slog logger described by cfg, writing to w.
func newLogger(cfg types.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.LogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func archiveClient(cfg *types.ProjectConfig, logger *slog.Logger) (*archive.Client, error) {
	timeout, err := config.Duration(cfg.Archive.Timeout)
	if err != nil {
		return nil, err
	}
	return archive.NewClient(
		archive.WithUserAgent(cfg.Archive.UserAgent),
		archive.WithTimeout(timeout),
		archive.WithMaxBytes(cfg.Archive.MaxBytes),
		archive.WithLogger(logger),
	), nil
}

// buildEngine wires the configured collaborators into an Engine.
func buildEngine(ctx context.Context, cfg *types.ProjectConfig, logger *slog.Logger) (*engine.Engine, storage.Backend, error) {
	backend, err := storage.Open(ctx, cfg.Storage.Root, cfg.Storage.S3)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}

	client, err := archiveClient(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var cal *calendar.Calendar
	if cfg.CalendarFile != "" {
		cal, err = calendar.LoadFile(cfg.CalendarFile, cfg.Blackout.Month, cfg.Blackout.GraceDays)
	} else {
		cal, err = calendar.New(cfg.Blackout.Month, cfg.Blackout.GraceDays)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading calendar: %w", err)
	}

	l, err := lease.Open(ctx, cfg.Lock, backend, backend.String())
	if err != nil {
		return nil, nil, fmt.Errorf("configuring lock: %w", err)
	}

	maxRuntime, _ := config.Duration(cfg.MaxRuntime)
	interval, _ := config.Duration(cfg.Recheck.Interval)
	ttl, _ := config.Duration(cfg.Lock.TTL)

	deps := engine.Deps{
		Backend:  backend,
		Archive:  client,
		Lease:    l,
		Calendar: cal,
		URLs:     urlgen.New(cfg.Archive.BaseURL),
	}
	if cfg.Roster.Enabled {
		// Separate client, separate breaker.
		rc, err := archiveClient(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		deps.Roster = roster.NewClient(rc, cfg.Roster.BaseURL, retry.DefaultPolicy(cfg.MaxRetries), logger)
	}

	eng := engine.New(deps, engine.Settings{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRetries:    cfg.MaxRetries,
		MaxRuntime:    maxRuntime,
		FlushEvery:    cfg.FlushEvery,
		ScanStart:     cfg.Scan.StartYear,
		ScanEnd:       cfg.Scan.EndYear,
		Recheck:       gaps.RecheckPolicy{Mode: cfg.Recheck.Mode, Interval: interval},
		LandingURL:    cfg.Archive.LandingURL,
		LeaseTTL:      ttl,
	}, logger)
	return eng, backend, nil
}

// prepare loads config and builds the logger; shared by every RunE.
func (o *Options) prepare(cmd *cobra.Command, args []string) (*types.ProjectConfig, *slog.Logger, error) {
	cfg, err := o.load(args)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}
