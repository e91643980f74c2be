// Package config handles loading and validation of regmirror.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/regmirror/internal/archive"
	"github.com/dwsmith1983/regmirror/internal/landing"
	"github.com/dwsmith1983/regmirror/internal/roster"
	"github.com/dwsmith1983/regmirror/internal/urlgen"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "regmirror.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REGMIRROR_"

// Defaults returns the configuration used for every key the file leaves out.
func Defaults() types.ProjectConfig {
	return types.ProjectConfig{
		Storage:       types.StorageConfig{Root: "mirror"},
		MaxConcurrent: 5,
		MaxRetries:    5,
		FlushEvery:    10,
		Scan:          types.ScanConfig{StartYear: 2021},
		Blackout:      types.BlackoutConfig{Month: 7},
		Recheck:       types.RecheckConfig{Mode: types.RecheckNewDates},
		Archive: types.ArchiveConfig{
			BaseURL:    urlgen.DefaultBaseURL,
			LandingURL: landing.DefaultURL,
			UserAgent:  archive.DefaultUserAgent,
			Timeout:    "30s",
		},
		Roster: types.RosterConfig{Enabled: true, BaseURL: roster.DefaultBaseURL},
		Lock:   types.LockConfig{Provider: types.LockStorage, TTL: "2h"},
		Log:    types.LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies REGMIRROR_* environment overrides and
// validates the result.
func Load(path string) (*types.ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data, os.LookupEnv)
}

// LoadOptional is Load for the implicit config file: a missing file yields the defaults.
func LoadOptional(path string) (*types.ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		data = nil
	} else if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data, os.LookupEnv)
}

func parse(data []byte, lookup func(string) (string, bool)) (*types.ProjectConfig, error) {
	cfg := Defaults()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *types.ProjectConfig, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("STORAGE_ROOT", &cfg.Storage.Root)
	str("S3_REGION", &cfg.Storage.S3.Region)
	str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	str("MAX_RUNTIME", &cfg.MaxRuntime)
	str("CALENDAR", &cfg.CalendarFile)
	str("ARCHIVE_BASE_URL", &cfg.Archive.BaseURL)
	str("LANDING_URL", &cfg.Archive.LandingURL)
	str("USER_AGENT", &cfg.Archive.UserAgent)
	str("ROSTER_BASE_URL", &cfg.Roster.BaseURL)
	str("LOCK_TABLE", &cfg.Lock.Table)
	str("LOCK_REGION", &cfg.Lock.Region)
	str("LOCK_ENDPOINT", &cfg.Lock.Endpoint)
	str("TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	if v, ok := lookup(EnvPrefix + "RECHECK_MODE"); ok {
		cfg.Recheck.Mode = types.RecheckMode(v)
	}
	if v, ok := lookup(EnvPrefix + "LOCK_PROVIDER"); ok {
		cfg.Lock.Provider = types.LockProvider(v)
	}
	if v, ok := lookup(EnvPrefix + "ROSTER_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sROSTER_ENABLED: %w", EnvPrefix, err)
		}
		cfg.Roster.Enabled = b
	}

	for key, dst := range map[string]*int{
		"MAX_CONCURRENT":  &cfg.MaxConcurrent,
		"MAX_RETRIES":     &cfg.MaxRetries,
		"FLUSH_EVERY":     &cfg.FlushEvery,
		"SCAN_START_YEAR": &cfg.Scan.StartYear,
		"SCAN_END_YEAR":   &cfg.Scan.EndYear,
		"BLACKOUT_MONTH":  &cfg.Blackout.Month,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first problem in cfg.
func Validate(cfg *types.ProjectConfig) error {
	if cfg.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if cfg.MaxConcurrent < 1 {
		return fmt.Errorf("maxConcurrent must be at least 1")
	}
	if cfg.MaxRetries < 1 {
		return fmt.Errorf("maxRetries must be at least 1")
	}
	if cfg.FlushEvery < 1 {
		return fmt.Errorf("flushEvery must be at least 1")
	}
	if _, err := Duration(cfg.MaxRuntime); err != nil {
		return fmt.Errorf("maxRuntime: %w", err)
	}
	if cfg.Scan.StartYear < 1990 {
		return fmt.Errorf("scan.startYear %d is before the archive exists", cfg.Scan.StartYear)
	}
	if cfg.Scan.EndYear != 0 && cfg.Scan.EndYear < cfg.Scan.StartYear {
		return fmt.Errorf("scan.endYear %d is before scan.startYear %d", cfg.Scan.EndYear, cfg.Scan.StartYear)
	}
	if cfg.Blackout.Month < 0 || cfg.Blackout.Month > 12 {
		return fmt.Errorf("blackout.month must be 1-12, or 0 to disable")
	}
	if cfg.Blackout.GraceDays < 0 {
		return fmt.Errorf("blackout.graceDays must not be negative")
	}

	switch cfg.Recheck.Mode {
	case types.RecheckNone, types.RecheckNewDates:
	case types.RecheckFull:
		d, err := Duration(cfg.Recheck.Interval)
		if err != nil {
			return fmt.Errorf("recheck.interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("recheck.interval is required when recheck.mode is full")
		}
	default:
		return fmt.Errorf("unknown recheck.mode %q", cfg.Recheck.Mode)
	}

	if cfg.Archive.BaseURL == "" {
		return fmt.Errorf("archive.baseURL is required")
	}
	if _, err := Duration(cfg.Archive.Timeout); err != nil {
		return fmt.Errorf("archive.timeout: %w", err)
	}
	if cfg.Archive.MaxBytes < 0 {
		return fmt.Errorf("archive.maxBytes must not be negative")
	}

	switch cfg.Lock.Provider {
	case types.LockNone, types.LockStorage:
	case types.LockDynamoDB:
		if cfg.Lock.Table == "" {
			return fmt.Errorf("lock.table is required when lock.provider is dynamodb")
		}
	default:
		return fmt.Errorf("unknown lock.provider %q", cfg.Lock.Provider)
	}
	if _, err := Duration(cfg.Lock.TTL); err != nil {
		return fmt.Errorf("lock.ttl: %w", err)
	}

	if _, err := LogLevel(cfg.Log.Level); err != nil {
		return err
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}
	return nil
}

// Duration parses a configuration duration. Empty and "0" mean zero.
func Duration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", s)
	}
	return d, nil
}

// LogLevel parses a slog level name.
func LogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
