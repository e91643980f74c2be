package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/regmirror/internal/urlgen"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoad(t *testing.T) {
	path := writeConfig(t, `storage:
  root: s3://registers/mirror
  s3:
    region: eu-north-1
maxConcurrent: 8
maxRuntime: 45m
scan:
  startYear: 2019
recheck:
  mode: full
  interval: 720h
lock:
  provider: dynamodb
  table: regmirror-locks
log:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3://registers/mirror", cfg.Storage.Root)
	assert.Equal(t, "eu-north-1", cfg.Storage.S3.Region)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, "45m", cfg.MaxRuntime)
	assert.Equal(t, 2019, cfg.Scan.StartYear)
	assert.Equal(t, types.RecheckFull, cfg.Recheck.Mode)
	assert.Equal(t, types.LockDynamoDB, cfg.Lock.Provider)
	assert.Equal(t, "json", cfg.Log.Format)

	// Keys the file leaves out keep their defaults.
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 10, cfg.FlushEvery)
	assert.Equal(t, 7, cfg.Blackout.Month)
	assert.Equal(t, urlgen.DefaultBaseURL, cfg.Archive.BaseURL)
	assert.True(t, cfg.Roster.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/regmirror.yaml")
	assert.Error(t, err)
}

func TestLoadOptional_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Storage.Root, cfg.Storage.Root)
	assert.Equal(t, types.RecheckNewDates, cfg.Recheck.Mode)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "storage: [yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"REGMIRROR_STORAGE_ROOT":   "/srv/mirror",
		"REGMIRROR_MAX_CONCURRENT": "2",
		"REGMIRROR_BLACKOUT_MONTH": "0",
		"REGMIRROR_ROSTER_ENABLED": "false",
		"REGMIRROR_LOCK_PROVIDER":  "none",
		"REGMIRROR_LOG_LEVEL":      "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg, err := parse([]byte("storage:\n  root: ./from-file\nmaxConcurrent: 9\n"), lookup)
	require.NoError(t, err)
	assert.Equal(t, "/srv/mirror", cfg.Storage.Root)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Zero(t, cfg.Blackout.Month)
	assert.False(t, cfg.Roster.Enabled)
	assert.Equal(t, types.LockNone, cfg.Lock.Provider)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverrides_BadNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "REGMIRROR_MAX_RETRIES" {
			return "many", true
		}
		return "", false
	}
	_, err := parse(nil, lookup)
	assert.ErrorContains(t, err, "REGMIRROR_MAX_RETRIES")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty root", "storage:\n  root: \"\"\n", "storage.root"},
		{"zero concurrency", "maxConcurrent: 0\n", "maxConcurrent"},
		{"bad runtime", "maxRuntime: soon\n", "maxRuntime"},
		{"end before start", "scan:\n  startYear: 2022\n  endYear: 2020\n", "scan.endYear"},
		{"blackout month", "blackout:\n  month: 13\n", "blackout.month"},
		{"full recheck without interval", "recheck:\n  mode: full\n", "recheck.interval"},
		{"unknown recheck", "recheck:\n  mode: sometimes\n", "recheck.mode"},
		{"dynamodb without table", "lock:\n  provider: dynamodb\n", "lock.table"},
		{"unknown lock", "lock:\n  provider: etcd\n", "lock.provider"},
		{"log format", "log:\n  format: xml\n", "log.format"},
		{"log level", "log:\n  level: loud\n", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse([]byte(tt.yaml), noEnv)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration(t *testing.T) {
	for in, want := range map[string]time.Duration{"": 0, "0": 0, "90s": 90 * time.Second, "2h": 2 * time.Hour} {
		got, err := Duration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := Duration("-5m")
	assert.Error(t, err)
}

func TestLogLevel(t *testing.T) {
	l, err := LogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)
}
