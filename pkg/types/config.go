package types

// ProjectConfig is the top-level regmirror.yaml configuration.
type ProjectConfig struct {
	Storage       StorageConfig   `yaml:"storage" json:"storage"`
	MaxConcurrent int             `yaml:"maxConcurrent" json:"maxConcurrent"`
	MaxRetries    int             `yaml:"maxRetries" json:"maxRetries"`
	MaxRuntime    string          `yaml:"maxRuntime,omitempty" json:"maxRuntime,omitempty"` // e.g. "45m"; empty or "0" = unlimited
	FlushEvery    int             `yaml:"flushEvery,omitempty" json:"flushEvery,omitempty"`
	Scan          ScanConfig      `yaml:"scan" json:"scan"`
	Blackout      BlackoutConfig  `yaml:"blackout" json:"blackout"`
	CalendarFile  string          `yaml:"calendar,omitempty" json:"calendar,omitempty"` // extra excluded days, see calendar.LoadFile
	Recheck       RecheckConfig   `yaml:"recheck" json:"recheck"`
	Archive       ArchiveConfig   `yaml:"archive" json:"archive"`
	Roster        RosterConfig    `yaml:"roster" json:"roster"`
	Lock          LockConfig      `yaml:"lock" json:"lock"`
	Telemetry     TelemetryConfig `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
	Log           LogConfig       `yaml:"log" json:"log"`
}

// StorageConfig locates the mirror. Root is a local path or s3://bucket/prefix.
type StorageConfig struct {
	Root string   `yaml:"root" json:"root"`
	S3   S3Config `yaml:"s3,omitempty" json:"s3,omitempty"`
}

// S3Config tunes the S3 backend.
type S3Config struct {
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"` // MinIO and other S3-compatible stores
}

// ScanConfig bounds the initial full-range scan used when the manifest is empty.
type ScanConfig struct {
	StartYear int `yaml:"startYear" json:"startYear"`
	EndYear   int `yaml:"endYear,omitempty" json:"endYear,omitempty"` // 0 = current year
}

// BlackoutConfig names the month in which nothing is published.
type BlackoutConfig struct {
	Month     int `yaml:"month" json:"month"` // 1-12, 0 disables
	GraceDays int `yaml:"graceDays,omitempty" json:"graceDays,omitempty"`
}

// RecheckConfig decides whether exhausted (tier2) windows are probed again.
type RecheckConfig struct {
	Mode     RecheckMode `yaml:"mode" json:"mode"`
	Interval string      `yaml:"interval,omitempty" json:"interval,omitempty"` // only for mode "full"
}

// ArchiveConfig describes the remote archive.
type ArchiveConfig struct {
	BaseURL    string `yaml:"baseURL" json:"baseURL"`
	LandingURL string `yaml:"landingURL" json:"landingURL"`
	UserAgent  string `yaml:"userAgent,omitempty" json:"userAgent,omitempty"`
	Timeout    string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxBytes   int64  `yaml:"maxBytes,omitempty" json:"maxBytes,omitempty"`
}

// RosterConfig controls population snapshots.
type RosterConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	BaseURL string `yaml:"baseURL" json:"baseURL"`
}

// LockConfig selects the single-run guard.
type LockConfig struct {
	Provider LockProvider `yaml:"provider" json:"provider"`
	Table    string       `yaml:"table,omitempty" json:"table,omitempty"`
	Region   string       `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string       `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	TTL      string       `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// TelemetryConfig enables OTLP export of traces and metrics.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "text" or "json"
}
