// Package config handles configuration loading and validation for proctord.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Log configuration for the audit log itself.
	Log LogConfig `toml:"log" json:"log" yaml:"log"`

	// Session configuration for queueing and rotation.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Sentinel configuration for the log directory watcher.
	Sentinel SentinelConfig `toml:"sentinel" json:"sentinel" yaml:"sentinel"`

	// Logging configuration for process diagnostics.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// LogConfig locates the audit log and its secrets.
type LogConfig struct {
	// Dir holds the database, lock file and published public keys.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// SecretsDir holds the master key and per-session signing keys.
	SecretsDir string `toml:"secrets_dir" json:"secrets_dir" yaml:"secrets_dir"`
}

// SessionConfig tunes the writer.
type SessionConfig struct {
	// MaxSegmentRecords rotates a segment at this record count.
	MaxSegmentRecords int `toml:"max_segment_records" json:"max_segment_records" yaml:"max_segment_records"`

	// MaxSegmentAgeSec rotates a non-empty segment after this many seconds.
	MaxSegmentAgeSec int `toml:"max_segment_age_sec" json:"max_segment_age_sec" yaml:"max_segment_age_sec"`

	// QueueCapacity bounds the producer queue.
	QueueCapacity int `toml:"queue_capacity" json:"queue_capacity" yaml:"queue_capacity"`

	// MaxPersistRetries bounds persist attempts before failing closed.
	MaxPersistRetries int `toml:"max_persist_retries" json:"max_persist_retries" yaml:"max_persist_retries"`

	// RetryBaseDelayMs is the initial persist backoff in milliseconds.
	RetryBaseDelayMs int `toml:"retry_base_delay_ms" json:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
}

// SentinelConfig controls the log directory watcher.
type SentinelConfig struct {
	// Enabled turns the sentinel on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// LoggingConfig controls process diagnostics output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout" or "stderr".
	Output string `toml:"output" json:"output" yaml:"output"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Dir:        defaultDataPath("log"),
			SecretsDir: defaultDataPath("secrets"),
		},
		Session: SessionConfig{
			MaxSegmentRecords: 1000,
			MaxSegmentAgeSec:  60,
			QueueCapacity:     4096,
			MaxPersistRetries: 5,
			RetryBaseDelayMs:  100,
		},
		Sentinel: SentinelConfig{Enabled: true},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// defaultDataPath resolves a subdirectory under the XDG data home.
func defaultDataPath(sub string) string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "proctord", sub)
}

// ApplyEnvOverrides applies PROCTORD_* environment overrides on top of the
// loaded file values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PROCTORD_LOG_DIR"); v != "" {
		c.Log.Dir = v
	}
	if v := os.Getenv("PROCTORD_SECRETS_DIR"); v != "" {
		c.Log.SecretsDir = v
	}
	if v := os.Getenv("PROCTORD_MAX_SEGMENT_RECORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxSegmentRecords = n
		}
	}
	if v := os.Getenv("PROCTORD_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.QueueCapacity = n
		}
	}
	if v := os.Getenv("PROCTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROCTORD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.Log.Dir == "" {
		errs = append(errs, errors.New("log.dir must be set"))
	}
	if c.Log.SecretsDir == "" {
		errs = append(errs, errors.New("log.secrets_dir must be set"))
	}
	if c.Log.Dir != "" && c.Log.Dir == c.Log.SecretsDir {
		errs = append(errs, errors.New("log.dir and log.secrets_dir must differ: secrets never live beside the log"))
	}
	if c.Session.MaxSegmentRecords <= 0 {
		errs = append(errs, fmt.Errorf("session.max_segment_records must be positive, got %d", c.Session.MaxSegmentRecords))
	}
	if c.Session.MaxSegmentAgeSec <= 0 {
		errs = append(errs, fmt.Errorf("session.max_segment_age_sec must be positive, got %d", c.Session.MaxSegmentAgeSec))
	}
	if c.Session.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("session.queue_capacity must be positive, got %d", c.Session.QueueCapacity))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// MaxSegmentAge returns the rotation age as a duration.
func (c *Config) MaxSegmentAge() time.Duration {
	return time.Duration(c.Session.MaxSegmentAgeSec) * time.Second
}

// RetryBaseDelay returns the persist backoff base as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Session.RetryBaseDelayMs) * time.Millisecond
}

// EnsureDirectories creates the log and secrets directories. The secrets
// directory is created owner-only.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Log.Dir, 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	if err := os.MkdirAll(c.Log.SecretsDir, 0700); err != nil {
		return fmt.Errorf("create secrets directory: %w", err)
	}
	return nil
}
