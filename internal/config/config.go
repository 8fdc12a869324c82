// Package config loads the emitter configuration file.
package config

import (
	"time"

	"github.com/gxo-labs/jsonl/internal/cleaner"
	"github.com/gxo-labs/jsonl/internal/secrets"
	"github.com/gxo-labs/jsonl/internal/serializer"
	"github.com/gxo-labs/jsonl/internal/verbosity"
)

// Config is the top-level structure of a jsonl configuration file. Optional
// scalars are pointers so that an absent key can be told apart from a zero.
type Config struct {
	SchemaVersion      string              `yaml:"schemaVersion"`
	Verbosity          *int                `yaml:"verbosity,omitempty"`
	BufferCapacity     *int                `yaml:"buffer_capacity,omitempty"`
	BackpressurePolicy string              `yaml:"backpressure_policy,omitempty"`
	BlockTimeout       string              `yaml:"block_timeout,omitempty"`
	DrainTimeout       string              `yaml:"drain_timeout,omitempty"`
	WriteAttempts      *int                `yaml:"write_attempts,omitempty"`
	WriteRetryDelay    string              `yaml:"write_retry_delay,omitempty"`
	ActionWarnings     *bool               `yaml:"action_warnings,omitempty"`
	RedactedKeywords   []string            `yaml:"redacted_keywords,omitempty"`
	SecretEnv          []string            `yaml:"secret_env,omitempty"`
	Denylist           map[string][]string `yaml:"denylist,omitempty"`
	Styles             *serializer.Palette `yaml:"styles,omitempty"`
	LogLevel           string              `yaml:"log_level,omitempty"`
	LogFormat          string              `yaml:"log_format,omitempty"`

	// FilePath is the source of the configuration, for error messages.
	FilePath string `yaml:"-"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{SchemaVersion: SupportedSchemaVersionConstraint}
}

// GetVerbosity returns the default verbosity level (0 when unset).
func (c *Config) GetVerbosity() verbosity.Level {
	if c.Verbosity != nil && *c.Verbosity > 0 {
		return verbosity.Level(*c.Verbosity)
	}
	return verbosity.Default
}

// GetActionWarnings reports whether warnings and deprecations are surfaced
// (true when unset).
func (c *Config) GetActionWarnings() bool {
	if c.ActionWarnings != nil {
		return *c.ActionWarnings
	}
	return true
}

// GetPalette returns the configured styles with the stock colors filling gaps.
func (c *Config) GetPalette() serializer.Palette {
	if c.Styles == nil {
		return serializer.DefaultPalette()
	}
	return c.Styles.Merge(serializer.DefaultPalette())
}

// GetCleanerConfig builds the cleaner configuration. An absent keyword list or
// denylist selects the built-in defaults; an explicit empty list disables them.
func (c *Config) GetCleanerConfig(tracker *secrets.SecretTracker) cleaner.Config {
	return cleaner.Config{
		Denylist:         c.Denylist,
		RedactedKeywords: c.RedactedKeywords,
		Tracker:          tracker,
	}
}

// GetSecretEnv returns the environment variables whose values are tracked as
// secrets.
func (c *Config) GetSecretEnv() []string {
	return c.SecretEnv
}

// GetLogLevel returns the operational log level ("info" when unset).
func (c *Config) GetLogLevel() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// GetLogFormat returns "text" or "json" ("text" when unset).
func (c *Config) GetLogFormat() string {
	if c.LogFormat == "" {
		return "text"
	}
	return c.LogFormat
}

// parseDuration returns 0 for an empty or invalid string. Invalid values are
// rejected by validation before any getter runs.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
