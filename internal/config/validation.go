package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gxo-labs/jsonl/internal/logger"
	"github.com/gxo-labs/jsonl/internal/sink"
	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
)

// ValidateStructure checks the rules the schema cannot express and returns
// every violation found.
func ValidateStructure(c *Config) []error {
	var errs []error

	if c.Verbosity != nil && *c.Verbosity < 0 {
		errs = append(errs, jsonlerrors.NewValidationError(fmt.Sprintf("verbosity must not be negative, got %d", *c.Verbosity), nil))
	}
	if c.BufferCapacity != nil && *c.BufferCapacity < 1 {
		errs = append(errs, jsonlerrors.NewValidationError(fmt.Sprintf("buffer_capacity must be at least 1, got %d", *c.BufferCapacity), nil))
	}
	if c.WriteAttempts != nil && *c.WriteAttempts < 1 {
		errs = append(errs, jsonlerrors.NewValidationError(fmt.Sprintf("write_attempts must be at least 1, got %d", *c.WriteAttempts), nil))
	}
	if _, err := sink.ParseBackpressure(c.BackpressurePolicy); err != nil {
		errs = append(errs, jsonlerrors.NewValidationError(err.Error(), err))
	}

	for key, val := range map[string]string{
		"block_timeout":     c.BlockTimeout,
		"drain_timeout":     c.DrainTimeout,
		"write_retry_delay": c.WriteRetryDelay,
	} {
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = append(errs, jsonlerrors.NewValidationError(fmt.Sprintf("invalid format for '%s': %v", key, err), nil))
		} else if d <= 0 {
			errs = append(errs, jsonlerrors.NewValidationError(fmt.Sprintf("'%s' must be positive, got %v", key, d), nil))
		}
	}

	for i, kw := range c.RedactedKeywords {
		if strings.TrimSpace(kw) == "" {
			errs = append(errs, jsonlerrors.NewValidationError(fmt.Sprintf("redacted_keywords[%d] must not be blank", i), nil))
		}
	}
	for i, name := range c.SecretEnv {
		if strings.TrimSpace(name) == "" || strings.Contains(name, "=") {
			errs = append(errs, jsonlerrors.NewValidationError(fmt.Sprintf("secret_env[%d] is not a valid variable name: '%s'", i, name), nil))
		}
	}
	for action, keys := range c.Denylist {
		if strings.TrimSpace(action) == "" {
			errs = append(errs, jsonlerrors.NewValidationError("denylist action names must not be blank", nil))
		}
		for _, k := range keys {
			if strings.TrimSpace(k) == "" {
				errs = append(errs, jsonlerrors.NewValidationError(fmt.Sprintf("denylist for action '%s' contains a blank key", action), nil))
			}
		}
	}

	if c.LogLevel != "" && !logger.IsValidLevel(c.LogLevel) {
		errs = append(errs, jsonlerrors.NewValidationError(fmt.Sprintf("unknown log_level '%s'", c.LogLevel), nil))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, jsonlerrors.NewValidationError(fmt.Sprintf("unknown log_format '%s' (want text or json)", c.LogFormat), nil))
	}
	return errs
}
