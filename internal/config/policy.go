package config

import "github.com/gxo-labs/jsonl/internal/sink"

// GetSinkConfig maps the buffering keys onto a sink configuration. Unset keys
// stay zero so the sink applies its own defaults.
func (c *Config) GetSinkConfig() sink.Config {
	cfg := sink.Config{
		Policy:          sink.Backpressure(c.BackpressurePolicy),
		BlockTimeout:    parseDuration(c.BlockTimeout),
		DrainTimeout:    parseDuration(c.DrainTimeout),
		WriteRetryDelay: parseDuration(c.WriteRetryDelay),
	}
	if c.BufferCapacity != nil {
		cfg.Capacity = *c.BufferCapacity
	}
	if c.WriteAttempts != nil {
		cfg.WriteAttempts = *c.WriteAttempts
	}
	return cfg
}
