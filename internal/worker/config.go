// Package worker executes check jobs, persists their results and drives
// runtime state and incidents from them.
package worker

import (
	"time"

	"github.com/pulsewatch/pulsewatch/internal/anomaly"
)

// Config holds configuration for the check processor.
type Config struct {
	// Concurrency is the number of jobs of one batch executed at once.
	// Default: 8
	Concurrency int

	// JobTimeout bounds a whole job beyond the check's own timeout.
	// Default: 2 minutes
	JobTimeout time.Duration

	// Anomaly configures latency anomaly detection.
	Anomaly anomaly.Config
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 8,
		JobTimeout:  2 * time.Minute,
		Anomaly:     anomaly.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	return c
}
