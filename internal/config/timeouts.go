package config

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutsConfig holds the synchronization budgets as Go duration strings.
type TimeoutsConfig struct {
	Resolve   string `yaml:"resolve"`    // per field, shared by all candidates
	Step      string `yaml:"step"`       // success/failure race after submit
	Poll      string `yaml:"poll"`       // predicate polling interval
	Capture   string `yaml:"capture"`    // per captured section
	SettleMax string `yaml:"settle_max"` // upper bound for settle_after
}

// GetResolveTimeout returns the resolve timeout as a duration.
func (c *Config) GetResolveTimeout() time.Duration {
	return parseDuration(c.Timeouts.Resolve, 10*time.Second)
}

// GetStepTimeout returns the step timeout as a duration.
func (c *Config) GetStepTimeout() time.Duration {
	return parseDuration(c.Timeouts.Step, 30*time.Second)
}

// GetPollInterval returns the poll interval as a duration.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Timeouts.Poll, 100*time.Millisecond)
}

// GetCaptureTimeout returns the per-section capture timeout as a duration.
func (c *Config) GetCaptureTimeout() time.Duration {
	return parseDuration(c.Timeouts.Capture, 15*time.Second)
}

// GetSettleMax returns the settle cap as a duration.
func (c *Config) GetSettleMax() time.Duration {
	return parseDuration(c.Timeouts.SettleMax, 5*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (t TimeoutsConfig) validate() error {
	var errs []error
	for _, f := range []struct{ name, val string }{
		{"resolve", t.Resolve},
		{"step", t.Step},
		{"poll", t.Poll},
		{"capture", t.Capture},
		{"settle_max", t.SettleMax},
	} {
		if f.val == "" {
			continue
		}
		d, err := time.ParseDuration(f.val)
		if err != nil {
			errs = append(errs, fmt.Errorf("timeouts.%s: %w", f.name, err))
			continue
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive, got %s", f.name, f.val))
		}
	}
	return errors.Join(errs...)
}
