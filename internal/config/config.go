// Package config loads formnerd configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"formnerd/internal/browser"
	"formnerd/internal/form"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for configuration when --config is not given.
const DefaultPath = ".formnerd/config.yaml"

// Config holds all formnerd configuration.
type Config struct {
	// BaseURL is prepended to scenario start and verify paths that are not absolute URLs.
	BaseURL string `yaml:"base_url"`

	Browser   browser.Config  `yaml:"browser"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Execution ExecutionConfig `yaml:"execution"`
	Logging   LoggingConfig   `yaml:"logging"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
}

// ExecutionConfig controls how scenarios are run.
type ExecutionConfig struct {
	Mode        string `yaml:"mode"`        // best_effort, strict
	Parallelism int    `yaml:"parallelism"` // scenarios run at once, each in its own browser
	TempDir     string `yaml:"temp_dir"`    // root for generated upload files; empty uses os.TempDir
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: browser.DefaultConfig(),
		Timeouts: TimeoutsConfig{
			Resolve:   "10s",
			Step:      "30s",
			Poll:      "100ms",
			Capture:   "15s",
			SettleMax: "5s",
		},
		Execution: ExecutionConfig{
			Mode:        string(form.BestEffort),
			Parallelism: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Ledger: LedgerConfig{
			Enabled: true,
			Driver:  "sqlite",
			Path:    ".formnerd/ledger.db",
		},
		Artifacts: ArtifactsConfig{
			Kind: ArtifactsDir,
			Dir:  ".formnerd/artifacts",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORMNERD_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("FORMNERD_MODE"); v != "" {
		c.Execution.Mode = v
	}
	if v := os.Getenv("FORMNERD_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Execution.Parallelism = n
		}
	}

	// Browser
	if v := os.Getenv("FORMNERD_DRIVER"); v != "" {
		c.Browser.Driver = v
	}
	if v := os.Getenv("FORMNERD_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
	if v := os.Getenv("FORMNERD_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}

	if v := os.Getenv("FORMNERD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FORMNERD_LEDGER_PATH"); v != "" {
		c.Ledger.Path = v
	}

	// Artifacts; setting a bucket switches the store to S3.
	if v := os.Getenv("FORMNERD_ARTIFACTS_DIR"); v != "" {
		c.Artifacts.Dir = v
	}
	if v := os.Getenv("FORMNERD_S3_BUCKET"); v != "" {
		c.Artifacts.S3.Bucket = v
		c.Artifacts.Kind = ArtifactsS3
	}
	if v := os.Getenv("FORMNERD_S3_ENDPOINT"); v != "" {
		c.Artifacts.S3.Endpoint = v
		c.Artifacts.S3.UsePathStyle = true
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.Artifacts.S3.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		c.Artifacts.S3.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		c.Artifacts.S3.SecretAccessKey = v
	}
}

// GetMode returns the parsed execution mode.
func (c *Config) GetMode() (form.Mode, error) {
	return form.ParseMode(c.Execution.Mode)
}

// GetParallelism returns the scenario concurrency, at least 1.
func (c *Config) GetParallelism() int {
	if c.Execution.Parallelism < 1 {
		return 1
	}
	return c.Execution.Parallelism
}

// ValidDrivers lists the supported browser drivers.
var ValidDrivers = []string{"rod", "playwright"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.GetMode(); err != nil {
		errs = append(errs, err)
	}
	if !contains(ValidDrivers, c.Browser.Driver) {
		errs = append(errs, fmt.Errorf("invalid browser driver: %s (valid: %v)", c.Browser.Driver, ValidDrivers))
	}
	if err := c.Timeouts.validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.Enabled {
		if !contains(ValidLedgerDrivers, c.Ledger.Driver) {
			errs = append(errs, fmt.Errorf("invalid ledger driver: %s (valid: %v)", c.Ledger.Driver, ValidLedgerDrivers))
		}
		if strings.TrimSpace(c.Ledger.Path) == "" {
			errs = append(errs, errors.New("ledger path is empty"))
		}
	}
	if err := c.Artifacts.validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
