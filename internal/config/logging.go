package config

import "formnerd/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // console, json
	File       string          `yaml:"file"`       // stderr when empty
	Categories map[string]bool `yaml:"categories"` // per-category toggles; missing means enabled
}

// LoggingOptions converts the section for logging.Initialize. verbose forces debug.
func (c *Config) LoggingOptions(verbose bool) logging.Options {
	level := c.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.Options{
		Level:      level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		Categories: c.Logging.Categories,
	}
}
