package config

import (
	"fmt"
	"strings"

	"formnerd/internal/artifacts"
)

// LedgerConfig configures the SQLite run history.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path    string `yaml:"path"`
}

// ValidLedgerDrivers lists the database/sql driver names the ledger accepts.
var ValidLedgerDrivers = []string{"sqlite", "sqlite3"}

// Artifact store kinds.
const (
	ArtifactsNone = "none"
	ArtifactsDir  = "dir"
	ArtifactsS3   = "s3"
)

// ArtifactsConfig selects where reports and screenshots are written.
type ArtifactsConfig struct {
	Kind string             `yaml:"kind"` // none, dir, s3
	Dir  string             `yaml:"dir"`
	S3   artifacts.S3Config `yaml:"s3"`
}

func (a ArtifactsConfig) validate() error {
	switch a.Kind {
	case ArtifactsNone, "":
		return nil
	case ArtifactsDir:
		if strings.TrimSpace(a.Dir) == "" {
			return fmt.Errorf("artifacts.dir is empty")
		}
		return nil
	case ArtifactsS3:
		if strings.TrimSpace(a.S3.Bucket) == "" {
			return fmt.Errorf("artifacts.s3.bucket is empty")
		}
		return nil
	default:
		return fmt.Errorf("invalid artifacts kind: %s (valid: none, dir, s3)", a.Kind)
	}
}
