package main

import (
	"errors"
	"fmt"
	"os"

	"formnerd/internal/config"
	"formnerd/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	envFile    string

	// Resolved in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// errRunsFailed makes the process exit 1 after the summary was printed.
var errRunsFailed = errors.New("one or more scenarios failed")

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "formnerd",
	Short: "formnerd - resilient form automation and reconciliation",
	Long: `formnerd drives multi-step web forms from declarative YAML scenarios,
then reads back what the application displays and reconciles it against
what was entered.

Every wait is an explicit predicate, every control has ranked fallback
locators, and every difference between entered and displayed data is
reported as a finding rather than a crash.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env first so ${VAR} references in config and scenarios resolve
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		// Initialize logger
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(cfg.LoggingOptions(verbose)); err != nil {
			return err
		}
		logger.Debug("configuration loaded", zap.String("path", configPath), zap.String("driver", cfg.Browser.Driver))
		logging.Boot("formnerd starting (config=%s, driver=%s, mode=%s)", configPath, cfg.Browser.Driver, cfg.Execution.Mode)
		logging.BootDebug("ledger=%v artifacts=%s", cfg.Ledger.Enabled, cfg.Artifacts.Kind)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(browserCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRunsFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
