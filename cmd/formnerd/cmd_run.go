package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"formnerd/cmd/formnerd/ui"
	"formnerd/internal/artifacts"
	"formnerd/internal/config"
	"formnerd/internal/ledger"
	"formnerd/internal/report"
	"formnerd/internal/runner"
	"formnerd/internal/scenario"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// =============================================================================
// RUN - execute scenarios end to end
// =============================================================================

var (
	runMode     string
	runDriver   string
	runHeadless bool
	runParallel int
	runNoLedger bool
)

var runCmd = &cobra.Command{
	Use:   "run SCENARIO...",
	Short: "Run scenarios and reconcile what the application displays",
	Long: `Runs every scenario file (or every *.yaml in a directory) in its own
browser session, prints a summary and records each run in the ledger and
artifact store.

Exit status is 1 when any scenario failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScenarios,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "Execution mode: best_effort or strict")
	runCmd.Flags().StringVar(&runDriver, "driver", "", "Browser driver: rod or playwright")
	runCmd.Flags().BoolVar(&runHeadless, "headless", true, "Run the browser without a window")
	runCmd.Flags().IntVarP(&runParallel, "parallel", "p", 0, "Scenarios to run at once")
	runCmd.Flags().BoolVar(&runNoLedger, "no-ledger", false, "Do not record runs in the ledger")
}

func runScenarios(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	scenarios, err := scenario.LoadAll(args...)
	if err != nil {
		return err
	}
	if len(scenarios) == 0 {
		return fmt.Errorf("no scenarios found in %v", args)
	}

	opts, err := runner.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	sk, err := openSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer sk.Close()
	opts.Reporter = sk.Reporter()
	opts.Artifacts = sk.store

	logger.Info("running scenarios",
		zap.Int("count", len(scenarios)),
		zap.String("mode", string(opts.Mode)),
		zap.Int("parallelism", opts.Parallelism))

	runs := runner.New(opts).RunAll(ctx, scenarios)
	printRuns(cmd.OutOrStdout(), ui.DefaultStyles(), runs)

	if !report.Summarize(runs).OK() {
		return errRunsFailed
	}
	return nil
}

// applyRunFlags lets explicitly set flags win over file and environment.
func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		c.Execution.Mode = runMode
	}
	if flags.Changed("driver") {
		c.Browser.Driver = runDriver
	}
	if flags.Changed("headless") {
		c.Browser.Headless = runHeadless
	}
	if flags.Changed("parallel") {
		c.Execution.Parallelism = runParallel
	}
	if runNoLedger {
		c.Ledger.Enabled = false
	}
}

// sinks owns the ledger and the artifact store for one command.
type sinks struct {
	ledger *ledger.Store
	store  artifacts.Store
}

func openSinks(ctx context.Context, c *config.Config) (*sinks, error) {
	s := &sinks{}
	if c.Ledger.Enabled {
		l, err := ledger.Open(c.Ledger.Driver, c.Ledger.Path)
		if err != nil {
			return nil, err
		}
		s.ledger = l
	}

	switch c.Artifacts.Kind {
	case config.ArtifactsDir:
		store, err := artifacts.NewDirStore(c.Artifacts.Dir)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.store = store
	case config.ArtifactsS3:
		store, err := artifacts.NewS3Store(ctx, c.Artifacts.S3)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.store = store
	}
	return s, nil
}

// Reporter fans a run out to every configured sink, ledger first.
func (s *sinks) Reporter() report.Reporter {
	var m report.Multi
	if s.ledger != nil {
		m = append(m, s.ledger)
	}
	if s.store != nil {
		m = append(m, &artifacts.Reporter{Store: s.store})
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func (s *sinks) Close() {
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			logger.Warn("failed to close ledger", zap.Error(err))
		}
	}
}

func printRuns(w io.Writer, st ui.Styles, runs []*report.Run) {
	fmt.Fprintln(w, st.Title.Render("formnerd results"))
	fmt.Fprintln(w, st.RenderDivider(60))
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %s %s\n", st.Status(r.Status), st.Bold.Render(r.TestID), st.Muted.Render(r.Duration().Round(time.Millisecond).String()))
		if r.Error != "" {
			fmt.Fprintf(w, "    %s %s\n", st.Error.Render(r.ErrorKind+":"), r.Error)
		}
		for _, step := range r.Steps {
			for _, fe := range step.FieldErrors {
				fmt.Fprintf(w, "    %s %s\n", st.Warning.Render("field"), fe.Error())
			}
		}
		for _, f := range r.CaptureFailed {
			fmt.Fprintf(w, "    %s section %s: %s\n", st.Warning.Render("capture"), f.Section, f.Reason)
		}
		for _, f := range r.Reconciliation.Discrepancies {
			fmt.Fprintf(w, "    %s %s\n", st.Error.Render("discrepancy"), f)
		}
		for _, f := range r.Reconciliation.Warnings {
			fmt.Fprintf(w, "    %s %s\n", st.Warning.Render("warning"), f)
		}
		if r.Screenshot != "" {
			fmt.Fprintf(w, "    %s %s\n", st.Muted.Render("screenshot"), r.Screenshot)
		}
	}
	fmt.Fprintln(w, st.RenderDivider(60))

	sum := report.Summarize(runs)
	fmt.Fprintf(w, "%d runs: %s %d  %s %d  %s %d  %s %d\n", sum.Total,
		st.Success.Render("success"), sum.Counts[report.StatusSuccess],
		st.Warning.Render("warnings"), sum.Counts[report.StatusSuccessWithWarnings],
		st.Info.Render("not applicable"), sum.Counts[report.StatusNotApplicable],
		st.Error.Render("failed"), sum.Counts[report.StatusFailed])
}
