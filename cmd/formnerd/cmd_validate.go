package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"formnerd/cmd/formnerd/ui"
	"formnerd/internal/scenario"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// =============================================================================
// VALIDATE - static checks without a browser
// =============================================================================

var validateWatch bool

var validateCmd = &cobra.Command{
	Use:   "validate SCENARIO...",
	Short: "Parse and statically check scenarios",
	Long: `Parses every scenario, checks locators, predicates, field kinds and
reconciliation rules, and prints warnings for suspicious declarations.

With --watch, files are re-checked whenever they change until interrupted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: validateScenarios,
}

func init() {
	validateCmd.Flags().BoolVarP(&validateWatch, "watch", "w", false, "Re-validate on every change")
}

func validateScenarios(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	st := ui.DefaultStyles()

	paths, err := scenario.Collect(args...)
	if err != nil {
		return err
	}
	var failed int
	for _, p := range paths {
		s, err := scenario.Load(p)
		printValidation(out, st, p, s, err)
		if err != nil {
			failed++
		}
	}

	if validateWatch {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watchScenarios(ctx, out, st, args)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios are invalid", failed, len(paths))
	}
	return nil
}

func printValidation(w io.Writer, st ui.Styles, path string, s *scenario.Scenario, err error) {
	if err != nil {
		fmt.Fprintf(w, "%s %s\n", st.Error.Render("✗"), path)
		// errors.Join separates with newlines
		fmt.Fprintf(w, "    %s\n", indent(err.Error()))
		return
	}
	fmt.Fprintf(w, "%s %s %s\n", st.Success.Render("✓"), path, st.Muted.Render("("+s.ID+")"))
	for _, warn := range s.Warnings() {
		fmt.Fprintf(w, "    %s %s\n", st.Warning.Render("warning"), warn)
	}
}

func watchScenarios(ctx context.Context, w io.Writer, st ui.Styles, paths []string) error {
	watcher, err := scenario.NewWatcher(paths, func(c scenario.Change) {
		if c.Removed {
			fmt.Fprintf(w, "%s %s\n", st.Muted.Render("removed"), c.Path)
			return
		}
		printValidation(w, st, c.Path, c.Scenario, c.Err)
	})
	if err != nil {
		return fmt.Errorf("failed to watch scenarios: %w", err)
	}
	watcher.Start(ctx)
	fmt.Fprintln(w, st.Info.Render("watching for changes, press Ctrl+C to stop"))

	<-ctx.Done()
	watcher.Stop()
	stats := watcher.Stats()
	logger.Info("watch stopped", zap.Int("events", stats.Events), zap.Int("reloads", stats.Reloads))
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n    ")
}
