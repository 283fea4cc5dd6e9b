package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"formnerd/cmd/formnerd/ui"
	"formnerd/internal/ledger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// =============================================================================
// HISTORY - query the run ledger
// =============================================================================

var (
	historyLimit     int
	historyTest      string
	historyRun       string
	historyRecurring int
	historyPrune     time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs from the ledger",
	Long: `Lists recent runs recorded in the ledger, newest first.

  formnerd history --test contract-indefinido
  formnerd history --run <run-id>          # findings of one run
  formnerd history --recurring 3           # findings repeated in 3+ runs
  formnerd history --prune 720h            # delete runs older than 30 days`,
	Args: cobra.NoArgs,
	RunE: showHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum runs to list")
	historyCmd.Flags().StringVar(&historyTest, "test", "", "Only runs of this scenario id")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show the findings of one run")
	historyCmd.Flags().IntVar(&historyRecurring, "recurring", 0, "List findings repeated in at least N runs")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "Delete runs older than this before listing")
}

func showHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := ledger.Open(cfg.Ledger.Driver, cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	st := ui.DefaultStyles()
	if historyPrune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-historyPrune))
		if err != nil {
			return err
		}
		logger.Info("ledger pruned", zap.Int64("runs", n), zap.Duration("older_than", historyPrune))
		fmt.Fprintln(out, st.Muted.Render(fmt.Sprintf("pruned %d runs", n)))
	}
	switch {
	case historyRun != "":
		return printRunFindings(ctx, out, st, store, historyRun)
	case historyRecurring > 0:
		return printRecurring(ctx, out, st, store, historyTest, historyRecurring)
	}
	return printRecent(ctx, out, st, store, historyTest, historyLimit)
}

func printRecent(ctx context.Context, w io.Writer, st ui.Styles, store *ledger.Store, testID string, limit int) error {
	entries, err := store.Recent(ctx, testID, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, st.Muted.Render("no runs recorded in "+store.Path()))
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
			st.Muted.Render(e.StartedAt.Local().Format("2006-01-02 15:04:05")),
			st.Status(e.Status),
			st.Bold.Render(e.TestID),
			st.Muted.Render(e.Duration.Round(time.Millisecond).String()),
			st.Muted.Render(e.ID))
		if e.ErrorKind != "" || e.Discrepancies > 0 || e.Warnings > 0 || e.FieldErrors > 0 {
			fmt.Fprintf(w, "    error=%s discrepancies=%d warnings=%d field_errors=%d\n",
				orDash(e.ErrorKind), e.Discrepancies, e.Warnings, e.FieldErrors)
		}
	}
	return nil
}

func printRunFindings(ctx context.Context, w io.Writer, st ui.Styles, store *ledger.Store, id string) error {
	run, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", id)
	}
	fmt.Fprintf(w, "%s  %s  %s\n", st.Status(run.Status), st.Bold.Render(run.TestID), st.Muted.Render(run.ID))
	if run.Error != "" {
		fmt.Fprintf(w, "    %s %s\n", st.Error.Render(run.ErrorKind+":"), run.Error)
	}
	findings, err := store.Findings(ctx, id)
	if err != nil {
		return err
	}
	for _, f := range findings {
		fmt.Fprintf(w, "    %s %s\n", st.Warning.Render(string(f.Severity)), f)
	}
	return nil
}

func printRecurring(ctx context.Context, w io.Writer, st ui.Styles, store *ledger.Store, testID string, minRuns int) error {
	recs, err := store.Recurring(ctx, testID, minRuns)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, st.Muted.Render(fmt.Sprintf("no finding repeats in %d or more runs", minRuns)))
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s %s in %d runs, last %s\n",
			st.Bold.Render(r.Field), r.Outcome, r.Runs,
			st.Muted.Render(r.Last.Local().Format("2006-01-02 15:04")))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
