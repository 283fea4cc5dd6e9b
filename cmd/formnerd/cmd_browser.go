package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"formnerd/internal/browser"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// =============================================================================
// BROWSER - shared browser for iterative scenario work
// =============================================================================

var browserHeadless bool

var browserCmd = &cobra.Command{
	Use:   "browser",
	Short: "Browser helpers",
}

var browserLaunchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a browser and print its control URL",
	Long: `Starts Chrome and keeps it running until interrupted. Point
browser.debugger_url (or FORMNERD_DEBUGGER_URL) at the printed URL so
runs attach to this browser instead of launching their own.`,
	Args: cobra.NoArgs,
	RunE: browserLaunch,
}

func init() {
	browserLaunchCmd.Flags().BoolVar(&browserHeadless, "headless", false, "Launch without a window")
	browserCmd.AddCommand(browserLaunchCmd)
}

func browserLaunch(cmd *cobra.Command, args []string) error {
	bc := cfg.Browser
	bc.Headless = browserHeadless

	l, controlURL, err := browser.Launch(bc)
	if err != nil {
		return err
	}
	defer func() {
		l.Kill()
		l.Cleanup()
	}()
	logger.Info("browser launched", zap.String("control_url", controlURL))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Browser launched. Control URL: %s\n", controlURL)
	fmt.Fprintf(out, "  export FORMNERD_DEBUGGER_URL=%s\n", controlURL)
	fmt.Fprintln(out, "Press Ctrl+C to shutdown")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
