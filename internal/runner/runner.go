// Package runner executes scenarios end to end: it opens a browser, drives the
// wizard, captures the verification view, reconciles it against the entered
// data and hands the finished run to the configured reporters.
package runner

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"formnerd/internal/artifacts"
	"formnerd/internal/browser"
	"formnerd/internal/capture"
	"formnerd/internal/config"
	"formnerd/internal/form"
	"formnerd/internal/logging"
	"formnerd/internal/reconcile"
	"formnerd/internal/report"
	"formnerd/internal/resolve"
	"formnerd/internal/scenario"
	"formnerd/internal/wait"

	"github.com/google/uuid"
)

// DriverFactory opens a browser session. The runner closes it.
type DriverFactory func(ctx context.Context, cfg browser.Config) (browser.Driver, error)

// Options configures a Runner.
type Options struct {
	BaseURL string
	Browser browser.Config
	Mode    form.Mode
	Form    form.Options
	Capture capture.Options
	TempDir string

	// Parallelism bounds RunAll. Values below 1 mean 1.
	Parallelism int

	// Open defaults to browser.Open.
	Open DriverFactory
	// Reporter receives every finished run; nil disables reporting.
	Reporter report.Reporter
	// Artifacts stores failure screenshots; nil disables them.
	Artifacts artifacts.Store
	// Now defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps the resolved configuration onto runner options.
// Open, Reporter and Artifacts are left for the caller.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	mode, err := cfg.GetMode()
	if err != nil {
		return Options{}, err
	}
	poll := cfg.GetPollInterval()
	return Options{
		BaseURL: cfg.BaseURL,
		Browser: cfg.Browser,
		Mode:    mode,
		Form: form.Options{
			Mode:           mode,
			ResolveTimeout: cfg.GetResolveTimeout(),
			StepTimeout:    cfg.GetStepTimeout(),
			Poll:           poll,
			SettleMax:      cfg.GetSettleMax(),
		},
		Capture: capture.Options{
			Timeout: cfg.GetCaptureTimeout(),
			Poll:    poll,
		},
		TempDir:     cfg.Execution.TempDir,
		Parallelism: cfg.GetParallelism(),
	}, nil
}

// Runner executes scenarios. It is safe for concurrent use; every Run owns
// its own driver and session.
type Runner struct {
	opts Options
}

// New creates a runner.
func New(opts Options) *Runner {
	if opts.Open == nil {
		opts.Open = browser.Open
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.Form.Poll <= 0 {
		opts.Form.Poll = wait.DefaultPoll
	}
	if opts.Form.ResolveTimeout <= 0 {
		opts.Form.ResolveTimeout = 10 * time.Second
	}
	if opts.Form.StepTimeout <= 0 {
		opts.Form.StepTimeout = 30 * time.Second
	}
	return &Runner{opts: opts}
}

// Run executes one scenario and returns its finalized report. The run is
// never nil; anything that went wrong is recorded in it.
func (r *Runner) Run(ctx context.Context, sc *scenario.Scenario) *report.Run {
	run := &report.Run{
		ID:        uuid.NewString(),
		TestID:    sc.ID,
		Title:     sc.Title,
		StartedAt: r.opts.Now(),
		Session:   form.StateInProgress,
		Artifacts: map[string]string{},
	}
	log := logging.Get(logging.CategoryRunner).With("test_id", sc.ID, "run_id", run.ID)
	log.Info("starting scenario %s", sc.ID)

	err := r.execute(ctx, sc, run)
	run.SetError(err)
	run.Finalize(r.opts.Now())

	if r.opts.Reporter != nil {
		// A cancelled run is still recorded.
		path, rerr := report.Deliver(context.WithoutCancel(ctx), r.opts.Reporter, run)
		if rerr != nil {
			log.Warn("reporting failed: %v", rerr)
		}
		if path != "" {
			run.Artifacts["report"] = path
		}
	}

	if err != nil {
		log.Warn("scenario %s %s after %v: %v", sc.ID, run.Status, run.Duration(), err)
	} else {
		log.Info("scenario %s %s after %v (%d steps, %d discrepancies, %d warnings)",
			sc.ID, run.Status, run.Duration(), len(run.Steps),
			len(run.Reconciliation.Discrepancies), len(run.Reconciliation.Warnings))
	}
	return run
}

// execute acquires the browser and the upload files, releases both on every
// path and fills run as it goes.
func (r *Runner) execute(ctx context.Context, sc *scenario.Scenario, run *report.Run) (err error) {
	fopts := r.opts.Form
	fopts.Mode = r.opts.Mode
	if sc.Mode != "" {
		m, merr := form.ParseMode(sc.Mode)
		if merr != nil {
			return merr
		}
		fopts.Mode = m
	}

	data, uploads, err := scenario.Materialize(sc.Data, r.opts.TempDir)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := uploads.Cleanup(); cerr != nil {
			logging.RunnerWarn("failed to remove uploads for %s: %v", sc.ID, cerr)
		}
	}()
	run.Entered = data

	d, err := r.opts.Open(ctx, r.opts.Browser)
	if err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			logging.RunnerWarn("failed to close browser for %s: %v", sc.ID, cerr)
		}
	}()
	// Runs before Close.
	defer func() {
		status := report.Derive(err, run.Session, run.Steps, run.CaptureFailed, run.Reconciliation)
		if status == report.StatusFailed {
			r.screenshot(ctx, d, run)
		}
	}()

	start, err := r.resolveURL(sc.Start)
	if err != nil {
		return err
	}
	if err := d.Navigate(ctx, start); err != nil {
		return err
	}

	session := form.NewSession(data)
	steps, err := form.New(d, fopts).Run(ctx, sc.Steps, session)
	run.Steps = steps
	run.Session = session.State
	if err != nil {
		return err
	}
	if session.State != form.StateCompleted {
		return nil
	}

	if sc.Verify == nil {
		run.Reconciliation = reconcile.Reconcile(data, nil, nil)
		return nil
	}
	if err := r.openView(ctx, d, sc.Verify); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	view := capture.New(d, r.opts.Capture).Capture(ctx, sc.Verify.View)
	run.Captured = view.Text()
	run.CaptureFailed = view.Failed
	if err := ctx.Err(); err != nil {
		return err
	}

	run.Reconciliation = reconcile.Reconcile(data, run.Captured, sc.Rules)
	logReconciliation(sc.ID, run.Reconciliation)
	return nil
}

// openView brings up the verification view: optional navigation, an optional
// control to click and an optional readiness predicate.
func (r *Runner) openView(ctx context.Context, d browser.Driver, v *scenario.Verify) error {
	if v.Navigate != "" {
		target, err := r.resolveURL(v.Navigate)
		if err != nil {
			return err
		}
		if err := d.Navigate(ctx, target); err != nil {
			return err
		}
	}
	if v.Open != nil {
		el, err := resolve.New(d, r.opts.Form.Poll).Resolve(ctx, *v.Open, nil, r.opts.Form.ResolveTimeout)
		if err != nil {
			return err
		}
		if err := d.Act(ctx, el, browser.Click()); err != nil {
			return err
		}
	}
	if v.Ready != nil {
		if _, err := wait.Until(ctx, v.Ready.Bind(d, nil), r.opts.Form.StepTimeout, r.opts.Form.Poll); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) screenshot(ctx context.Context, d browser.Driver, run *report.Run) {
	if r.opts.Artifacts == nil {
		return
	}
	// The run context may already be done; the shot still has to be taken.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	png, err := d.Screenshot(sctx)
	if err != nil {
		logging.RunnerWarn("screenshot for %s failed: %v", run.TestID, err)
		return
	}
	loc, err := artifacts.SaveScreenshot(sctx, r.opts.Artifacts, run, png)
	if err != nil {
		logging.RunnerWarn("saving screenshot for %s failed: %v", run.TestID, err)
		return
	}
	run.Screenshot = loc
	run.Artifacts["screenshot"] = loc
}

// resolveURL joins a path onto the base URL. Absolute URLs pass through.
func (r *Runner) resolveURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.IsAbs() {
		return raw, nil
	}
	if r.opts.BaseURL == "" {
		return "", fmt.Errorf("relative url %q needs a base_url", raw)
	}
	base, err := url.Parse(strings.TrimSuffix(r.opts.BaseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("invalid base_url %q: %w", r.opts.BaseURL, err)
	}
	return base.ResolveReference(&url.URL{Path: strings.TrimPrefix(u.Path, "/"), RawQuery: u.RawQuery, Fragment: u.Fragment}).String(), nil
}

func logReconciliation(testID string, res reconcile.Result) {
	log := logging.Get(logging.CategoryReconcile)
	log.Info("%s: %d checks, %d applicable, %d discrepancies, %d warnings",
		testID, len(res.Checks), res.Applicable(), len(res.Discrepancies), len(res.Warnings))
	for _, f := range res.Discrepancies {
		log.Warn("%s: %s", testID, f)
	}
	for _, f := range res.Warnings {
		log.Info("%s: %s", testID, f)
	}
}
