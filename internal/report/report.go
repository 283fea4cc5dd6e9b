// Package report holds the run report model, derives the final run status and
// defines the reporter contract that run sinks (ledger, artifact store)
// implement.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"formnerd/internal/capture"
	"formnerd/internal/form"
	"formnerd/internal/reconcile"
	"formnerd/internal/resolve"
	"formnerd/internal/wait"
)

// Status is the final verdict of one scenario run.
type Status string

const (
	StatusFailed              Status = "failed"
	StatusSuccessWithWarnings Status = "success_with_warnings"
	StatusNotApplicable       Status = "not_applicable"
	StatusSuccess             Status = "success"
)

// OK reports whether s should not fail a CI job.
func (s Status) OK() bool { return s != StatusFailed }

// Run is everything recorded about one scenario execution.
type Run struct {
	ID         string    `json:"id"`
	TestID     string    `json:"test_id"`
	Title      string    `json:"title,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     Status    `json:"status"`

	// Err is the error that escaped orchestration or capture, if any.
	Err       error  `json:"-"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	Session        form.State               `json:"session_state"`
	Steps          []form.StepResult        `json:"steps"`
	Entered        map[string]string        `json:"entered,omitempty"`
	Captured       map[string]string        `json:"captured,omitempty"`
	CaptureFailed  []capture.SectionFailure `json:"capture_failed,omitempty"`
	Reconciliation reconcile.Result         `json:"reconciliation"`
	Screenshot     string                   `json:"screenshot,omitempty"`
	Artifacts      map[string]string        `json:"artifacts,omitempty"`
}

// Duration is the wall time of the run.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FieldErrors counts recorded field failures across all steps.
func (r *Run) FieldErrors() int {
	n := 0
	for _, s := range r.Steps {
		n += len(s.FieldErrors)
	}
	return n
}

// SetError records err and its classification.
func (r *Run) SetError(err error) {
	r.Err = err
	if err == nil {
		r.Error, r.ErrorKind = "", ""
		return
	}
	r.Error = err.Error()
	r.ErrorKind = Classify(err)
}

// Finalize derives the status and stamps the finish time.
func (r *Run) Finalize(now time.Time) {
	r.FinishedAt = now
	r.Status = Derive(r.Err, r.Session, r.Steps, r.CaptureFailed, r.Reconciliation)
}

// Derive computes the final status.
//
// failed: an error escaped, the wizard did not complete, or an error-severity
// discrepancy exists. not_applicable: no rule compared anything. Otherwise
// warnings, best-effort field errors and failed capture sections give
// success_with_warnings.
func Derive(err error, state form.State, steps []form.StepResult, failed []capture.SectionFailure, rec reconcile.Result) Status {
	if err != nil || state != form.StateCompleted || !rec.Valid {
		return StatusFailed
	}
	if rec.Applicable() == 0 {
		return StatusNotApplicable
	}
	if len(rec.Warnings) > 0 || len(failed) > 0 {
		return StatusSuccessWithWarnings
	}
	for _, s := range steps {
		if len(s.FieldErrors) > 0 {
			return StatusSuccessWithWarnings
		}
	}
	return StatusSuccess
}

// Error kinds returned by Classify.
const (
	KindNotResolved      = "ElementNotResolved"
	KindTimeout          = "TimeoutExceeded"
	KindValidationFailed = "StepValidationFailed"
	KindCanceled         = "Canceled"
	KindDeadline         = "DeadlineExceeded"
	KindOther            = "Error"
)

// Classify maps an error onto a stable kind string for storage and display.
func Classify(err error) string {
	var fe form.FieldError
	switch {
	case err == nil:
		return ""
	case form.IsValidationFailed(err):
		return KindValidationFailed
	case errors.As(err, &fe) && fe.Kind != "":
		return fe.Kind
	case resolve.IsNotResolved(err):
		return KindNotResolved
	case wait.IsTimeout(err):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadline
	}
	return KindOther
}

// Reporter receives the results of one run and returns where they were
// stored.
type Reporter interface {
	Report(ctx context.Context, testID string, steps []form.StepResult, rec reconcile.Result) (string, error)
}

// RunReporter is implemented by reporters that can store the full run record.
// The runner prefers it over Reporter.
type RunReporter interface {
	ReportRun(ctx context.Context, run *Run) (string, error)
}

// Multi fans a run out to several reporters. Every reporter is called even if
// one fails; the first non-empty path is returned.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, testID string, steps []form.StepResult, rec reconcile.Result) (string, error) {
	var (
		path string
		errs []error
	)
	for _, r := range m {
		p, err := r.Report(ctx, testID, steps, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if path == "" {
			path = p
		}
	}
	return path, errors.Join(errs...)
}

func (m Multi) ReportRun(ctx context.Context, run *Run) (string, error) {
	var (
		path string
		errs []error
	)
	for _, r := range m {
		p, err := Deliver(ctx, r, run)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if path == "" {
			path = p
		}
	}
	return path, errors.Join(errs...)
}

// Deliver hands run to r, using ReportRun when r supports it.
func Deliver(ctx context.Context, r Reporter, run *Run) (string, error) {
	if rr, ok := r.(RunReporter); ok {
		p, err := rr.ReportRun(ctx, run)
		if err != nil {
			return "", fmt.Errorf("report %s: %w", run.TestID, err)
		}
		return p, nil
	}
	p, err := r.Report(ctx, run.TestID, run.Steps, run.Reconciliation)
	if err != nil {
		return "", fmt.Errorf("report %s: %w", run.TestID, err)
	}
	return p, nil
}

// Func adapts a function to Reporter.
type Func func(ctx context.Context, testID string, steps []form.StepResult, rec reconcile.Result) (string, error)

func (f Func) Report(ctx context.Context, testID string, steps []form.StepResult, rec reconcile.Result) (string, error) {
	return f(ctx, testID, steps, rec)
}

// Summary counts run statuses.
type Summary struct {
	Total  int
	Counts map[Status]int
}

// Summarize counts the statuses of runs.
func Summarize(runs []*Run) Summary {
	s := Summary{Counts: map[Status]int{}}
	for _, r := range runs {
		if r == nil {
			continue
		}
		s.Total++
		s.Counts[r.Status]++
	}
	return s
}

// OK reports whether no run failed.
func (s Summary) OK() bool { return s.Counts[StatusFailed] == 0 }

// FromResults builds a finalized run from step results and a reconciliation
// alone. The wizard counts as completed when there was at least one step and
// every step advanced.
func FromResults(testID string, steps []form.StepResult, rec reconcile.Result, now time.Time) *Run {
	state := form.StateCompleted
	if len(steps) == 0 {
		state = form.StateInProgress
	}
	for _, st := range steps {
		if !st.Advanced {
			state = form.StateFailed
			break
		}
	}
	run := &Run{
		TestID:         testID,
		StartedAt:      now,
		Session:        state,
		Steps:          steps,
		Reconciliation: rec,
	}
	run.Finalize(now)
	return run
}
