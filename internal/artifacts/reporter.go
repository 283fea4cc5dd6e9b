package artifacts

import (
	"context"
	"encoding/json"
	"time"

	"formnerd/internal/form"
	"formnerd/internal/reconcile"
	"formnerd/internal/report"

	"github.com/google/uuid"
)

// Reporter writes each run as an indented JSON document into a Store.
type Reporter struct {
	Store Store
	Now   func() time.Time
}

func (r *Reporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ReportRun stores run as report.json next to its other artifacts.
func (r *Reporter) ReportRun(ctx context.Context, run *report.Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = r.now()
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", err
	}
	return r.Store.Put(ctx, Key(run.TestID, run.ID, run.StartedAt, "report.json"), data, "application/json")
}

// Report stores a report built from steps and the reconciliation alone.
func (r *Reporter) Report(ctx context.Context, testID string, steps []form.StepResult, rec reconcile.Result) (string, error) {
	return r.ReportRun(ctx, report.FromResults(testID, steps, rec, r.now()))
}

// SaveScreenshot stores a PNG screenshot for a run and returns its location.
func SaveScreenshot(ctx context.Context, s Store, run *report.Run, png []byte) (string, error) {
	return s.Put(ctx, Key(run.TestID, run.ID, run.StartedAt, "failure.png"), png, "image/png")
}

var (
	_ report.Reporter    = (*Reporter)(nil)
	_ report.RunReporter = (*Reporter)(nil)
)
