package runner

import (
	"context"

	"formnerd/internal/logging"
	"formnerd/internal/report"
	"formnerd/internal/scenario"

	"golang.org/x/sync/errgroup"
)

// RunAll executes scenarios with at most Parallelism in flight. Results keep
// the order of scenarios. A failed scenario never stops the others; only
// cancelling ctx does, and runs that had not started are then recorded as
// cancelled rather than dropped.
func (r *Runner) RunAll(ctx context.Context, scenarios []*scenario.Scenario) []*report.Run {
	runs := make([]*report.Run, len(scenarios))
	timer := logging.StartTimer(logging.CategoryRunner, "suite")
	defer timer.Stop()

	var eg errgroup.Group
	eg.SetLimit(r.opts.Parallelism)
	for i, sc := range scenarios {
		eg.Go(func() error {
			runs[i] = r.Run(ctx, sc)
			return nil
		})
	}
	_ = eg.Wait()

	sum := report.Summarize(runs)
	logging.Runner("suite finished: %d runs, %d success, %d with warnings, %d not applicable, %d failed",
		sum.Total, sum.Counts[report.StatusSuccess], sum.Counts[report.StatusSuccessWithWarnings],
		sum.Counts[report.StatusNotApplicable], sum.Counts[report.StatusFailed])
	return runs
}
