package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"formnerd/internal/artifacts"
	"formnerd/internal/browser"
	"formnerd/internal/browser/browsertest"
	"formnerd/internal/capture"
	"formnerd/internal/form"
	"formnerd/internal/reconcile"
	"formnerd/internal/report"
	"formnerd/internal/scenario"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// FIXTURES
// =============================================================================

const hireScenario = `
id: hire
title: Hire someone
start: /hires/new
data:
  name: Ada
  salary: "5000000"
steps:
  - name: person
    fields:
      - name: name
        kind: text
        candidates: ["id=name", "css=input[name='name']"]
      - name: salary
        kind: text
        candidates: ["id=salary"]
    submit: ["id=save", "text=Guardar"]
    success: "id=saved"
    failure: "css=.alert-danger"
verify:
  ready: "id=summary"
  view:
    sections:
      - name: summary
        labels: "css=#summary dt"
        values: "css=#summary dd"
        aliases:
          Nombre: name
          Sueldo base: salary
rules:
  - field: name
    normalizer: case_fold
  - field: salary
    normalizer: strip_currency
    tolerance: numeric(0)
`

func loc(raw string) browser.Locator { return browser.MustParseLocator(raw) }

func node(name, raw, text string) *browsertest.Node {
	return &browsertest.Node{Name: name, Matches: []browser.Locator{loc(raw)}, Text: text}
}

func mustScenario(t *testing.T, content string) *scenario.Scenario {
	t.Helper()
	sc, err := scenario.Parse([]byte(content), "", func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	require.NoError(t, sc.Validate())
	return sc
}

// hirePage is a one-step wizard. Clicking save shows the saved banner and a
// summary displaying displayedSalary; when reject is set it shows the
// validation alert instead.
func hirePage(displayedSalary string, reject bool) *browsertest.Driver {
	save := node("save", "id=save", "Guardar")
	save.OnAct = func(d *browsertest.Driver, act browser.Action) {
		if act.Kind != browser.ActionClick {
			return
		}
		if reject {
			d.Add(node("alert", "css=.alert-danger", "Sueldo inválido"))
			return
		}
		d.Add(
			node("saved", "id=saved", "Guardado"),
			node("summary", "id=summary", ""),
			node("dt-name", "css=#summary dt", "Nombre:"),
			node("dt-salary", "css=#summary dt", "Sueldo base:"),
			node("dd-name", "css=#summary dd", "ADA"),
			node("dd-salary", "css=#summary dd", displayedSalary),
		)
	}
	return browsertest.New(node("name", "id=name", ""), node("salary", "id=salary", ""), save)
}

// recorder is a RunReporter that keeps every run it receives.
type recorder struct {
	mu   sync.Mutex
	runs []*report.Run
}

func (r *recorder) Report(ctx context.Context, testID string, steps []form.StepResult, rec reconcile.Result) (string, error) {
	return r.ReportRun(ctx, report.FromResults(testID, steps, rec, time.Now()))
}

func (r *recorder) ReportRun(_ context.Context, run *report.Run) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return "mem://" + run.ID, nil
}

func fastOptions(open DriverFactory) Options {
	return Options{
		BaseURL: "https://app.test/portal",
		Mode:    form.BestEffort,
		Form: form.Options{
			ResolveTimeout: 80 * time.Millisecond,
			StepTimeout:    80 * time.Millisecond,
			Poll:           2 * time.Millisecond,
			SettleMax:      10 * time.Millisecond,
		},
		Capture: capture.Options{Timeout: 80 * time.Millisecond, Poll: 2 * time.Millisecond},
		Open:    open,
	}
}

func serve(d *browsertest.Driver) DriverFactory {
	return func(context.Context, browser.Config) (browser.Driver, error) { return d, nil }
}

// =============================================================================
// SINGLE RUN
// =============================================================================

func TestRun_Success(t *testing.T) {
	d := hirePage("$5.000.000", false)
	rec := &recorder{}
	opts := fastOptions(serve(d))
	opts.Reporter = rec

	run := New(opts).Run(context.Background(), mustScenario(t, hireScenario))

	require.NoError(t, run.Err)
	assert.Equal(t, report.StatusSuccess, run.Status)
	assert.Equal(t, form.StateCompleted, run.Session)
	assert.Equal(t, []string{"https://app.test/portal/hires/new"}, d.Navigations())
	assert.Equal(t, map[string]string{"name": "ADA", "salary": "$5.000.000"}, run.Captured)
	assert.Equal(t, 2, run.Reconciliation.Count(reconcile.OutcomeMatch))
	assert.Empty(t, run.Screenshot)
	assert.True(t, d.Closed(), "browser is released")
	assert.False(t, run.FinishedAt.Before(run.StartedAt))

	require.Len(t, rec.runs, 1)
	assert.Same(t, run, rec.runs[0])
	assert.Equal(t, "mem://"+run.ID, run.Artifacts["report"])
}

func TestRun_DiscrepancyFailsAndKeepsScreenshot(t *testing.T) {
	d := hirePage("$4.500.000", false)
	store, err := artifacts.NewDirStore(t.TempDir())
	require.NoError(t, err)
	opts := fastOptions(serve(d))
	opts.Artifacts = store

	run := New(opts).Run(context.Background(), mustScenario(t, hireScenario))

	assert.NoError(t, run.Err, "a discrepancy is a finding, not an error")
	assert.Equal(t, report.StatusFailed, run.Status)
	require.Len(t, run.Reconciliation.Discrepancies, 1)
	assert.Equal(t, "salary", run.Reconciliation.Discrepancies[0].Field)

	require.NotEmpty(t, run.Screenshot)
	shot, err := store.Get(context.Background(), artifacts.Key(run.TestID, run.ID, run.StartedAt, "failure.png"))
	require.NoError(t, err)
	assert.Equal(t, d.Shot, shot)
	assert.True(t, d.Closed())
}

func TestRun_ValidationFailure(t *testing.T) {
	d := hirePage("", true)

	run := New(fastOptions(serve(d))).Run(context.Background(), mustScenario(t, hireScenario))

	assert.Equal(t, report.StatusFailed, run.Status)
	assert.Equal(t, form.StateFailed, run.Session)
	assert.Equal(t, report.KindValidationFailed, run.ErrorKind)
	assert.Empty(t, run.Captured, "nothing is captured after a failed wizard")
	assert.True(t, d.Closed())
}

func TestRun_NoVerifyIsNotApplicable(t *testing.T) {
	sc := mustScenario(t, hireScenario)
	sc.Verify = nil
	sc.Rules = nil

	run := New(fastOptions(serve(hirePage("", false)))).Run(context.Background(), sc)

	require.NoError(t, run.Err)
	assert.Equal(t, report.StatusNotApplicable, run.Status)
}

func TestRun_ScenarioModeOverridesRunner(t *testing.T) {
	sc := mustScenario(t, hireScenario)
	sc.Mode = "strict"
	d := hirePage("$5.000.000", false)
	d.Remove("salary")

	run := New(fastOptions(serve(d))).Run(context.Background(), sc)

	assert.Equal(t, report.StatusFailed, run.Status)
	assert.Equal(t, form.StateAborted, run.Session)
	assert.Equal(t, report.KindNotResolved, run.ErrorKind)
}

func TestRun_BestEffortFieldErrorStillReconciles(t *testing.T) {
	d := hirePage("$5.000.000", false)
	d.Remove("salary")

	run := New(fastOptions(serve(d))).Run(context.Background(), mustScenario(t, hireScenario))

	require.NoError(t, run.Err)
	assert.Equal(t, 1, run.FieldErrors())
	// The page still shows the expected salary, so only the field error remains.
	assert.Equal(t, report.StatusSuccessWithWarnings, run.Status)
}

func TestRun_UnfilledFieldIsReconciledAgainstIntendedValue(t *testing.T) {
	d := hirePage("$4.000.000", false)
	d.Remove("salary")

	run := New(fastOptions(serve(d))).Run(context.Background(), mustScenario(t, hireScenario))

	require.NoError(t, run.Err)
	assert.Equal(t, 1, run.FieldErrors())
	assert.Equal(t, "5000000", run.Entered["salary"])
	require.Len(t, run.Reconciliation.Discrepancies, 1)
	assert.Equal(t, "salary", run.Reconciliation.Discrepancies[0].Field)
	assert.Equal(t, "5000000", run.Reconciliation.Discrepancies[0].Entered)
	assert.Equal(t, report.StatusFailed, run.Status)
}

func TestRun_OpenFailure(t *testing.T) {
	boom := errors.New("chrome not found")
	open := func(context.Context, browser.Config) (browser.Driver, error) { return nil, boom }

	run := New(fastOptions(open)).Run(context.Background(), mustScenario(t, hireScenario))

	assert.ErrorIs(t, run.Err, boom)
	assert.Equal(t, report.StatusFailed, run.Status)
	assert.Equal(t, report.KindOther, run.ErrorKind)
	assert.Contains(t, run.Error, "open browser")
}

func TestRun_RelativeStartNeedsBaseURL(t *testing.T) {
	d := hirePage("", false)
	opts := fastOptions(serve(d))
	opts.BaseURL = ""

	run := New(opts).Run(context.Background(), mustScenario(t, hireScenario))

	assert.Equal(t, report.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "needs a base_url")
	assert.Empty(t, d.Navigations())
	assert.True(t, d.Closed())
}

func TestRun_RemovesGeneratedUploads(t *testing.T) {
	const withUpload = `
id: upload
start: https://app.test/upload
data:
  cv: generate:txt
steps:
  - name: files
    fields:
      - name: cv
        kind: file
        candidates: ["css=input[type='file']"]
    submit: ["id=save"]
    success: "id=saved"
    failure: "css=.alert-danger"
`
	save := node("save", "id=save", "Upload")
	save.OnAct = func(d *browsertest.Driver, act browser.Action) { d.Add(node("saved", "id=saved", "ok")) }
	d := browsertest.New(node("cv", "css=input[type='file']", ""), save)
	opts := fastOptions(serve(d))
	opts.TempDir = t.TempDir()

	run := New(opts).Run(context.Background(), mustScenario(t, withUpload))

	require.NoError(t, run.Err)
	uploaded := run.Entered["cv"]
	require.NotEmpty(t, uploaded)
	cv, ok := d.Node("cv")
	require.True(t, ok)
	assert.Equal(t, uploaded, cv.Value)
	_, err := os.Stat(uploaded)
	assert.True(t, os.IsNotExist(err), "generated file is removed after the run")
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base, raw, want string
	}{
		{"https://app.test", "/new", "https://app.test/new"},
		{"https://app.test/portal/", "new?x=1", "https://app.test/portal/new?x=1"},
		{"https://app.test/portal", "/hires/new#top", "https://app.test/portal/hires/new#top"},
		{"", "http://other.test/a", "http://other.test/a"},
		{"https://app.test", "https://other.test/b", "https://other.test/b"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			r := New(Options{BaseURL: tt.base})
			got, err := r.resolveURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// SUITE
// =============================================================================

func TestRunAll_BoundedAndOrdered(t *testing.T) {
	var inFlight, peak atomic.Int32
	open := func(context.Context, browser.Config) (browser.Driver, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return &trackedDriver{Driver: hirePage("$5.000.000", false), inFlight: &inFlight}, nil
	}
	opts := fastOptions(open)
	opts.Parallelism = 2

	var scenarios []*scenario.Scenario
	for i := 0; i < 5; i++ {
		sc := mustScenario(t, hireScenario)
		sc.ID = fmt.Sprintf("hire-%d", i)
		scenarios = append(scenarios, sc)
	}

	runs := New(opts).RunAll(context.Background(), scenarios)

	require.Len(t, runs, 5)
	for i, run := range runs {
		assert.Equal(t, fmt.Sprintf("hire-%d", i), run.TestID)
		assert.Equal(t, report.StatusSuccess, run.Status)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.True(t, report.Summarize(runs).OK())
}

func TestRunAll_CancelledContextRecordsEveryRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open := func(context.Context, browser.Config) (browser.Driver, error) { return hirePage("", false), nil }

	runs := New(fastOptions(open)).RunAll(ctx, []*scenario.Scenario{
		mustScenario(t, hireScenario), mustScenario(t, hireScenario),
	})

	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, report.StatusFailed, run.Status)
		assert.Equal(t, report.KindCanceled, run.ErrorKind)
	}
	assert.False(t, report.Summarize(runs).OK())
}

// trackedDriver decrements the in-flight counter on Close.
type trackedDriver struct {
	*browsertest.Driver
	inFlight *atomic.Int32
}

func (d *trackedDriver) Close() error {
	d.inFlight.Add(-1)
	return d.Driver.Close()
}
