package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"formnerd/internal/form"
	"formnerd/internal/reconcile"
	"formnerd/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HELPERS
// =============================================================================

var drivers = []string{DriverPure, DriverCGO}

func openStore(t *testing.T, driver string) *Store {
	t.Helper()
	s, err := Open(driver, filepath.Join(t.TempDir(), "ledger", "runs.db"))
	if err != nil && driver == DriverCGO && strings.Contains(err.Error(), "CGO_ENABLED=0") {
		t.Skip("mattn/go-sqlite3 needs cgo")
	}
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachDriver(t *testing.T, fn func(t *testing.T, s *Store)) {
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) {
			t.Parallel()
			fn(t, openStore(t, d))
		})
	}
}

func dateWarning() reconcile.Result {
	return reconcile.Reconcile(
		map[string]string{"startDate": "2026-03-01", "salary": "5000000"},
		map[string]string{"startDate": "28/02/2026", "salary": "$ 4.000.000"},
		[]reconcile.Rule{
			{Field: "startDate", Normalizer: "date", Tolerance: reconcile.Tolerance{Kind: reconcile.DateWindow, Days: 1}},
			{Field: "salary", Normalizer: "strip_currency", Tolerance: reconcile.Tolerance{Kind: reconcile.Numeric}},
		},
	)
}

func sampleRun(testID string, started time.Time) *report.Run {
	r := &report.Run{
		TestID:    testID,
		Title:     "Contract wizard",
		StartedAt: started,
		Session:   form.StateCompleted,
		Steps: []form.StepResult{
			{Step: "contract", Advanced: true, Outcome: form.OutcomeAdvanced},
			{Step: "salary", Index: 1, Advanced: true, Outcome: form.OutcomeAdvanced,
				FieldErrors: []form.FieldError{{Field: "bonus", Kind: form.ErrKindNotResolved, Message: "not found"}}},
		},
		Reconciliation: dateWarning(),
		Screenshot:     "shots/x.png",
	}
	r.Finalize(started.Add(1500 * time.Millisecond))
	return r
}

// =============================================================================
// STORE LIFECYCLE
// =============================================================================

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ledger driver")
}

func TestOpen_EmptyPath(t *testing.T) {
	t.Parallel()
	_, err := Open(DriverPure, "")
	require.Error(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(DriverPure, path)
	require.NoError(t, err)
	_, err = s.ReportRun(context.Background(), sampleRun("contract", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(DriverPure, path)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.Recent(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, path, s.Path())
}

// =============================================================================
// REPORTER
// =============================================================================

func TestReportRun_RoundTrip(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
		run := sampleRun("contract", started)

		ref, err := s.ReportRun(ctx, run)
		require.NoError(t, err)
		require.NotEmpty(t, run.ID)
		assert.Equal(t, s.Path()+"#"+run.ID, ref)
		assert.Equal(t, report.StatusFailed, run.Status)

		got, err := s.Get(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, run.TestID, got.TestID)
		assert.Equal(t, run.Status, got.Status)
		assert.True(t, run.StartedAt.Equal(got.StartedAt))
		assert.Len(t, got.Steps, 2)
		assert.Equal(t, "bonus", got.Steps[1].FieldErrors[0].Field)
		assert.Equal(t, run.Reconciliation.Discrepancies, got.Reconciliation.Discrepancies)

		findings, err := s.Findings(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, findings, 2)
		assert.Equal(t, "salary", findings[0].Field)
		assert.Equal(t, reconcile.OutcomeMismatch, findings[0].Outcome)
		assert.Equal(t, "startDate", findings[1].Field)
		assert.Equal(t, reconcile.OutcomeTolerated, findings[1].Outcome)
		assert.Equal(t, reconcile.SeverityWarning, findings[1].Severity)
	})
}

func TestReportRun_Upsert(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		run := sampleRun("contract", time.Now())
		_, err := s.ReportRun(ctx, run)
		require.NoError(t, err)

		run.Reconciliation = reconcile.Result{Valid: true}
		run.Finalize(run.FinishedAt)
		_, err = s.ReportRun(ctx, run)
		require.NoError(t, err)

		entries, err := s.Recent(ctx, "contract", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 0, entries[0].Discrepancies)

		findings, err := s.Findings(ctx, run.ID)
		require.NoError(t, err)
		assert.Empty(t, findings)
	})
}

func TestReport_PlainContract(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		rec := reconcile.Reconcile(
			map[string]string{"type": "Indefinido"},
			map[string]string{"Contract type": "INDEFINIDO"},
			[]reconcile.Rule{{Field: "type", Captured: "Contract type", Normalizer: "case_fold",
				Tolerance: reconcile.Tolerance{Kind: reconcile.Containment}}},
		)
		steps := []form.StepResult{{Step: "one", Advanced: true, Outcome: form.OutcomeAdvanced}}

		ref, err := s.Report(ctx, "contract", steps, rec)
		require.NoError(t, err)
		id := ref[strings.LastIndex(ref, "#")+1:]

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, report.StatusSuccess, got.Status)
		assert.Equal(t, form.StateCompleted, got.Session)

		_, err = s.Report(ctx, "contract", []form.StepResult{{Step: "one"}}, rec)
		require.NoError(t, err)
		entries, err := s.Recent(ctx, "contract", 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		statuses := []report.Status{entries[0].Status, entries[1].Status}
		assert.ElementsMatch(t, []report.Status{report.StatusSuccess, report.StatusFailed}, statuses)
	})
}

// =============================================================================
// QUERIES
// =============================================================================

func TestRecent_OrderAndFilter(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			_, err := s.ReportRun(ctx, sampleRun("contract", base.Add(time.Duration(i)*time.Hour)))
			require.NoError(t, err)
		}
		_, err := s.ReportRun(ctx, sampleRun("payroll", base.Add(10*time.Hour)))
		require.NoError(t, err)

		all, err := s.Recent(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "payroll", all[0].TestID)

		contract, err := s.Recent(ctx, "contract", 2)
		require.NoError(t, err)
		require.Len(t, contract, 2)
		assert.True(t, contract[0].StartedAt.After(contract[1].StartedAt))
		assert.Equal(t, 1500*time.Millisecond, contract[0].Duration)
		assert.Equal(t, 1, contract[0].Discrepancies)
		assert.Equal(t, 1, contract[0].Warnings)
		assert.Equal(t, 1, contract[0].FieldErrors)
	})
}

func TestGet_Missing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		got, err := s.Get(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestRecurring(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			_, err := s.ReportRun(ctx, sampleRun("contract", base.Add(time.Duration(i)*time.Hour)))
			require.NoError(t, err)
		}

		rec, err := s.Recurring(ctx, "contract", 3)
		require.NoError(t, err)
		require.Len(t, rec, 2)
		assert.Equal(t, "salary", rec[0].Field)
		assert.Equal(t, 3, rec[0].Runs)
		assert.Equal(t, "startDate", rec[1].Field)
		assert.Equal(t, reconcile.OutcomeTolerated, rec[1].Outcome)
		assert.True(t, rec[1].Last.Equal(base.Add(2*time.Hour)))

		none, err := s.Recurring(ctx, "contract", 4)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestPrune(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		old := sampleRun("contract", base)
		_, err := s.ReportRun(ctx, old)
		require.NoError(t, err)
		_, err = s.ReportRun(ctx, sampleRun("contract", base.Add(48*time.Hour)))
		require.NoError(t, err)

		n, err := s.Prune(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		findings, err := s.Findings(ctx, old.ID)
		require.NoError(t, err)
		assert.Empty(t, findings)
		entries, err := s.Recent(ctx, "", 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}
