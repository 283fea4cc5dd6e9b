// Package ledger keeps the history of scenario runs in SQLite. It implements
// report.Reporter so the runner can record every run, and backs the CLI's
// history command.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"formnerd/internal/form"
	"formnerd/internal/logging"
	"formnerd/internal/reconcile"
	"formnerd/internal/report"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// Store is the run ledger.
type Store struct {
	db     *sql.DB
	dbPath string
	driver string
	mu     sync.RWMutex
	now    func() time.Time
}

// Open creates or opens the ledger at path using the named database/sql driver.
func Open(driver, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var dsn string
	switch driver {
	case "", DriverCGO:
		driver = DriverCGO
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	case DriverPure:
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	default:
		return nil, fmt.Errorf("unknown ledger driver %q (valid: %s, %s)", driver, DriverCGO, DriverPure)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Parallel runs share one writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path, driver: driver, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.Get(logging.CategoryLedger).Debug("ledger opened at %s (driver=%s)", path, driver)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		test_id TEXT NOT NULL,
		title TEXT,
		status TEXT NOT NULL,
		started_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		session_state TEXT,
		error TEXT,
		error_kind TEXT,
		discrepancies INTEGER NOT NULL DEFAULT 0,
		warnings INTEGER NOT NULL DEFAULT 0,
		field_errors INTEGER NOT NULL DEFAULT 0,
		screenshot TEXT,
		run_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_test ON runs(test_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_ms);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		field TEXT NOT NULL,
		severity TEXT NOT NULL,
		outcome TEXT NOT NULL,
		entered TEXT,
		displayed TEXT,
		detail TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_findings_run ON findings(run_id);
	CREATE INDEX IF NOT EXISTS idx_findings_field ON findings(field);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REPORTER
// =============================================================================

// ReportRun stores the full run record with its findings. It assigns an id
// when the run has none and returns a reference of the form path#id.
func (s *Store) ReportRun(ctx context.Context, run *report.Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	runJSON, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("failed to encode run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, test_id, title, status, started_ms, duration_ms, session_state,
			error, error_kind, discrepancies, warnings, field_errors, screenshot, run_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			duration_ms = excluded.duration_ms,
			session_state = excluded.session_state,
			error = excluded.error,
			error_kind = excluded.error_kind,
			discrepancies = excluded.discrepancies,
			warnings = excluded.warnings,
			field_errors = excluded.field_errors,
			screenshot = excluded.screenshot,
			run_json = excluded.run_json
	`, run.ID, run.TestID, run.Title, string(run.Status), run.StartedAt.UnixMilli(),
		run.Duration().Milliseconds(), string(run.Session), run.Error, run.ErrorKind,
		len(run.Reconciliation.Discrepancies), len(run.Reconciliation.Warnings),
		run.FieldErrors(), run.Screenshot, string(runJSON))
	if err != nil {
		return "", fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE run_id = ?`, run.ID); err != nil {
		return "", fmt.Errorf("failed to reset findings: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings (run_id, field, severity, outcome, entered, displayed, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare findings: %w", err)
	}
	defer stmt.Close()
	for _, group := range [][]reconcile.Finding{run.Reconciliation.Discrepancies, run.Reconciliation.Warnings} {
		for _, f := range group {
			if _, err := stmt.ExecContext(ctx, run.ID, f.Field, string(f.Severity), string(f.Outcome),
				f.Entered, f.Displayed, f.Detail); err != nil {
				return "", fmt.Errorf("failed to save finding %s: %w", f.Field, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}
	logging.Get(logging.CategoryLedger).Info("recorded run %s of %s: %s", run.ID, run.TestID, run.Status)
	return s.dbPath + "#" + run.ID, nil
}

// Report stores a run known only by its step results and reconciliation.
func (s *Store) Report(ctx context.Context, testID string, steps []form.StepResult, rec reconcile.Result) (string, error) {
	return s.ReportRun(ctx, report.FromResults(testID, steps, rec, s.now()))
}

// =============================================================================
// QUERIES
// =============================================================================

// Entry is one row of the run history.
type Entry struct {
	ID            string
	TestID        string
	Title         string
	Status        report.Status
	StartedAt     time.Time
	Duration      time.Duration
	ErrorKind     string
	Discrepancies int
	Warnings      int
	FieldErrors   int
}

// Recent returns the latest runs, newest first. An empty testID matches all.
func (s *Store) Recent(ctx context.Context, testID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, title, status, started_ms, duration_ms, error_kind,
			discrepancies, warnings, field_errors
		FROM runs
		WHERE ? = '' OR test_id = ?
		ORDER BY started_ms DESC, id
		LIMIT ?
	`, testID, testID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                     Entry
			title, kind           sql.NullString
			status                string
			startedMs, durationMs int64
		)
		if err := rows.Scan(&e.ID, &e.TestID, &title, &status, &startedMs, &durationMs, &kind,
			&e.Discrepancies, &e.Warnings, &e.FieldErrors); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		e.Title = title.String
		e.ErrorKind = kind.String
		e.Status = report.Status(status)
		e.StartedAt = time.UnixMilli(startedMs)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get loads the full record of one run. It returns nil, nil when the run does
// not exist.
func (s *Store) Get(ctx context.Context, id string) (*report.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runJSON string
	err := s.db.QueryRowContext(ctx, `SELECT run_json FROM runs WHERE id = ?`, id).Scan(&runJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	var run report.Run
	if err := json.Unmarshal([]byte(runJSON), &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &run, nil
}

// Findings returns the discrepancies and warnings stored for a run.
func (s *Store) Findings(ctx context.Context, runID string) ([]reconcile.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT field, severity, outcome, entered, displayed, detail
		FROM findings WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Finding
	for rows.Next() {
		var (
			f                          reconcile.Finding
			severity, outcome          string
			entered, displayed, detail sql.NullString
		)
		if err := rows.Scan(&f.Field, &severity, &outcome, &entered, &displayed, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		f.Severity = reconcile.Severity(severity)
		f.Outcome = reconcile.Outcome(outcome)
		f.Entered, f.Displayed, f.Detail = entered.String, displayed.String, detail.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// Recurrence counts how often a field produced a finding of one outcome.
type Recurrence struct {
	Field   string
	Outcome reconcile.Outcome
	Runs    int
	Last    time.Time
}

// Recurring lists fields whose findings repeat across at least minRuns runs
// of testID, most frequent first. A tolerated date shift that shows up on
// every run is a display defect worth raising, not noise.
func (s *Store) Recurring(ctx context.Context, testID string, minRuns int) ([]Recurrence, error) {
	if minRuns < 1 {
		minRuns = 1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.field, f.outcome, COUNT(DISTINCT f.run_id) AS n, MAX(r.started_ms)
		FROM findings f JOIN runs r ON r.id = f.run_id
		WHERE r.test_id = ?
		GROUP BY f.field, f.outcome
		HAVING n >= ?
		ORDER BY n DESC, f.field, f.outcome
	`, testID, minRuns)
	if err != nil {
		return nil, fmt.Errorf("failed to query recurring findings: %w", err)
	}
	defer rows.Close()

	var out []Recurrence
	for rows.Next() {
		var (
			r       Recurrence
			outcome string
			lastMs  int64
		)
		if err := rows.Scan(&r.Field, &outcome, &r.Runs, &lastMs); err != nil {
			return nil, fmt.Errorf("failed to scan recurrence: %w", err)
		}
		r.Outcome = reconcile.Outcome(outcome)
		r.Last = time.UnixMilli(lastMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes runs started before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM findings WHERE run_id IN (SELECT id FROM runs WHERE started_ms < ?)
	`, cutoff.UnixMilli()); err != nil {
		return 0, fmt.Errorf("failed to prune findings: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

var (
	_ report.Reporter    = (*Store)(nil)
	_ report.RunReporter = (*Store)(nil)
)
