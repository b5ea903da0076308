// Package ledger keeps a SQLite record of runs and per-unit outcomes. The
// validated corpus on disk stays the source of truth for skipping; the ledger
// is the audit trail and history behind it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/testsmith/internal/models"
)

// ErrNotFound is returned when no row matches a lookup.
var ErrNotFound = errors.New("not found")

// diagnosticLimit bounds the diagnostic excerpt stored per unit.
const diagnosticLimit = 4000

// Run is one processAll pass.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is in progress
	Backend    string
	Model      string
	PromptDir  string
	Total      int
	Validated  int
	Failed     int
	Skipped    int
	Duration   time.Duration
}

// UnitRecord is one unit outcome row.
type UnitRecord struct {
	ID         int64
	RunID      string
	Identity   string
	Outcome    string
	Attempts   int
	Rounds     int
	Passed     int
	Failed     int
	ExitCode   int
	TimedOut   bool
	Duration   time.Duration
	Diagnostic string
	StagedPath string
	RecordedAt time.Time
}

// Store manages the SQLite ledger database
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// Open opens (creating when needed) the ledger at dbPath and applies
// pending migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// a :memory: database exists per connection
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000", // must be first
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath, now: time.Now}
	if err := s.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// execWithRetry executes a statement with exponential backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StartRun records the beginning of a run.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, backend, model, prompt_dir) VALUES (?, ?, ?, ?, ?)`,
		run.ID, formatTime(run.StartedAt), run.Backend, run.Model, run.PromptDir)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final tally of a run.
func (s *Store) FinishRun(ctx context.Context, summary *models.RunSummary) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, total = ?, validated = ?, failed = ?, skipped = ?, duration_ms = ? WHERE id = ?`,
		formatTime(s.now()), summary.Total, summary.SuccessCount, summary.FailureCount, summary.Skipped,
		summary.Duration.Milliseconds(), summary.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", summary.RunID, ErrNotFound)
	}
	return nil
}

// RecordUnit appends one unit outcome to a run.
func (s *Store) RecordUnit(ctx context.Context, runID string, r models.UnitResult) error {
	var passed, failed, exitCode int
	var timedOut bool
	var staged string
	if r.Verdict != nil {
		passed, failed = r.Verdict.PassedCount, r.Verdict.FailedCount
		exitCode, timedOut = r.Verdict.ExitCode, r.Verdict.TimedOut
		staged = r.Verdict.StagedPath
	}
	diagnostic := r.Diagnostic
	if diagnostic == "" && r.Error != nil {
		diagnostic = r.Error.Error()
	}
	if len(diagnostic) > diagnosticLimit {
		diagnostic = diagnostic[len(diagnostic)-diagnosticLimit:]
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unit_results
		(run_id, identity, outcome, attempts, rounds, passed, failed, exit_code, timed_out, duration_ms, diagnostic, staged_path, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Unit.Identity, r.Outcome, r.Attempts, r.Rounds, passed, failed, exitCode, timedOut,
		r.Duration.Milliseconds(), diagnostic, staged, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("insert unit result: %w", err)
	}
	return nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, runColumns+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, runColumns+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// UnitHistory returns every recorded outcome of an identity, newest first.
func (s *Store) UnitHistory(ctx context.Context, identity string) ([]*UnitRecord, error) {
	rows, err := s.db.QueryContext(ctx, unitColumns+` WHERE identity = ? ORDER BY id DESC`, identity)
	if err != nil {
		return nil, fmt.Errorf("query unit history: %w", err)
	}
	defer rows.Close()

	var records []*UnitRecord
	for rows.Next() {
		rec, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unit history: %w", err)
	}
	return records, nil
}

// LastOutcome returns the most recent record of an identity.
func (s *Store) LastOutcome(ctx context.Context, identity string) (*UnitRecord, error) {
	row := s.db.QueryRowContext(ctx, unitColumns+` WHERE identity = ? ORDER BY id DESC LIMIT 1`, identity)
	rec, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unit %s: %w", identity, ErrNotFound)
	}
	return rec, err
}

// ValidatedIdentities returns every identity that has ever been validated.
func (s *Store) ValidatedIdentities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT identity FROM unit_results WHERE outcome = ? ORDER BY identity`, models.OutcomeValidated)
	if err != nil {
		return nil, fmt.Errorf("query validated identities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return ids, nil
}

// OutcomeCounts tallies outcomes recorded for one run.
func (s *Store) OutcomeCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM unit_results WHERE run_id = ? GROUP BY outcome`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcome counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		counts[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}
	return counts, nil
}

const runColumns = `SELECT id, started_at, finished_at, backend, model, prompt_dir, total, validated, failed, skipped, duration_ms FROM runs`

const unitColumns = `SELECT id, run_id, identity, outcome, attempts, rounds, passed, failed, exit_code, timed_out, duration_ms, diagnostic, staged_path, recorded_at FROM unit_results`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var started string
	var finished, backend, model, promptDir sql.NullString
	var durationMs int64
	err := row.Scan(&run.ID, &started, &finished, &backend, &model, &promptDir,
		&run.Total, &run.Validated, &run.Failed, &run.Skipped, &durationMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.StartedAt = parseTime(started)
	run.FinishedAt = parseTime(finished.String)
	run.Backend = backend.String
	run.Model = model.String
	run.PromptDir = promptDir.String
	run.Duration = time.Duration(durationMs) * time.Millisecond
	return run, nil
}

func scanUnit(row scanner) (*UnitRecord, error) {
	rec := &UnitRecord{}
	var diagnostic, staged sql.NullString
	var recorded string
	var durationMs int64
	err := row.Scan(&rec.ID, &rec.RunID, &rec.Identity, &rec.Outcome, &rec.Attempts, &rec.Rounds,
		&rec.Passed, &rec.Failed, &rec.ExitCode, &rec.TimedOut, &durationMs, &diagnostic, &staged, &recorded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan unit result: %w", err)
	}
	rec.Diagnostic = diagnostic.String
	rec.StagedPath = staged.String
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.RecordedAt = parseTime(recorded)
	return rec, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
