// Package history persists pipeline runs and their builder results in SQLite.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
)

// ErrRunNotFound is returned by GetRun for unknown ids
var ErrRunNotFound = errors.New("run not found")

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection, so :memory: is a single database and writers never race
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a run in its running state
func (s *Store) StartRun(run *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, trigger_name, status, prefetch, exit_code, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		triggerOrDefault(run.Trigger),
		string(run.Status),
		string(run.Prefetch),
		run.ExitCode,
		run.Error,
		run.StartedAt.UTC(),
	)
	return err
}

// FinishRun stores the final state of a run and its builder results. A run
// that was never started is inserted.
func (s *Store) FinishRun(run *domain.Run) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, trigger_name, status, prefetch, exit_code, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			prefetch = excluded.prefetch,
			exit_code = excluded.exit_code,
			error = excluded.error,
			finished_at = excluded.finished_at
	`,
		run.ID,
		triggerOrDefault(run.Trigger),
		string(run.Status),
		string(run.Prefetch),
		run.ExitCode,
		run.Error,
		run.StartedAt.UTC(),
		finishedAt(run),
	)
	if err != nil {
		return fmt.Errorf("storing run: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM builder_results WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	for _, b := range run.Builders {
		var errText sql.NullString
		if b.Err != nil {
			errText = sql.NullString{String: b.Err.Error(), Valid: true}
		}
		var started sql.NullTime
		if !b.StartedAt.IsZero() {
			started = sql.NullTime{Time: b.StartedAt.UTC(), Valid: true}
		}
		_, err := tx.Exec(`
			INSERT INTO builder_results (run_id, name, stage, status, error, started_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, b.Name, b.Stage, string(b.Status), errText, started, b.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("storing builder %s: %w", b.Name, err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run and its builder results by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, trigger_name, status, prefetch, exit_code, error, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	run.Builders, err = s.builderResults(id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status domain.RunStatus
	Since  time.Time
	Limit  int
}

// ListRuns returns runs matching the given options, newest first. Builder
// results are not loaded.
func (s *Store) ListRuns(opts ListOptions) ([]*domain.Run, error) {
	query := `SELECT id, trigger_name, status, prefetch, exit_code, error, started_at, finished_at FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// ParseCutoff turns a prune threshold into an absolute time. It accepts an
// age relative to now ("720h", "30d") or a date ("2006-01-02", UTC).
func ParseCutoff(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n >= 0 {
			return now.AddDate(0, 0, -n), nil
		}
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid cutoff %q: want an age like 720h or 30d, or a date like 2006-01-02", value)
}

// Prune deletes runs started before cutoff and returns how many were removed
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) builderResults(runID string) ([]domain.BuilderResult, error) {
	rows, err := s.db.Query(`
		SELECT name, stage, status, error, started_at, duration_ms
		FROM builder_results WHERE run_id = ? ORDER BY stage, name
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.BuilderResult
	for rows.Next() {
		var b domain.BuilderResult
		var status string
		var errText sql.NullString
		var started sql.NullTime
		var durationMS int64
		if err := rows.Scan(&b.Name, &b.Stage, &status, &errText, &started, &durationMS); err != nil {
			return nil, err
		}
		b.Status = domain.BuilderStatus(status)
		if errText.Valid {
			b.Err = errors.New(errText.String)
		}
		if started.Valid {
			b.StartedAt = started.Time
		}
		b.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, b)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var prefetch, errText sql.NullString
	var finished sql.NullTime

	err := row.Scan(&run.ID, &run.Trigger, &status, &prefetch, &run.ExitCode, &errText, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.Prefetch = domain.PrefetchOutcome(prefetch.String)
	run.Error = errText.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// finishedAt returns the finish time in UTC; timestamps are stored in UTC
// so they order correctly as text.
func finishedAt(run *domain.Run) sql.NullTime {
	if run.FinishedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: run.FinishedAt.UTC(), Valid: true}
}

func triggerOrDefault(t string) string {
	if t == "" {
		return "manual"
	}
	return t
}
