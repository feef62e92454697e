package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/scopekeeper/scopekeeper/pkg/destroy"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal records finalization history in SQLite. It implements
// destroy.Recorder.
type Journal struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds journal database configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New creates a journal instance. Call Init and Migrate before use.
func New(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &Journal{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database and enables WAL mode.
func (j *Journal) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", j.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(j.cfg.MaxOpenConns)
	db.SetMaxIdleConns(j.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(j.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, enforced explicitly.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	j.db = db
	return nil
}

// HealthCheck verifies the database is reachable.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return j.db.PingContext(ctx)
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (j *Journal) Migrate(_ context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// BeginRun opens a run record and returns its id.
func (j *Journal) BeginRun(ctx context.Context, scopePath, strategy string, dryRun bool) (int64, error) {
	query := `
		INSERT INTO runs (scope_path, strategy, dry_run, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := j.db.ExecContext(ctx, query, scopePath, strategy, dryRun, RunStatusRunning, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to create run record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get run id: %w", err)
	}
	return id, nil
}

// RecordDestruction appends one resource outcome to a run.
func (j *Journal) RecordDestruction(ctx context.Context, runID int64, result *destroy.DestructionResult) error {
	var errMsg *string
	if result.Err != nil {
		msg := result.Err.Error()
		errMsg = &msg
	}

	query := `
		INSERT INTO destruction_events (run_id, resource_id, success, error, attempts, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query,
		runID,
		result.ResourceID,
		result.Success,
		errMsg,
		result.Attempts,
		result.Duration.Milliseconds(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record destruction event: %w", err)
	}
	return nil
}

// CompleteRun closes a run record with its final report.
func (j *Journal) CompleteRun(ctx context.Context, runID int64, report *destroy.FinalizationReport) error {
	status := RunStatusCompleted
	var errMsg *string
	if !report.Success {
		status = RunStatusFailed
		msg := fmt.Sprintf("%d of %d orphans not destroyed", len(report.Failed), len(report.Orphaned))
		errMsg = &msg
	}

	query := `
		UPDATE runs
		SET status = ?, error = ?, forced = ?, orphaned = ?, destroyed = ?, failed = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := j.db.ExecContext(ctx, query,
		status,
		errMsg,
		report.Forced,
		len(report.Orphaned),
		len(report.Destroyed),
		len(report.Failed),
		time.Now().UTC(),
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %d", runID)
	}
	return nil
}

// GetRun retrieves a run by id.
func (j *Journal) GetRun(ctx context.Context, id int64) (*Run, error) {
	query := `
		SELECT id, scope_path, strategy, dry_run, forced, status, error, orphaned, destroyed, failed, started_at, completed_at
		FROM runs
		WHERE id = ?
	`
	run := &Run{}
	err := j.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.ScopePath, &run.Strategy, &run.DryRun, &run.Forced,
		&run.Status, &run.Error, &run.Orphaned, &run.Destroyed, &run.Failed,
		&run.StartedAt, &run.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest-first, optionally filtered to one scope
// path.
func (j *Journal) ListRuns(ctx context.Context, scopePath string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, scope_path, strategy, dry_run, forced, status, error, orphaned, destroyed, failed, started_at, completed_at
		FROM runs
	`
	args := []interface{}{}
	if scopePath != "" {
		query += " WHERE scope_path = ?"
		args = append(args, scopePath)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID, &run.ScopePath, &run.Strategy, &run.DryRun, &run.Forced,
			&run.Status, &run.Error, &run.Orphaned, &run.Destroyed, &run.Failed,
			&run.StartedAt, &run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// EventsForRun lists a run's destruction events in insertion order.
func (j *Journal) EventsForRun(ctx context.Context, runID int64) ([]*Event, error) {
	query := `
		SELECT id, run_id, resource_id, success, error, attempts, duration_ms, recorded_at
		FROM destruction_events
		WHERE run_id = ?
		ORDER BY id ASC
	`
	rows, err := j.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		ev := &Event{}
		var durationMs int64
		err := rows.Scan(
			&ev.ID, &ev.RunID, &ev.ResourceID, &ev.Success, &ev.Error,
			&ev.Attempts, &durationMs, &ev.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Duration = time.Duration(durationMs) * time.Millisecond
		events = append(events, ev)
	}
	return events, rows.Err()
}

// StatsForScope aggregates run history for one scope path.
func (j *Journal) StatsForScope(ctx context.Context, scopePath string) (*ScopeStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(destroyed), 0),
			MAX(started_at)
		FROM runs
		WHERE scope_path = ?
	`
	stats := &ScopeStats{ScopePath: scopePath}
	var lastRun sql.NullTime
	err := j.db.QueryRowContext(ctx, query, scopePath).Scan(
		&stats.TotalRuns, &stats.CompletedRuns, &stats.FailedRuns,
		&stats.TotalDestroyed, &lastRun,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to collect scope stats: %w", err)
	}
	if lastRun.Valid {
		stats.LastRunAt = &lastRun.Time
	}
	return stats, nil
}

// Prune deletes run records older than the cutoff, cascading to their
// events.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}
