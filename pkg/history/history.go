// Package history persists upgrade run history in a local SQLite database
// so operators can audit what rolled when, and what a failed run got
// through before it stopped.
package history

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

	"github.com/rollwave/rollwave/pkg/platform"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store records and queries run history.
type Store struct {
	db   *sql.DB
	path string
}

// RunRecord is one orchestration run.
type RunRecord struct {
	ID          string
	Status      string
	Changes     int
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ChangeRecord is one Change within a run.
type ChangeRecord struct {
	RunID       string
	ID          string
	Type        string
	Service     string
	Image       string
	Status      string
	Message     string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// EventRecord is one progress line emitted during a run.
type EventRecord struct {
	RunID     string
	ChangeID  string
	Message   string
	CreatedAt time.Time
}

// Open opens (or creates) the history database at path, enables WAL mode,
// and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history database path is required")
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// RecordRunStart implements proc.EventRecorder.
func (s *Store) RecordRunStart(ctx context.Context, runID string, changes int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, changes, started_at) VALUES (?, 'running', ?, ?)`,
		runID, changes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordRunEnd implements proc.EventRecorder.
func (s *Store) RecordRunEnd(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		status, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("record run end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// RecordChangeStart implements proc.EventRecorder.
func (s *Store) RecordChangeStart(ctx context.Context, runID string, change platform.Change) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO changes (run_id, id, type, service, image, status, started_at)
		 VALUES (?, ?, ?, ?, ?, 'running', ?)`,
		runID, change.ID, string(change.Type), change.Service, change.Image, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record change start: %w", err)
	}
	return nil
}

// RecordChangeEnd implements proc.EventRecorder.
func (s *Store) RecordChangeEnd(ctx context.Context, runID, changeID, status, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE changes SET status = ?, message = ?, completed_at = ? WHERE run_id = ? AND id = ?`,
		status, message, time.Now().UTC(), runID, changeID)
	if err != nil {
		return fmt.Errorf("record change end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("change not found: %s/%s", runID, changeID)
	}
	return nil
}

// RecordEvent implements proc.EventRecorder.
func (s *Store) RecordEvent(ctx context.Context, runID, changeID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, change_id, message, created_at) VALUES (?, ?, ?, ?)`,
		runID, changeID, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, changes, started_at, completed_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Status, &r.Changes, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run and its changes.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, []ChangeRecord, error) {
	var r RunRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, changes, started_at, completed_at FROM runs WHERE id = ?`, runID).
		Scan(&r.ID, &r.Status, &r.Changes, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, id, type, service, COALESCE(image, ''), status, COALESCE(message, ''), started_at, completed_at
		 FROM changes WHERE run_id = ? ORDER BY started_at`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var changes []ChangeRecord
	for rows.Next() {
		var c ChangeRecord
		if err := rows.Scan(&c.RunID, &c.ID, &c.Type, &c.Service, &c.Image, &c.Status, &c.Message, &c.StartedAt, &c.CompletedAt); err != nil {
			return nil, nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, c)
	}
	return &r, changes, rows.Err()
}

// ListEvents returns a run's progress lines in emission order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, COALESCE(change_id, ''), message, created_at
		 FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.RunID, &e.ChangeID, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
