// Package journal persists launch history and the set of managed tmux
// sessions this launcher has created, in a small sqlite database under
// ~/.routecodex.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for lookups that match nothing.
var ErrNotFound = errors.New("not found")

// LaunchRecord is one launcher invocation.
type LaunchRecord struct {
	ID          string
	StartedAt   time.Time
	Cwd         string
	SessionName string
	Reused      bool
	Mode        string // "session" or "subprocess"
	ServerURL   string
	Outcome     string
	ExitCode    int
}

// ManagedSession is a tmux session created (and therefore owned) by this
// launcher.
type ManagedSession struct {
	Name      string
	Cwd       string
	CreatedAt time.Time
}

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open creates the database and schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS launches (
	launch_id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	cwd TEXT NOT NULL,
	session_name TEXT NOT NULL DEFAULT '',
	reused INTEGER NOT NULL DEFAULT 0,
	mode TEXT NOT NULL,
	server_url TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	exit_code INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS managed_sessions (
	session_name TEXT PRIMARY KEY,
	cwd TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("apply journal schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordLaunch inserts a launch row, assigning an id when absent.
func (s *Store) RecordLaunch(ctx context.Context, rec LaunchRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO launches(launch_id, started_at, cwd, session_name, reused, mode, server_url, outcome, exit_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.ID, rec.StartedAt.Unix(), rec.Cwd, rec.SessionName, boolToInt(rec.Reused), rec.Mode, rec.ServerURL, rec.Outcome, rec.ExitCode)
	if err != nil {
		return "", fmt.Errorf("record launch: %w", err)
	}
	return rec.ID, nil
}

// FinishLaunch stamps the outcome and exit code on a launch row.
func (s *Store) FinishLaunch(ctx context.Context, id, outcome string, exitCode int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE launches SET outcome = ?, exit_code = ? WHERE launch_id = ?
`, outcome, exitCode, id)
	if err != nil {
		return fmt.Errorf("finish launch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentLaunches returns up to limit launches, newest first.
func (s *Store) RecentLaunches(ctx context.Context, limit int) ([]LaunchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT launch_id, started_at, cwd, session_name, reused, mode, server_url, outcome, exit_code
FROM launches ORDER BY started_at DESC, launch_id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list launches: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []LaunchRecord
	for rows.Next() {
		var rec LaunchRecord
		var started int64
		var reused int
		if err := rows.Scan(&rec.ID, &started, &rec.Cwd, &rec.SessionName, &reused, &rec.Mode, &rec.ServerURL, &rec.Outcome, &rec.ExitCode); err != nil {
			return nil, fmt.Errorf("scan launch: %w", err)
		}
		rec.StartedAt = time.Unix(started, 0).UTC()
		rec.Reused = reused != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertManagedSession records a session this launcher created.
func (s *Store) UpsertManagedSession(ctx context.Context, name, cwd string, createdAt time.Time) error {
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO managed_sessions(session_name, cwd, created_at) VALUES (?, ?, ?)
ON CONFLICT(session_name) DO UPDATE SET cwd = excluded.cwd
`, name, cwd, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert managed session: %w", err)
	}
	return nil
}

// DeleteManagedSession drops the bookkeeping row for a stopped session.
func (s *Store) DeleteManagedSession(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM managed_sessions WHERE session_name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete managed session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListManagedSessions returns every session the launcher still tracks.
func (s *Store) ListManagedSessions(ctx context.Context) ([]ManagedSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_name, cwd, created_at FROM managed_sessions ORDER BY created_at DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list managed sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []ManagedSession
	for rows.Next() {
		var ms ManagedSession
		var created int64
		if err := rows.Scan(&ms.Name, &ms.Cwd, &created); err != nil {
			return nil, fmt.Errorf("scan managed session: %w", err)
		}
		ms.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, ms)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
