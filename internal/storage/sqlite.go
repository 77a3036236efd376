// Package storage keeps the local launch journal in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/towerops/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an attempt id is unknown.
var ErrNotFound = errors.New("attempt not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps writes from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		workspace_id INTEGER NOT NULL,
		pipeline TEXT NOT NULL,
		requested_name TEXT NOT NULL,
		run_name TEXT NOT NULL,
		session_id TEXT,
		resume INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		run_id TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_key ON attempts(workspace_id, pipeline, requested_name);
	CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordAttempt stores a new pending attempt, assigning its id and start
// time when they are unset.
func (s *Storage) RecordAttempt(ctx context.Context, a *models.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = models.AttemptPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, workspace_id, pipeline, requested_name, run_name, session_id, resume, status, run_id, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkspaceID, a.Pipeline, a.RequestedName, a.RunName, a.SessionID, a.Resume,
		a.Status, a.RunID, a.Error, a.StartedAt, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// CompleteAttempt marks an attempt submitted with runID, or failed when
// submitErr is non-nil.
func (s *Storage) CompleteAttempt(ctx context.Context, id, runID string, submitErr error) error {
	status := models.AttemptSubmitted
	var errText string
	if submitErr != nil {
		status = models.AttemptFailed
		errText = submitErr.Error()
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, run_id = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, runID, errText, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete attempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) GetAttempt(ctx context.Context, id string) (*models.Attempt, error) {
	row := s.db.QueryRowContext(ctx, selectAttempts+` WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// PendingAttempts returns attempts for the same logical launch whose
// outcome was never recorded, oldest first.
func (s *Storage) PendingAttempts(ctx context.Context, workspaceID int64, pipeline, requestedName string) ([]*models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		selectAttempts+` WHERE workspace_id = ? AND pipeline = ? AND requested_name = ? AND status = ?
		 ORDER BY started_at`,
		workspaceID, pipeline, requestedName, models.AttemptPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// ListAttempts returns the most recent attempts first.
func (s *Storage) ListAttempts(ctx context.Context, limit int) ([]*models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, selectAttempts+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

const selectAttempts = `SELECT id, workspace_id, pipeline, requested_name, run_name, session_id, resume, status, run_id, error, started_at, completed_at
	FROM attempts`

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*models.Attempt, error) {
	var a models.Attempt
	var sessionID, runID, errText sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.Pipeline, &a.RequestedName, &a.RunName, &sessionID,
		&a.Resume, &a.Status, &runID, &errText, &a.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	a.SessionID = sessionID.String
	a.RunID = runID.String
	a.Error = errText.String
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return &a, nil
}

func collectAttempts(rows *sql.Rows) ([]*models.Attempt, error) {
	var attempts []*models.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// FormatTimeAgo renders t relative to now for display.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
