package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"taskdeck/internal/model"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite parent dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		"PRAGMA foreign_keys = ON;",
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_dir TEXT NOT NULL,
			doc_path TEXT NOT NULL,
			status TEXT NOT NULL,
			cli_type TEXT NOT NULL DEFAULT '',
			review TEXT NOT NULL DEFAULT 'inherit',
			callback_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT,
			last_pid INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			log_path TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

const taskColumns = `id, project_dir, doc_path, status, cli_type, review, callback_url,
	created_at, updated_at, completed_at, last_pid, last_error, log_path`

func (s *SQLiteStore) CreateTask(ctx context.Context, t model.Task) error {
	if t.ID == "" {
		return fmt.Errorf("create task: empty id")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	if t.Review == "" {
		t.Review = model.ReviewInherit
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectDir, t.DocPath, string(t.Status), string(t.CLIType), string(t.Review),
		t.CallbackURL, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		nullableTime(t.CompletedAt), t.LastPID, t.LastError, t.LogPath)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if isNoRows(err) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, statuses ...model.Status) ([]model.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (?` +
		repeat(",?", len(statuses)-1) + `) ORDER BY created_at ASC, id ASC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// UpdateStatus applies a status transition. The current status is read
// first and the move checked against the legal transition graph; the UPDATE
// is conditional on that status so a transition racing in between loses
// instead of being overwritten. Writing the current status again is an
// idempotent refresh, not a transition.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status model.Status, lastErr string) error {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != status {
		if err := model.ValidateTaskTransition(cur.Status, status); err != nil {
			return fmt.Errorf("update task %s status: %w", id, err)
		}
	}

	now := time.Now().UTC()
	var completed any
	if status == model.StatusCompleted {
		completed = formatTime(now)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, last_error = ?,
			completed_at = COALESCE(?, completed_at) WHERE id = ? AND status = ?`,
		string(status), formatTime(now), lastErr, completed, id, string(cur.Status))
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetTask(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("update task %s status: concurrent transition from %q", id, cur.Status)
	}
	return nil
}

func (s *SQLiteStore) UpdatePID(ctx context.Context, id string, pid int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_pid = ?, updated_at = ? WHERE id = ?`,
		pid, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update task %s pid: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t                    model.Task
		status, cli, review  string
		created, updated     string
		completed            sql.NullString
	)
	err := row.Scan(&t.ID, &t.ProjectDir, &t.DocPath, &status, &cli, &review,
		&t.CallbackURL, &created, &updated, &completed, &t.LastPID, &t.LastError, &t.LogPath)
	if err != nil {
		return model.Task{}, err
	}
	t.Status = model.Status(status)
	t.CLIType = model.CLIType(cli)
	t.Review = model.ReviewMode(review)
	if t.CreatedAt, err = parseTime(created); err != nil {
		return model.Task{}, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Task{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if completed.Valid && completed.String != "" {
		ts, err := parseTime(completed.String)
		if err != nil {
			return model.Task{}, fmt.Errorf("parse completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]model.Task, error) {
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
