package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mkarel/storyforge/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    status      TEXT NOT NULL,
    progress    INTEGER NOT NULL DEFAULT 0,
    payload     BLOB,
    result      BLOB,
    error       TEXT,
    owner_type  TEXT NOT NULL,
    owner_id    TEXT NOT NULL,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const taskColumns = `id, kind, status, progress, payload, result, error,
	owner_type, owner_id, duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, kind, status, progress, payload, result, error,
			owner_type, owner_id, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.Status, t.Progress, []byte(t.Payload), []byte(t.Result), t.Error,
		t.OwnerType, t.OwnerID, t.DurationMS, t.CreatedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	t := &model.Task{}
	var payload, result []byte
	err := row.Scan(
		&t.ID, &t.Kind, &t.Status, &t.Progress, &payload, &result, &t.Error,
		&t.OwnerType, &t.OwnerID, &t.DurationMS, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	t.Result = json.RawMessage(result)
	return t, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// ClaimNextQueued claims the oldest queued task in a single UPDATE so that
// two concurrent workers can never claim the same row. The inner SELECT and
// the status guard together make the claim exclusive under SQLite's
// serialized writes.
func (s *SQLiteStore) ClaimNextQueued(ctx context.Context) (*model.Task, error) {
	now := time.Now().UTC()
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?, progress = 0
		WHERE id = (
			SELECT id FROM tasks WHERE status = ?
			ORDER BY created_at ASC, id ASC LIMIT 1
		) AND status = ?
		RETURNING `+taskColumns,
		model.StatusRunning, now, model.StatusQueued, model.StatusQueued,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoQueuedTasks
	}
	if err != nil {
		return nil, fmt.Errorf("claim queued task: %w", err)
	}
	return t, nil
}

// UpdateProgress commits a progress value for a running task. MAX keeps the
// stored value non-decreasing even if events arrive slightly out of order.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET progress = MAX(progress, ?) WHERE id = ? AND status = ?",
		progress, id, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return checkAffected(result)
}

// UpdateResult commits a partial result for a running task.
func (s *SQLiteStore) UpdateResult(ctx context.Context, id string, res json.RawMessage) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET result = ? WHERE id = ? AND status = ?",
		[]byte(res), id, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	return checkAffected(result)
}

// FinishTask commits a terminal update after validating the status transition.
func (s *SQLiteStore) FinishTask(ctx context.Context, t *model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", t.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get current status: %w", err)
	}

	if !model.ValidTransition(current, t.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, t.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, progress = ?, result = ?, error = ?,
			duration_ms = ?, finished_at = ? WHERE id = ?`,
		t.Status, t.Progress, []byte(t.Result), t.Error,
		t.DurationMS, t.FinishedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecoverStale fails all tasks left running by a previous process.
func (s *SQLiteStore) RecoverStale(ctx context.Context, reason string) (int, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, error = ?, finished_at = ? WHERE status = ?",
		model.StatusFailed, reason, now, model.StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// GetTaskStats returns aggregate counts and average duration.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	kindRows, err := tx.QueryContext(ctx, "SELECT kind, COUNT(*) FROM tasks GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	defer kindRows.Close()
	for kindRows.Next() {
		var kind string
		var count int
		if err := kindRows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		stats.CountByKind[kind] = count
	}
	if err := kindRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kind counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM tasks WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("avg duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
