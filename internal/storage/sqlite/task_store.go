// Package sqlite provides a single-file task queue for local runs.
//
// The database is opened with one connection, WAL journaling and a busy
// timeout. Every queue transition is a single statement or a short
// transaction on that connection, so claims are serialized. Transactions
// begin IMMEDIATE so a reclaim sweep in another process waits for the write
// lock instead of failing when it upgrades from read to write.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

const schema = `
CREATE TABLE IF NOT EXISTS grid_tasks (
	id TEXT PRIMARY KEY,
	keyword TEXT NOT NULL,
	center_lat REAL NOT NULL,
	center_lng REAL NOT NULL,
	width_meters REAL NOT NULL,
	zoom INTEGER NOT NULL,
	parent_id TEXT,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT,
	created_at INTEGER NOT NULL,
	claimed_at INTEGER,
	finished_at INTEGER,
	queue_pos INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS grid_tasks_status_pos_idx ON grid_tasks (status, queue_pos);
CREATE INDEX IF NOT EXISTS grid_tasks_status_claimed_idx ON grid_tasks (status, claimed_at);
`

const taskColumns = `id, keyword, center_lat, center_lng, width_meters, zoom,
	COALESCE(parent_id, ''), status, attempt_count, COALESCE(worker_id, ''),
	created_at, claimed_at, finished_at`

// Config controls how the database file is opened.
type Config struct {
	Path          string
	BusyTimeoutMS int
}

// TaskStore is a reliable queue stored in a SQLite file.
type TaskStore struct {
	db     *sql.DB
	clock  harvest.Clock
	closed atomic.Bool
}

var _ harvest.TaskStore = (*TaskStore)(nil)

// Open creates the parent directory, applies pragmas and ensures the schema.
func Open(ctx context.Context, cfg Config, clock harvest.Clock) (*TaskStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 10_000
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn(cfg.Path, busy))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &TaskStore{db: db, clock: clock}, nil
}

func dsn(path string, busyMS int) string {
	return fmt.Sprintf("%s?_txlock=immediate&_pragma=busy_timeout(%d)", path, busyMS)
}

// Enqueue appends a pending task. Known ids are ignored.
func (s *TaskStore) Enqueue(ctx context.Context, task harvest.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if s.closed.Load() {
		return harvest.ErrStoreClosed
	}
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO grid_tasks
	(id, keyword, center_lat, center_lng, width_meters, zoom, parent_id, status, attempt_count, created_at, queue_pos)
VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), 'pending', ?, ?, (SELECT COALESCE(MAX(queue_pos), 0) + 1 FROM grid_tasks))`,
		task.ID, task.Keyword, task.Center.Lat, task.Center.Lng, task.WidthMeters,
		task.Zoom, task.ParentID, task.AttemptCount, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Claim moves the lowest queue position to claimed.
func (s *TaskStore) Claim(ctx context.Context, workerID string) (*harvest.Task, error) {
	if s.closed.Load() {
		return nil, harvest.ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx, `
UPDATE grid_tasks SET status = 'claimed', worker_id = ?, claimed_at = ?
WHERE id = (SELECT id FROM grid_tasks WHERE status = 'pending' ORDER BY queue_pos LIMIT 1)
RETURNING `+taskColumns, workerID, toMillis(s.clock.Now()))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return &task, nil
}

// Acknowledge marks a pending or claimed task done.
func (s *TaskStore) Acknowledge(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: id is required", harvest.ErrInvalidTask)
	}
	if s.closed.Load() {
		return harvest.ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE grid_tasks SET status = 'done', worker_id = NULL, claimed_at = NULL, finished_at = ?
WHERE id = ? AND status IN ('pending', 'claimed')`, toMillis(s.clock.Now()), taskID)
	if err != nil {
		return fmt.Errorf("acknowledge task %s: %w", taskID, err)
	}
	return nil
}

// ReclaimStale requeues or fails claims older than timeout, oldest first.
func (s *TaskStore) ReclaimStale(ctx context.Context, timeout time.Duration, maxAttempts int) ([]harvest.Task, error) {
	if s.closed.Load() {
		return nil, harvest.ErrStoreClosed
	}
	now := s.clock.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reclaim begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+`
FROM grid_tasks WHERE status = 'claimed' AND claimed_at < ? ORDER BY claimed_at, queue_pos`,
		toMillis(now.Add(-timeout)))
	if err != nil {
		return nil, fmt.Errorf("select stale tasks: %w", err)
	}
	stale := make([]harvest.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		stale = append(stale, task)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("select stale tasks: %w", err)
	}

	for i := range stale {
		task := &stale[i]
		task.WorkerID = ""
		task.ClaimedAt = nil
		if task.AttemptCount >= maxAttempts {
			finished := now
			task.Status = harvest.TaskStatusFailed
			task.FinishedAt = &finished
			_, err = tx.ExecContext(ctx, `
UPDATE grid_tasks SET status = 'failed', worker_id = NULL, claimed_at = NULL, finished_at = ?
WHERE id = ?`, toMillis(now), task.ID)
		} else {
			task.AttemptCount++
			task.Status = harvest.TaskStatusPending
			_, err = tx.ExecContext(ctx, `
UPDATE grid_tasks SET status = 'pending', worker_id = NULL, claimed_at = NULL,
	attempt_count = ?, queue_pos = (SELECT MAX(queue_pos) + 1 FROM grid_tasks)
WHERE id = ?`, task.AttemptCount, task.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("reclaim task %s: %w", task.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("reclaim commit: %w", err)
	}
	return stale, nil
}

// Get loads a task by id.
func (s *TaskStore) Get(ctx context.Context, taskID string) (harvest.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM grid_tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Task{}, harvest.ErrTaskNotFound
	}
	if err != nil {
		return harvest.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// Stats counts rows per status.
func (s *TaskStore) Stats(ctx context.Context) (harvest.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM grid_tasks GROUP BY status`)
	if err != nil {
		return harvest.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	var stats harvest.QueueStats
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return harvest.QueueStats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		switch harvest.TaskStatus(status) {
		case harvest.TaskStatusPending:
			stats.Pending = count
		case harvest.TaskStatusClaimed:
			stats.Claimed = count
		case harvest.TaskStatusDone:
			stats.Done = count
		case harvest.TaskStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// Close closes the database.
func (s *TaskStore) Close() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (harvest.Task, error) {
	var (
		task       harvest.Task
		status     string
		createdAt  int64
		claimedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)
	err := row.Scan(
		&task.ID, &task.Keyword, &task.Center.Lat, &task.Center.Lng,
		&task.WidthMeters, &task.Zoom, &task.ParentID, &status,
		&task.AttemptCount, &task.WorkerID, &createdAt, &claimedAt, &finishedAt,
	)
	if err != nil {
		return harvest.Task{}, err
	}
	task.Status = harvest.TaskStatus(status)
	task.CreatedAt = fromMillis(createdAt)
	if claimedAt.Valid {
		ts := fromMillis(claimedAt.Int64)
		task.ClaimedAt = &ts
	}
	if finishedAt.Valid {
		ts := fromMillis(finishedAt.Int64)
		task.FinishedAt = &ts
	}
	return task, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
