package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

const taskColumns = `id, keyword, center_lat, center_lng, width_meters, zoom,
	COALESCE(parent_id, ''), status, attempt_count, COALESCE(worker_id, ''),
	created_at, claimed_at, finished_at`

// TaskStore is a reliable queue backed by a single Postgres table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never receive the same row.
type TaskStore struct {
	pool   pgxPool
	clock  harvest.Clock
	table  string
	seq    string
	closed atomic.Bool
}

var _ harvest.TaskStore = (*TaskStore)(nil)

// NewTaskStore wraps an existing pool. An empty table defaults to grid_tasks.
func NewTaskStore(pool pgxPool, clock harvest.Clock, table string) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	name, err := tableOrDefault(table, "grid_tasks")
	if err != nil {
		return nil, err
	}
	return &TaskStore{pool: pool, clock: clock, table: name, seq: name + "_queue_seq"}, nil
}

// EnsureSchema creates the queue table, its ordering sequence and indexes.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, s.seq),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	keyword TEXT NOT NULL,
	center_lat DOUBLE PRECISION NOT NULL,
	center_lng DOUBLE PRECISION NOT NULL,
	width_meters DOUBLE PRECISION NOT NULL,
	zoom INTEGER NOT NULL,
	parent_id TEXT,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	claimed_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	queue_pos BIGINT NOT NULL DEFAULT nextval('%s')
)`, s.table, s.seq),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_pos_idx ON %s (status, queue_pos)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_claimed_idx ON %s (status, claimed_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

// Enqueue inserts a pending task. A conflicting id leaves the stored row as is.
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
	query := fmt.Sprintf(`
INSERT INTO %s (id, keyword, center_lat, center_lng, width_meters, zoom, parent_id, status, attempt_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), 'pending', $8, $9)
ON CONFLICT (id) DO NOTHING`, s.table)
	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.Keyword,
		task.Center.Lat,
		task.Center.Lng,
		task.WidthMeters,
		task.Zoom,
		task.ParentID,
		task.AttemptCount,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Claim moves the oldest pending row to claimed in a single statement.
func (s *TaskStore) Claim(ctx context.Context, workerID string) (*harvest.Task, error) {
	if s.closed.Load() {
		return nil, harvest.ErrStoreClosed
	}
	query := fmt.Sprintf(`
UPDATE %[1]s SET status = 'claimed', worker_id = $1, claimed_at = $2
WHERE id = (
	SELECT id FROM %[1]s
	WHERE status = 'pending'
	ORDER BY queue_pos
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING %[2]s`, s.table, taskColumns)
	task, err := scanTask(s.pool.QueryRow(ctx, query, workerID, s.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
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
	query := fmt.Sprintf(`
UPDATE %s SET status = 'done', worker_id = NULL, claimed_at = NULL, finished_at = $2
WHERE id = $1 AND status IN ('pending', 'claimed')`, s.table)
	if _, err := s.pool.Exec(ctx, query, taskID, s.clock.Now()); err != nil {
		return fmt.Errorf("acknowledge task %s: %w", taskID, err)
	}
	return nil
}

// ReclaimStale requeues claims older than timeout at the pending tail, or
// fails them once attempt_count has reached maxAttempts.
func (s *TaskStore) ReclaimStale(ctx context.Context, timeout time.Duration, maxAttempts int) ([]harvest.Task, error) {
	if s.closed.Load() {
		return nil, harvest.ErrStoreClosed
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`
WITH stale AS (
	SELECT id, claimed_at FROM %[1]s
	WHERE status = 'claimed' AND claimed_at < $1
	ORDER BY claimed_at
	FOR UPDATE SKIP LOCKED
), ordered AS (
	SELECT id, claimed_at, nextval('%[2]s') AS pos FROM stale ORDER BY claimed_at
)
UPDATE %[1]s AS t SET
	status = CASE WHEN t.attempt_count >= $2 THEN 'failed' ELSE 'pending' END,
	attempt_count = CASE WHEN t.attempt_count >= $2 THEN t.attempt_count ELSE t.attempt_count + 1 END,
	finished_at = CASE WHEN t.attempt_count >= $2 THEN $3 ELSE NULL END,
	queue_pos = CASE WHEN t.attempt_count >= $2 THEN t.queue_pos ELSE ordered.pos END,
	worker_id = NULL,
	claimed_at = NULL
FROM ordered
WHERE t.id = ordered.id
RETURNING t.id, t.keyword, t.center_lat, t.center_lng, t.width_meters, t.zoom,
	COALESCE(t.parent_id, ''), t.status, t.attempt_count, COALESCE(t.worker_id, ''),
	t.created_at, t.claimed_at, t.finished_at, ordered.claimed_at`, s.table, s.seq)

	rows, err := s.pool.Query(ctx, query, now.Add(-timeout), maxAttempts, now)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	defer rows.Close()

	type reclaimed struct {
		task    harvest.Task
		staleAt time.Time
	}
	acted := make([]reclaimed, 0)
	for rows.Next() {
		var r reclaimed
		var status string
		err := rows.Scan(
			&r.task.ID, &r.task.Keyword, &r.task.Center.Lat, &r.task.Center.Lng,
			&r.task.WidthMeters, &r.task.Zoom, &r.task.ParentID, &status,
			&r.task.AttemptCount, &r.task.WorkerID, &r.task.CreatedAt,
			&r.task.ClaimedAt, &r.task.FinishedAt, &r.staleAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan reclaimed task: %w", err)
		}
		r.task.Status = harvest.TaskStatus(status)
		acted = append(acted, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	sort.SliceStable(acted, func(i, j int) bool { return acted[i].staleAt.Before(acted[j].staleAt) })
	out := make([]harvest.Task, 0, len(acted))
	for _, r := range acted {
		out = append(out, r.task)
	}
	return out, nil
}

// Get loads a task by id.
func (s *TaskStore) Get(ctx context.Context, taskID string) (harvest.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, taskColumns, s.table)
	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Task{}, harvest.ErrTaskNotFound
	}
	if err != nil {
		return harvest.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// Stats counts rows per status.
func (s *TaskStore) Stats(ctx context.Context) (harvest.QueueStats, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query)
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
	if err := rows.Err(); err != nil {
		return harvest.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// Close releases the pool. Further queue operations return ErrStoreClosed.
func (s *TaskStore) Close() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.pool.Close()
}

func scanTask(row pgx.Row) (harvest.Task, error) {
	var (
		task   harvest.Task
		status string
	)
	err := row.Scan(
		&task.ID, &task.Keyword, &task.Center.Lat, &task.Center.Lng,
		&task.WidthMeters, &task.Zoom, &task.ParentID, &status,
		&task.AttemptCount, &task.WorkerID, &task.CreatedAt,
		&task.ClaimedAt, &task.FinishedAt,
	)
	if err != nil {
		return harvest.Task{}, err
	}
	task.Status = harvest.TaskStatus(status)
	return task, nil
}
