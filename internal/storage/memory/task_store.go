// Package memory provides in-process backends for tests and single-process
// runs: the task queue, the result sink and an export blob store.
package memory

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

// TaskStore is an in-process reliable queue. Every operation runs under one
// mutex, so a task is always in exactly one of the pending list, the claimed
// set, or the terminal state.
type TaskStore struct {
	mu      sync.Mutex
	clock   harvest.Clock
	tasks   map[string]*harvest.Task
	pending *list.List
	queued  map[string]*list.Element
	claimed map[string]struct{}
	closed  bool
}

var _ harvest.TaskStore = (*TaskStore)(nil)

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore(clock harvest.Clock) *TaskStore {
	return &TaskStore{
		clock:   clock,
		tasks:   make(map[string]*harvest.Task),
		pending: list.New(),
		queued:  make(map[string]*list.Element),
		claimed: make(map[string]struct{}),
	}
}

// Enqueue appends a task to the pending tail. Known ids are ignored.
func (s *TaskStore) Enqueue(_ context.Context, task harvest.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return harvest.ErrStoreClosed
	}
	if _, exists := s.tasks[task.ID]; exists {
		return nil
	}
	stored := cloneTask(task)
	stored.Status = harvest.TaskStatusPending
	stored.WorkerID = ""
	stored.ClaimedAt = nil
	stored.FinishedAt = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock.Now()
	}
	s.tasks[stored.ID] = &stored
	s.queued[stored.ID] = s.pending.PushBack(stored.ID)
	return nil
}

// Claim pops the pending head into the claimed set.
func (s *TaskStore) Claim(_ context.Context, workerID string) (*harvest.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, harvest.ErrStoreClosed
	}
	front := s.pending.Front()
	if front == nil {
		return nil, nil
	}
	id, ok := s.pending.Remove(front).(string)
	if !ok {
		return nil, fmt.Errorf("corrupt pending entry %v", front.Value)
	}
	delete(s.queued, id)
	task := s.tasks[id]
	now := s.clock.Now()
	task.Status = harvest.TaskStatusClaimed
	task.WorkerID = workerID
	task.ClaimedAt = &now
	s.claimed[id] = struct{}{}
	out := cloneTask(*task)
	return &out, nil
}

// Acknowledge marks the task done, pulling it out of the claimed set or, for a
// late acknowledgment after a reclaim, out of the pending list.
func (s *TaskStore) Acknowledge(_ context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: id is required", harvest.ErrInvalidTask)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return harvest.ErrStoreClosed
	}
	task, ok := s.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return nil
	}
	switch task.Status {
	case harvest.TaskStatusClaimed:
		delete(s.claimed, taskID)
	case harvest.TaskStatusPending:
		if el, queued := s.queued[taskID]; queued {
			s.pending.Remove(el)
			delete(s.queued, taskID)
		}
	}
	now := s.clock.Now()
	task.Status = harvest.TaskStatusDone
	task.WorkerID = ""
	task.ClaimedAt = nil
	task.FinishedAt = &now
	return nil
}

// ReclaimStale requeues or fails claims older than timeout, oldest first.
func (s *TaskStore) ReclaimStale(_ context.Context, timeout time.Duration, maxAttempts int) ([]harvest.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, harvest.ErrStoreClosed
	}
	now := s.clock.Now()
	cutoff := now.Add(-timeout)

	stale := make([]*harvest.Task, 0)
	for id := range s.claimed {
		task := s.tasks[id]
		if task.ClaimedAt != nil && task.ClaimedAt.Before(cutoff) {
			stale = append(stale, task)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ClaimedAt.Before(*stale[j].ClaimedAt)
	})

	acted := make([]harvest.Task, 0, len(stale))
	for _, task := range stale {
		delete(s.claimed, task.ID)
		task.WorkerID = ""
		task.ClaimedAt = nil
		if task.AttemptCount >= maxAttempts {
			finished := now
			task.Status = harvest.TaskStatusFailed
			task.FinishedAt = &finished
		} else {
			task.AttemptCount++
			task.Status = harvest.TaskStatusPending
			s.queued[task.ID] = s.pending.PushBack(task.ID)
		}
		acted = append(acted, cloneTask(*task))
	}
	return acted, nil
}

// Get returns a copy of the task with the given id.
func (s *TaskStore) Get(_ context.Context, taskID string) (harvest.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return harvest.Task{}, harvest.ErrTaskNotFound
	}
	return cloneTask(*task), nil
}

// Stats counts tasks by status.
func (s *TaskStore) Stats(_ context.Context) (harvest.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return harvest.QueueStats{}, harvest.ErrStoreClosed
	}
	stats := harvest.QueueStats{
		Pending: int64(s.pending.Len()),
		Claimed: int64(len(s.claimed)),
	}
	for _, task := range s.tasks {
		switch task.Status {
		case harvest.TaskStatusDone:
			stats.Done++
		case harvest.TaskStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close rejects further operations.
func (s *TaskStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func cloneTask(t harvest.Task) harvest.Task {
	out := t
	if t.ClaimedAt != nil {
		ts := *t.ClaimedAt
		out.ClaimedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		out.FinishedAt = &ts
	}
	return out
}
