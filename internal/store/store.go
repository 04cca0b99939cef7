package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mkarel/storyforge/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNoQueuedTasks is returned by ClaimNextQueued when the queue is empty.
var ErrNoQueuedTasks = errors.New("no queued tasks")

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for tasks. It is the single source
// of truth for task state; a status or progress mutation counts as applied
// only once it has been committed here.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)

	// ClaimNextQueued atomically claims the oldest queued task (FIFO by
	// created_at, ties broken by id) and transitions it to running. At most
	// one caller can claim a given task. Returns ErrNoQueuedTasks when the
	// queue is empty.
	ClaimNextQueued(ctx context.Context) (*model.Task, error)

	// UpdateProgress commits a progress value for a running task. Progress
	// never decreases; a lower value than the stored one is ignored.
	UpdateProgress(ctx context.Context, id string, progress int) error

	// UpdateResult commits a partial result for a running task, so callers
	// can observe incremental artifacts before the job finishes.
	UpdateResult(ctx context.Context, id string, result json.RawMessage) error

	// FinishTask commits a terminal update (status, progress, result or
	// error, duration, finished_at) after validating the transition.
	FinishTask(ctx context.Context, t *model.Task) error

	// RecoverStale re-flags tasks left running by a previous process as
	// failed, since their execution context is unrecoverable across a
	// restart. Returns the number of tasks swept.
	RecoverStale(ctx context.Context, reason string) (int, error)

	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}
