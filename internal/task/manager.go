// Package task is the execution layer: it owns the worker pool that claims
// queued tasks, drives their runners, commits every state change to the
// store before notifying watchers, and exposes enqueue/status/interrupt
// operations to the API.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkarel/storyforge/internal/model"
	"github.com/mkarel/storyforge/internal/runner"
	"github.com/mkarel/storyforge/internal/store"
)

// ErrNotRunning is returned by RequestInterrupt when the task has no live
// execution to interrupt.
var ErrNotRunning = errors.New("task is not running")

// ErrInvalidTask wraps enqueue validation failures so the API can map them
// to a client error instead of a server one.
var ErrInvalidTask = errors.New("invalid task")

const (
	defaultWorkers      = 2
	defaultPollInterval = 500 * time.Millisecond
)

// Manager coordinates task execution: a fixed pool of workers polls the
// store for queued tasks and runs them through the runner registry. All
// state flows through the store first; the broker only mirrors committed
// changes to watchers.
type Manager struct {
	store        store.Store
	registry     *runner.Registry
	logger       *slog.Logger
	broker       *Broker
	workers      int
	pollInterval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewManager creates a manager. workers and pollInterval fall back to
// defaults when non-positive.
func NewManager(s store.Store, reg *runner.Registry, logger *slog.Logger, workers int, pollInterval time.Duration) *Manager {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Manager{
		store:        s,
		registry:     reg,
		logger:       logger,
		broker:       NewBroker(),
		workers:      workers,
		pollInterval: pollInterval,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Broker returns the update broker for SSE subscription.
func (m *Manager) Broker() *Broker {
	return m.broker
}

// Recover fails tasks left running by a previous process. Their execution
// context died with that process, so re-running them blind could double
// artifacts; the owner re-enqueues instead.
func (m *Manager) Recover(ctx context.Context) error {
	n, err := m.store.RecoverStale(ctx, "interrupted by service restart")
	if err != nil {
		return fmt.Errorf("recover stale tasks: %w", err)
	}
	if n > 0 {
		m.logger.Warn("recovered stale tasks from previous run", "count", n)
	}
	return nil
}

// Enqueue validates and persists a new queued task. The task is durable
// once this returns; a worker picks it up asynchronously.
func (m *Manager) Enqueue(ctx context.Context, kind string, payload json.RawMessage, owner model.Owner) (*model.Task, error) {
	if !model.ValidKind(kind) {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, kind)
	}
	if _, err := m.registry.Resolve(kind); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if owner.Type != model.OwnerCharacter && owner.Type != model.OwnerScene {
		return nil, fmt.Errorf("%w: unknown owner type %q", ErrInvalidTask, owner.Type)
	}
	if owner.ID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidTask)
	}

	t := &model.Task{
		ID:        model.NewID(),
		Kind:      kind,
		Status:    model.StatusQueued,
		Payload:   payload,
		OwnerType: owner.Type,
		OwnerID:   owner.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	m.logger.Info("task enqueued", "task_id", t.ID, "kind", kind, "owner_type", owner.Type, "owner_id", owner.ID)
	return t, nil
}

// GetStatus returns the stored state of a task.
func (m *Manager) GetStatus(ctx context.Context, id string) (*model.Task, error) {
	return m.store.GetTask(ctx, id)
}

// RequestInterrupt cancels a task's live execution. Only running tasks can
// be interrupted; the terminal failed state is committed by the worker that
// owns the task, not here.
func (m *Manager) RequestInterrupt(id string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel()
	return nil
}

// Start launches the worker pool. Workers run until ctx is cancelled; use
// Wait to block for in-flight tasks during shutdown.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	m.logger.Info("task workers started", "workers", m.workers)
}

// Wait blocks until all workers have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// worker claims and executes tasks until ctx is cancelled. A failing task
// never takes the dispatch loop down with it.
func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()
	log := m.logger.With("worker", id)

	for {
		if ctx.Err() != nil {
			return
		}

		t, err := m.store.ClaimNextQueued(ctx)
		switch {
		case errors.Is(err, store.ErrNoQueuedTasks):
			if !sleepCtx(ctx, m.pollInterval) {
				return
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to claim task", "error", err)
			if !sleepCtx(ctx, m.pollInterval) {
				return
			}
			continue
		}

		m.execute(ctx, log, t)
	}
}

// execute runs one claimed task through its runner and commits the terminal
// state.
func (m *Manager) execute(ctx context.Context, log *slog.Logger, t *model.Task) {
	tasksStartedTotal.WithLabelValues(t.Kind).Inc()
	log = log.With("task_id", t.ID, "kind", t.Kind)
	log.Info("task started")

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[t.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, t.ID)
		m.mu.Unlock()
		cancel()
		// Close the update stream when execution finishes, regardless of
		// outcome.
		m.broker.Close(t.ID)
	}()

	m.broker.Publish(*t)

	r, err := m.registry.Resolve(t.Kind)
	if err != nil {
		m.finish(log, t, nil, fmt.Sprintf("resolve runner: %v", err))
		return
	}

	rc := &runner.RunContext{
		Task: t,
		ReportProgress: func(p int) {
			// Commit first; watchers only ever see stored state.
			if err := m.store.UpdateProgress(context.Background(), t.ID, p); err != nil {
				log.Error("failed to persist progress", "error", err)
				return
			}
			if p > t.Progress {
				t.Progress = p
			}
			m.broker.Publish(*t)
		},
		ReportResult: func(res json.RawMessage) {
			if err := m.store.UpdateResult(context.Background(), t.ID, res); err != nil {
				log.Error("failed to persist partial result", "error", err)
				return
			}
			t.Result = res
			m.broker.Publish(*t)
		},
		Logger: log,
	}

	result, err := r.Run(runCtx, rc)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, runner.ErrCancelled) || errors.Is(err, context.Canceled) {
			msg = "task cancelled"
			log.Info("task cancelled")
		} else {
			log.Error("task failed", "error", err)
		}
		m.finish(log, t, nil, msg)
		return
	}

	log.Info("task completed")
	m.finish(log, t, result, "")
}

// finish commits the terminal state. Result and error are mutually
// exclusive; progress jumps to 100 only on success.
func (m *Manager) finish(log *slog.Logger, t *model.Task, result json.RawMessage, errMsg string) {
	now := time.Now().UTC()

	fin := &model.Task{
		ID:         t.ID,
		Kind:       t.Kind,
		Status:     model.StatusDone,
		Progress:   100,
		Result:     result,
		OwnerType:  t.OwnerType,
		OwnerID:    t.OwnerID,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: &now,
	}
	if errMsg != "" {
		fin.Status = model.StatusFailed
		fin.Progress = t.Progress
		fin.Result = nil
		fin.Error = errMsg
	}
	if t.StartedAt != nil {
		d := int(now.Sub(*t.StartedAt).Milliseconds())
		fin.DurationMS = &d
	}

	if err := m.store.FinishTask(context.Background(), fin); err != nil {
		log.Error("failed to commit terminal state", "status", fin.Status, "error", err)
		return
	}

	tasksFinishedTotal.WithLabelValues(fin.Kind, fin.Status).Inc()
	if fin.DurationMS != nil {
		taskDuration.WithLabelValues(fin.Kind).Observe(float64(*fin.DurationMS) / 1000)
	}
	m.broker.Publish(*fin)
}

// sleepCtx sleeps for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
