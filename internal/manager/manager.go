// Package manager wires the persistent store, scheduler, worker pool
// and network monitor into a single lifecycle and exposes the
// operations the control API serves.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Maahir-AI-Robo/bagferry/internal/config"
	"github.com/Maahir-AI-Robo/bagferry/internal/models"
	"github.com/Maahir-AI-Robo/bagferry/internal/netmon"
	"github.com/Maahir-AI-Robo/bagferry/internal/queue"
	"github.com/Maahir-AI-Robo/bagferry/internal/store"
	"github.com/Maahir-AI-Robo/bagferry/internal/transfer"
	"github.com/Maahir-AI-Robo/bagferry/internal/worker"
)

// eventBuffer is the per-subscriber queue depth. A subscriber that
// falls this far behind loses events rather than stalling workers.
const eventBuffer = 64

// Manager owns the uploader's moving parts.
type Manager struct {
	cfg     *config.Uploader
	store   *store.Store
	sched   *queue.Scheduler
	client  *transfer.Client
	pool    *worker.Pool
	monitor *netmon.Monitor

	mu   sync.Mutex
	subs map[chan models.StatusEvent]struct{}
}

// New builds a manager from configuration. The store is opened and
// crash recovery runs here so a caller observing a constructed manager
// sees a consistent queue.
func New(cfg *config.Uploader) (*Manager, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}

	recovered, err := st.RecoverInFlight()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to recover in-flight tasks: %w", err)
	}
	if recovered > 0 {
		slog.Info("re-queued interrupted tasks", "count", recovered)
	}

	client := transfer.NewClient(cfg.EndpointURL, cfg.AuthToken, cfg.RequestTimeout)
	sched := queue.New(st, cfg.Concurrency)

	m := &Manager{
		cfg:    cfg,
		store:  st,
		sched:  sched,
		client: client,
		subs:   make(map[chan models.StatusEvent]struct{}),
	}
	m.pool = worker.NewPool(cfg, st, sched, client, m.publish)
	m.monitor = netmon.New(client, sched, cfg.ProbeInterval, cfg.ProbeTimeout)
	return m, nil
}

// Start launches the monitor and worker pool.
func (m *Manager) Start(ctx context.Context) {
	m.monitor.Start(ctx)
	m.pool.Start(ctx)
}

// Stop drains workers, halts the monitor and closes the store.
// In-flight tasks it cannot drain within the shutdown grace are
// re-queued with their progress intact.
func (m *Manager) Stop() {
	m.pool.Stop()
	m.monitor.Stop()

	m.mu.Lock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[chan models.StatusEvent]struct{})
	m.mu.Unlock()

	if err := m.store.Close(); err != nil {
		slog.Error("failed to close task store", "error", err)
	}
}

// Enqueue registers a file for upload and returns the task ID. The
// task is durable before this returns.
func (m *Manager) Enqueue(filePath, destination string, priority int, metadata map[string]string) (string, error) {
	return m.sched.Enqueue(filePath, destination, priority, m.cfg.ChunkSize, metadata)
}

// Cancel cancels a task. In-flight tasks stop at the next chunk
// boundary.
func (m *Manager) Cancel(taskID string) error {
	return m.sched.Cancel(taskID)
}

// Pause pauses a pending or in-flight task, keeping its progress.
func (m *Manager) Pause(taskID string) error {
	return m.sched.Pause(taskID)
}

// Resume returns a paused or failed task to the queue.
func (m *Manager) Resume(taskID string) error {
	return m.sched.Resume(taskID)
}

// Reprioritize changes a queued task's priority.
func (m *Manager) Reprioritize(taskID string, priority int) error {
	return m.sched.Reprioritize(taskID, priority)
}

// GetTask returns a task by ID.
func (m *Manager) GetTask(taskID string) (*models.UploadTask, error) {
	return m.store.Get(taskID)
}

// ListTasks returns all tasks, newest first.
func (m *Manager) ListTasks() ([]*models.UploadTask, error) {
	return m.store.List()
}

// ListTasksByStatus returns tasks in the given status.
func (m *Manager) ListTasksByStatus(status models.TaskStatus) ([]*models.UploadTask, error) {
	return m.store.ListByStatus(status)
}

// Delete removes a terminal task and its chunk records. In-flight or
// queued tasks must be cancelled first.
func (m *Manager) Delete(taskID string) error {
	task, err := m.store.Get(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return queue.ErrTaskNotFound
	}
	if !task.Status.Terminal() {
		return fmt.Errorf("task %s is %s, cancel it before deleting", taskID, task.Status)
	}
	return m.store.Delete(taskID)
}

// RetryFailed returns every failed task to the queue. It reports how
// many tasks were re-queued.
func (m *Manager) RetryFailed() (int, error) {
	failed, err := m.store.ListByStatus(models.StatusFailed)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range failed {
		if err := m.sched.Resume(t.ID); err != nil {
			slog.Warn("failed to re-queue task", "task_id", t.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// ClearCompleted deletes all completed task records. It reports how
// many were removed.
func (m *Manager) ClearCompleted() (int, error) {
	completed, err := m.store.ListByStatus(models.StatusCompleted)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range completed {
		if err := m.store.Delete(t.ID); err != nil {
			slog.Warn("failed to delete task", "task_id", t.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Stats returns aggregate queue counters plus current reachability.
func (m *Manager) Stats() (*models.QueueStats, error) {
	stats, err := m.store.Stats()
	if err != nil {
		return nil, err
	}
	stats.Active = int64(m.sched.ActiveCount())
	stats.Online = m.sched.Online()
	return stats, nil
}

// Online reports current destination reachability.
func (m *Manager) Online() bool {
	return m.sched.Online()
}

// Subscribe registers a status event listener. The returned channel is
// buffered; events that would block are dropped for that subscriber.
// Call Unsubscribe when done.
func (m *Manager) Subscribe() chan models.StatusEvent {
	ch := make(chan models.StatusEvent, eventBuffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (m *Manager) Unsubscribe(ch chan models.StatusEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish fans a status event out to all subscribers without blocking
// the worker that produced it.
func (m *Manager) publish(ev models.StatusEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
