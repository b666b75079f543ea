// Package queue schedules persisted upload tasks across a bounded set
// of workers. Dispatch order is priority (descending) then creation
// time (ascending); ties never starve within a tier.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Maahir-AI-Robo/bagferry/internal/chunker"
	"github.com/Maahir-AI-Robo/bagferry/internal/models"
	"github.com/Maahir-AI-Robo/bagferry/internal/store"
)

var (
	// ErrTaskNotFound is returned for operations on unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTerminalTask is returned when mutating a task that already
	// reached a terminal status.
	ErrTerminalTask = errors.New("task is in a terminal status")
	// ErrInvalidPriority is returned for priorities outside 1..10.
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")
)

// Scheduler owns dispatch of pending tasks. All mutation goes through
// its methods; the persistent store is injected, never ambient.
type Scheduler struct {
	store *store.Store
	limit int

	mu        sync.Mutex
	active    map[string]struct{} // task IDs currently owned by a worker
	cancelled map[string]struct{} // cooperative cancellation flags
	paused    map[string]struct{} // pause requested while a worker owns the task
	online    bool
}

// New creates a scheduler over the given store with a global
// concurrency limit.
func New(st *store.Store, limit int) *Scheduler {
	return &Scheduler{
		store:     st,
		limit:     limit,
		active:    make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
		paused:    make(map[string]struct{}),
		online:    true,
	}
}

// Enqueue persists a new upload task and makes it schedulable. The task
// is durable before Enqueue returns, whether or not a worker is free.
func (s *Scheduler) Enqueue(filePath, destination string, priority int, chunkSize int64, metadata map[string]string) (string, error) {
	if priority < models.MinPriority || priority > models.MaxPriority {
		return "", ErrInvalidPriority
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat source file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("source %q is a directory", filePath)
	}

	now := time.Now().UTC()
	task := &models.UploadTask{
		ID:          uuid.New().String(),
		FilePath:    filePath,
		Destination: destination,
		Priority:    priority,
		TotalSize:   info.Size(),
		ChunkSize:   chunkSize,
		Status:      models.StatusPending,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	manifest := chunker.Manifest(task.TotalSize, chunkSize)
	if err := s.store.Put(task, manifest); err != nil {
		return "", fmt.Errorf("failed to persist task: %w", err)
	}

	slog.Info("task enqueued",
		"task_id", task.ID,
		"file", filePath,
		"size", task.TotalSize,
		"priority", priority,
		"chunks", len(manifest),
	)

	return task.ID, nil
}

// DequeueNext hands the next pending task to a worker, or nil when
// nothing is schedulable: no pending task, concurrency saturated, or
// the network is unreachable. Never blocks. The returned task is marked
// uploading and owned exclusively by the caller.
func (s *Scheduler) DequeueNext() (*models.UploadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.online || len(s.active) >= s.limit {
		return nil, nil
	}

	task, err := s.store.NextPending()
	if err != nil {
		return nil, fmt.Errorf("failed to select next task: %w", err)
	}
	if task == nil {
		return nil, nil
	}

	if err := s.store.SetStatus(task.ID, models.StatusUploading); err != nil {
		return nil, fmt.Errorf("failed to mark task uploading: %w", err)
	}
	task.Status = models.StatusUploading
	s.active[task.ID] = struct{}{}
	delete(s.cancelled, task.ID)
	delete(s.paused, task.ID)

	return task, nil
}

// Release returns ownership of a task to the scheduler. Workers call it
// once per dequeued task, whatever the outcome.
func (s *Scheduler) Release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, taskID)
	delete(s.cancelled, taskID)
	delete(s.paused, taskID)
}

// Cancelled reports whether cancellation was requested for a task.
// Workers check it at every chunk boundary.
func (s *Scheduler) Cancelled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[taskID]
	return ok
}

// PauseRequested reports whether a pause was requested for an in-flight task.
func (s *Scheduler) PauseRequested(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paused[taskID]
	return ok
}

// Cancel removes a task from scheduling and marks it cancelled. An
// in-flight worker sees the flag at its next chunk boundary and aborts
// without finalizing.
func (s *Scheduler) Cancel(taskID string) error {
	task, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return ErrTerminalTask
	}

	s.mu.Lock()
	_, inFlight := s.active[taskID]
	if inFlight {
		s.cancelled[taskID] = struct{}{}
	}
	s.mu.Unlock()

	// In-flight tasks keep their uploading row until the worker observes
	// the flag and performs the transition; everything else is terminal now.
	if !inFlight {
		if err := s.store.SetStatus(taskID, models.StatusCancelled); err != nil {
			return err
		}
	}

	slog.Info("task cancelled", "task_id", taskID, "in_flight", inFlight)
	return nil
}

// Pause removes a task from scheduling consideration, preserving all
// progress.
func (s *Scheduler) Pause(taskID string) error {
	task, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return ErrTerminalTask
	}

	s.mu.Lock()
	_, inFlight := s.active[taskID]
	if inFlight {
		s.paused[taskID] = struct{}{}
	}
	s.mu.Unlock()

	if !inFlight {
		return s.store.SetStatus(taskID, models.StatusPaused)
	}
	return nil
}

// Resume returns a paused or failed task to pending. This is also the
// explicit re-enqueue path for tasks that exhausted their retries.
func (s *Scheduler) Resume(taskID string) error {
	task, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status != models.StatusPaused && task.Status != models.StatusFailed {
		return fmt.Errorf("cannot resume task in status %q", task.Status)
	}

	if task.Status == models.StatusFailed {
		if err := s.store.SetError(taskID, "", 0); err != nil {
			return err
		}
	}

	return s.store.SetStatus(taskID, models.StatusPending)
}

// Reprioritize changes a pending or paused task's priority.
func (s *Scheduler) Reprioritize(taskID string, priority int) error {
	if priority < models.MinPriority || priority > models.MaxPriority {
		return ErrInvalidPriority
	}

	task, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return ErrTerminalTask
	}

	return s.store.SetPriority(taskID, priority)
}

// SetOnline gates dispatch on network reachability. In-flight sends are
// left to fail naturally into retry/backoff.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if changed {
		slog.Info("scheduler dispatch state changed", "online", online)
	}
}

// Online reports the current reachability gate.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// ActiveCount returns how many tasks are currently owned by workers.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
