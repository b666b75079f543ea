// Package worker drives upload tasks through the transfer protocol. A
// fixed pool of executors each owns one task at a time: open or resume
// a session, send not-yet-acknowledged chunks strictly in ascending
// index order, persist progress after every acknowledgment, finalize,
// and absorb transient failures with bounded exponential backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/Maahir-AI-Robo/bagferry/internal/chunker"
	"github.com/Maahir-AI-Robo/bagferry/internal/config"
	"github.com/Maahir-AI-Robo/bagferry/internal/metrics"
	"github.com/Maahir-AI-Robo/bagferry/internal/models"
	"github.com/Maahir-AI-Robo/bagferry/internal/queue"
	"github.com/Maahir-AI-Robo/bagferry/internal/store"
	"github.com/Maahir-AI-Robo/bagferry/internal/transfer"
)

// pollInterval is how often an idle worker asks the scheduler for work.
const pollInterval = 500 * time.Millisecond

// Notifier receives a status event for every task state transition.
// Implementations must not block; the pool calls them inline.
type Notifier func(models.StatusEvent)

// Pool is a bounded set of task executors.
type Pool struct {
	cfg    *config.Uploader
	store  *store.Store
	sched  *queue.Scheduler
	client *transfer.Client
	notify Notifier

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a worker pool. notify may be nil.
func NewPool(cfg *config.Uploader, st *store.Store, sched *queue.Scheduler, client *transfer.Client, notify Notifier) *Pool {
	if notify == nil {
		notify = func(models.StatusEvent) {}
	}
	return &Pool{
		cfg:    cfg,
		store:  st,
		sched:  sched,
		client: client,
		notify: notify,
	}
}

// Start launches the configured number of workers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	slog.Info("worker pool started", "concurrency", p.cfg.Concurrency)
}

// Stop cancels the workers and waits up to the configured grace period
// for each to finish its in-flight chunk operation and persist state.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool stopped")
	case <-time.After(p.cfg.ShutdownGrace):
		slog.Warn("worker pool shutdown grace expired", "grace", p.cfg.ShutdownGrace)
	}
}

// run is one worker's poll loop.
func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		task, err := p.sched.DequeueNext()
		if err != nil {
			slog.Error("failed to dequeue task", "worker", id, "error", err)
			continue
		}
		if task == nil {
			continue
		}

		metrics.ActiveWorkers.Inc()
		p.emit(task, models.StatusPending, models.StatusUploading, "")
		p.execute(ctx, id, task)
		metrics.ActiveWorkers.Dec()
		p.sched.Release(task.ID)
	}
}

// execute drives one task to a terminal status or a voluntary release.
func (p *Pool) execute(ctx context.Context, workerID int, task *models.UploadTask) {
	log := slog.With("worker", workerID, "task_id", task.ID, "file", filepath.Base(task.FilePath))

	attempts := task.RetryCount
	fileChecksum, err := chunker.ChecksumFile(task.FilePath)
	if err != nil {
		// Local resource failure: no retry.
		p.fail(task, fmt.Sprintf("failed to checksum source file: %v", err))
		return
	}

	var sessionID string

	for {
		if p.checkInterrupts(ctx, task) {
			return
		}

		// Open or resume the session. The server's received-chunk list is
		// authoritative; local ACK state is reconciled against it.
		if sessionID == "" {
			resp, err := p.openSession(ctx, task, fileChecksum)
			if err != nil {
				if done, msg := p.absorb(ctx, task, &attempts, err); done {
					p.fail(task, msg)
					return
				}
				continue
			}
			sessionID = resp.SessionID
			log.Info("session ready",
				"session_id", sessionID,
				"resumed", resp.Resumed,
				"server_chunks", len(resp.ReceivedChunks),
			)
		}

		chunks, err := p.store.Chunks(task.ID)
		if err != nil {
			p.fail(task, fmt.Sprintf("failed to load chunk manifest: %v", err))
			return
		}

		sent, aborted := p.sendChunks(ctx, task, sessionID, chunks, &attempts, log)
		if aborted == abortTerminal {
			return
		}
		if aborted == abortSession {
			sessionID = ""
			continue
		}
		if !sent {
			// Interrupted mid-send (cancel/pause/shutdown already handled).
			return
		}

		// All chunks acknowledged; finalize.
		if p.checkInterrupts(ctx, task) {
			return
		}

		opCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		result, err := p.client.Finalize(opCtx, sessionID, fileChecksum)
		cancel()

		if err != nil {
			var verr *transfer.VerifyError
			if errors.As(err, &verr) {
				// Re-send only the chunks the server names.
				log.Warn("finalize verification failed",
					"missing", len(verr.MissingChunks),
					"mismatched", len(verr.MismatchedChunks),
				)
				for _, idx := range append(verr.MissingChunks, verr.MismatchedChunks...) {
					if serr := p.store.SetChunkState(task.ID, idx, models.ChunkPending); serr != nil {
						p.fail(task, fmt.Sprintf("failed to reset chunk %d: %v", idx, serr))
						return
					}
				}
				if done, msg := p.absorb(ctx, task, &attempts, err); done {
					p.fail(task, msg)
					return
				}
				continue
			}
			if errors.Is(err, transfer.ErrSessionNotFound) {
				sessionID = ""
				continue
			}
			if done, msg := p.absorb(ctx, task, &attempts, err); done {
				p.fail(task, msg)
				return
			}
			continue
		}

		if err := p.store.SetStatus(task.ID, models.StatusCompleted); err != nil {
			log.Error("failed to persist completed status", "error", err)
		}
		metrics.TasksTotal.WithLabelValues("completed").Inc()
		p.emit(task, models.StatusUploading, models.StatusCompleted, "")
		log.Info("upload completed",
			"session_id", sessionID,
			"size", task.TotalSize,
			"checksum", result.Checksum,
		)
		return
	}
}

// abortReason tells execute how sendChunks ended.
type abortReason int

const (
	abortNone     abortReason = iota // all chunks acked
	abortTerminal                    // task reached a terminal or released state
	abortSession                     // session must be recreated and resumed
)

// sendChunks pushes every not-yet-acknowledged chunk in ascending index
// order. Returns sent=true with abortNone when all chunks are acked.
func (p *Pool) sendChunks(ctx context.Context, task *models.UploadTask, sessionID string, chunks []models.Chunk, attempts *int, log *slog.Logger) (bool, abortReason) {
	for i := 0; i < len(chunks); i++ {
		c := chunks[i]
		if c.State == models.ChunkAcked {
			continue
		}

		if p.checkInterrupts(ctx, task) {
			return false, abortTerminal
		}

		payload, err := chunker.ReadChunk(task.FilePath, c)
		if err != nil {
			// Source unreadable (deleted, disk error): fail immediately.
			p.fail(task, fmt.Sprintf("failed to read chunk %d: %v", c.Index, err))
			return false, abortTerminal
		}

		checksum := chunker.ChecksumBytes(payload)
		if err := p.store.SetChunkChecksum(task.ID, c.Index, checksum); err != nil {
			p.fail(task, fmt.Sprintf("failed to persist chunk checksum: %v", err))
			return false, abortTerminal
		}
		if err := p.store.SetChunkState(task.ID, c.Index, models.ChunkSent); err != nil {
			p.fail(task, fmt.Sprintf("failed to persist chunk state: %v", err))
			return false, abortTerminal
		}

		start := time.Now()
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		_, err = p.client.SendChunk(opCtx, sessionID, c.Index, checksum, payload)
		cancel()
		metrics.ChunkSendDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			if errors.Is(err, transfer.ErrChunkConflict) {
				// Server holds this index with different content; restart
				// from the server's resume point.
				metrics.ChunksSentTotal.WithLabelValues("rejected").Inc()
				log.Warn("chunk conflict, restarting session", "chunk", c.Index)
				if done, msg := p.absorb(ctx, task, attempts, err); done {
					p.fail(task, msg)
					return false, abortTerminal
				}
				return false, abortSession
			}
			if errors.Is(err, transfer.ErrSessionNotFound) {
				log.Warn("session lost, recreating", "chunk", c.Index)
				return false, abortSession
			}

			metrics.ChunksSentTotal.WithLabelValues("retried").Inc()
			if done, msg := p.absorb(ctx, task, attempts, err); done {
				p.fail(task, msg)
				return false, abortTerminal
			}
			i-- // retry the same chunk after backoff
			continue
		}

		if err := p.store.UpdateProgress(task.ID, c.Index); err != nil {
			p.fail(task, fmt.Sprintf("failed to persist progress: %v", err))
			return false, abortTerminal
		}
		chunks[i].State = models.ChunkAcked
		task.AckedBytes += c.Length
		metrics.ChunksSentTotal.WithLabelValues("acked").Inc()
		metrics.BytesAckedTotal.Add(float64(c.Length))

		log.Debug("chunk acked",
			"session_id", sessionID,
			"chunk", c.Index,
			"length", c.Length,
			"acked_bytes", task.AckedBytes,
		)
	}

	return true, abortNone
}

// openSession initializes or resumes the server-side session and
// reconciles local chunk state with the server's reported progress.
func (p *Pool) openSession(ctx context.Context, task *models.UploadTask, fileChecksum string) (*models.InitResponse, error) {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	resp, err := p.client.InitSession(opCtx, &models.InitRequest{
		TaskID:      task.ID,
		Filename:    filepath.Base(task.FilePath),
		Destination: task.Destination,
		TotalSize:   task.TotalSize,
		ChunkSize:   task.ChunkSize,
		Checksum:    fileChecksum,
		Metadata:    task.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if err := p.store.SetSessionID(task.ID, resp.SessionID); err != nil {
		return nil, fmt.Errorf("failed to persist session id: %w", err)
	}
	if err := p.store.SyncChunkStates(task.ID, resp.ReceivedChunks); err != nil {
		return nil, fmt.Errorf("failed to sync chunk states: %w", err)
	}

	return resp, nil
}

// absorb handles an operation error under the retry policy. It returns
// done=true with a failure message when the error is non-transient or
// the attempt limit is exhausted; otherwise it sleeps the backoff
// delay and returns done=false.
func (p *Pool) absorb(ctx context.Context, task *models.UploadTask, attempts *int, err error) (bool, string) {
	if !transfer.IsTransient(err) && !errors.As(err, new(*transfer.VerifyError)) && !errors.Is(err, transfer.ErrChunkConflict) {
		return true, err.Error()
	}

	*attempts++
	task.RetryCount = *attempts
	if serr := p.store.SetError(task.ID, err.Error(), *attempts); serr != nil {
		slog.Error("failed to persist retry state", "task_id", task.ID, "error", serr)
	}

	if *attempts >= p.cfg.RetryMaxAttempts {
		return true, fmt.Sprintf("retry attempts exhausted (%d): %v", *attempts, err)
	}

	delay := backoffDelay(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, *attempts)
	metrics.RetriesTotal.Inc()
	slog.Warn("transient failure, backing off",
		"task_id", task.ID,
		"attempt", *attempts,
		"delay", delay,
		"error", err,
	)

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}

	return false, ""
}

// backoffDelay doubles the base delay per attempt up to the cap.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// checkInterrupts handles cancellation, pause, and shutdown at a chunk
// boundary. Returns true when the worker must stop executing this task.
func (p *Pool) checkInterrupts(ctx context.Context, task *models.UploadTask) bool {
	if p.sched.Cancelled(task.ID) {
		if err := p.store.SetStatus(task.ID, models.StatusCancelled); err != nil {
			slog.Error("failed to persist cancelled status", "task_id", task.ID, "error", err)
		}
		metrics.TasksTotal.WithLabelValues("cancelled").Inc()
		p.emit(task, models.StatusUploading, models.StatusCancelled, "")
		slog.Info("task cancelled at chunk boundary", "task_id", task.ID)
		return true
	}

	if p.sched.PauseRequested(task.ID) {
		if err := p.store.SetStatus(task.ID, models.StatusPaused); err != nil {
			slog.Error("failed to persist paused status", "task_id", task.ID, "error", err)
		}
		p.emit(task, models.StatusUploading, models.StatusPaused, "")
		slog.Info("task paused at chunk boundary", "task_id", task.ID)
		return true
	}

	select {
	case <-ctx.Done():
		// Shutdown: return the task to the queue with progress intact.
		if err := p.store.SetStatus(task.ID, models.StatusPending); err != nil {
			slog.Error("failed to re-queue task at shutdown", "task_id", task.ID, "error", err)
		}
		p.emit(task, models.StatusUploading, models.StatusPending, "")
		return true
	default:
		return false
	}
}

// fail marks a task failed with its last error recorded. Failed tasks
// stay out of scheduling until explicitly re-enqueued.
func (p *Pool) fail(task *models.UploadTask, msg string) {
	if err := p.store.SetError(task.ID, msg, task.RetryCount); err != nil {
		slog.Error("failed to persist task error", "task_id", task.ID, "error", err)
	}
	if err := p.store.SetStatus(task.ID, models.StatusFailed); err != nil {
		slog.Error("failed to persist failed status", "task_id", task.ID, "error", err)
	}
	metrics.TasksTotal.WithLabelValues("failed").Inc()
	p.emit(task, models.StatusUploading, models.StatusFailed, msg)
	slog.Error("task failed", "task_id", task.ID, "error", msg)
}

// emit publishes a status-change event. Fire-and-forget: the notifier
// must never block the worker.
func (p *Pool) emit(task *models.UploadTask, old, new models.TaskStatus, errMsg string) {
	p.notify(models.StatusEvent{
		TaskID:     task.ID,
		OldStatus:  old,
		NewStatus:  new,
		AckedBytes: task.AckedBytes,
		TotalBytes: task.TotalSize,
		Error:      errMsg,
		Time:       time.Now().UTC(),
	})
}
