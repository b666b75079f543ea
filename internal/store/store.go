// Package store is the durable record of every upload task and its
// chunk-level progress. All mutations are committed before the call
// returns, so a crash immediately after a successful call loses nothing.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Maahir-AI-Robo/bagferry/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_tasks (
    id TEXT PRIMARY KEY,
    file_path TEXT NOT NULL,
    destination TEXT NOT NULL,
    priority INTEGER NOT NULL,
    total_size INTEGER NOT NULL,
    acked_bytes INTEGER NOT NULL DEFAULT 0,
    chunk_size INTEGER NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS task_chunks (
    task_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    byte_offset INTEGER NOT NULL,
    length INTEGER NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'pending',
    PRIMARY KEY (task_id, chunk_index),
    FOREIGN KEY (task_id) REFERENCES upload_tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON upload_tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON upload_tasks(status, priority DESC, created_at ASC);
`

// Store wraps the SQLite task database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the task database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// synchronous=FULL: task mutations must be durable before the call
	// returns, not merely journaled.
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenInMemory opens a private in-memory store, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each pooled connection would get its own :memory: database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragma: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts a task and its full chunk manifest in one transaction.
func (s *Store) Put(task *models.UploadTask, chunks []models.Chunk) error {
	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode task metadata: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO upload_tasks (
			id, file_path, destination, priority, total_size, acked_bytes,
			chunk_size, retry_count, last_error, status, session_id,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.FilePath, task.Destination, task.Priority,
		task.TotalSize, task.AckedBytes, task.ChunkSize, task.RetryCount,
		task.LastError, string(task.Status), task.SessionID, string(meta),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	for _, c := range chunks {
		_, err = tx.Exec(`
			INSERT INTO task_chunks (task_id, chunk_index, byte_offset, length, checksum, state)
			VALUES (?, ?, ?, ?, ?, ?)`,
			task.ID, c.Index, c.Offset, c.Length, c.Checksum, string(c.State),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task: %w", err)
	}

	return nil
}

// Get retrieves a task by ID. Returns nil if no such task exists.
func (s *Store) Get(id string) (*models.UploadTask, error) {
	row := s.db.QueryRow(`
		SELECT id, file_path, destination, priority, total_size, acked_bytes,
		       chunk_size, retry_count, last_error, status, session_id,
		       metadata, created_at, updated_at, completed_at
		FROM upload_tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// ListByStatus returns tasks in the given status, oldest first.
func (s *Store) ListByStatus(status models.TaskStatus) ([]*models.UploadTask, error) {
	return s.list(`
		SELECT id, file_path, destination, priority, total_size, acked_bytes,
		       chunk_size, retry_count, last_error, status, session_id,
		       metadata, created_at, updated_at, completed_at
		FROM upload_tasks WHERE status = ? ORDER BY created_at ASC`, string(status))
}

// List returns every task, newest first.
func (s *Store) List() ([]*models.UploadTask, error) {
	return s.list(`
		SELECT id, file_path, destination, priority, total_size, acked_bytes,
		       chunk_size, retry_count, last_error, status, session_id,
		       metadata, created_at, updated_at, completed_at
		FROM upload_tasks ORDER BY created_at DESC`)
}

// NextPending returns the highest-priority, oldest pending task, or nil.
// Priority ties break by ascending creation time so no tier starves.
func (s *Store) NextPending() (*models.UploadTask, error) {
	row := s.db.QueryRow(`
		SELECT id, file_path, destination, priority, total_size, acked_bytes,
		       chunk_size, retry_count, last_error, status, session_id,
		       metadata, created_at, updated_at, completed_at
		FROM upload_tasks WHERE status = ?
		ORDER BY priority DESC, created_at ASC LIMIT 1`, string(models.StatusPending))

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next pending task: %w", err)
	}

	return task, nil
}

// Chunks returns the ordered chunk manifest for a task.
func (s *Store) Chunks(taskID string) ([]models.Chunk, error) {
	rows, err := s.db.Query(`
		SELECT chunk_index, byte_offset, length, checksum, state
		FROM task_chunks WHERE task_id = ? ORDER BY chunk_index ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var state string
		if err := rows.Scan(&c.Index, &c.Offset, &c.Length, &c.Checksum, &state); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.State = models.ChunkState(state)
		chunks = append(chunks, c)
	}

	return chunks, rows.Err()
}

// UpdateProgress marks a chunk acknowledged and advances the task's
// acked byte count in one transaction. acked_bytes is recomputed from
// the acknowledged chunk lengths and never decreases.
func (s *Store) UpdateProgress(taskID string, chunkIndex int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE task_chunks SET state = ? WHERE task_id = ? AND chunk_index = ?`,
		string(models.ChunkAcked), taskID, chunkIndex)
	if err != nil {
		return fmt.Errorf("failed to mark chunk acked: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE upload_tasks
		SET acked_bytes = MAX(acked_bytes,
		        (SELECT COALESCE(SUM(length), 0) FROM task_chunks
		         WHERE task_id = ? AND state = ?)),
		    updated_at = ?
		WHERE id = ?`,
		taskID, string(models.ChunkAcked), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update acked bytes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit progress: %w", err)
	}

	return nil
}

// SetChunkState sets one chunk's local transfer state.
func (s *Store) SetChunkState(taskID string, chunkIndex int, state models.ChunkState) error {
	_, err := s.db.Exec(`
		UPDATE task_chunks SET state = ? WHERE task_id = ? AND chunk_index = ?`,
		string(state), taskID, chunkIndex)
	if err != nil {
		return fmt.Errorf("failed to set chunk state: %w", err)
	}
	return nil
}

// SetChunkChecksum records the computed checksum for a chunk.
func (s *Store) SetChunkChecksum(taskID string, chunkIndex int, checksum string) error {
	_, err := s.db.Exec(`
		UPDATE task_chunks SET checksum = ? WHERE task_id = ? AND chunk_index = ?`,
		checksum, taskID, chunkIndex)
	if err != nil {
		return fmt.Errorf("failed to set chunk checksum: %w", err)
	}
	return nil
}

// SyncChunkStates reconciles local chunk states against the server's
// authoritative list of held chunk indices: listed chunks become acked,
// everything else is demoted to pending for re-send. The task's acked
// byte count keeps its high-water mark so observed progress stays
// monotone even after server-side loss.
func (s *Store) SyncChunkStates(taskID string, ackedIndices []int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`UPDATE task_chunks SET state = ? WHERE task_id = ?`,
		string(models.ChunkPending), taskID)
	if err != nil {
		return fmt.Errorf("failed to reset chunk states: %w", err)
	}

	for _, idx := range ackedIndices {
		_, err = tx.Exec(`
			UPDATE task_chunks SET state = ? WHERE task_id = ? AND chunk_index = ?`,
			string(models.ChunkAcked), taskID, idx)
		if err != nil {
			return fmt.Errorf("failed to mark chunk %d acked: %w", idx, err)
		}
	}

	_, err = tx.Exec(`
		UPDATE upload_tasks
		SET acked_bytes = MAX(acked_bytes,
		        (SELECT COALESCE(SUM(length), 0) FROM task_chunks
		         WHERE task_id = ? AND state = ?)),
		    updated_at = ?
		WHERE id = ?`,
		taskID, string(models.ChunkAcked), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update acked bytes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk sync: %w", err)
	}

	return nil
}

// SetStatus transitions a task to the given status.
func (s *Store) SetStatus(id string, status models.TaskStatus) error {
	var completedAt interface{}
	if status.Terminal() {
		completedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		UPDATE upload_tasks SET status = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(status), time.Now().UTC(), completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}

	return nil
}

// SetError records the last error and retry count for a task.
func (s *Store) SetError(id string, lastError string, retryCount int) error {
	_, err := s.db.Exec(`
		UPDATE upload_tasks SET last_error = ?, retry_count = ?, updated_at = ?
		WHERE id = ?`,
		lastError, retryCount, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set task error: %w", err)
	}

	return nil
}

// SetSessionID records the server-issued session for a task.
func (s *Store) SetSessionID(id, sessionID string) error {
	_, err := s.db.Exec(`
		UPDATE upload_tasks SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set session id: %w", err)
	}

	return nil
}

// SetPriority changes a task's scheduling priority.
func (s *Store) SetPriority(id string, priority int) error {
	_, err := s.db.Exec(`
		UPDATE upload_tasks SET priority = ?, updated_at = ? WHERE id = ?`,
		priority, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set task priority: %w", err)
	}

	return nil
}

// Delete removes a task and (via cascade) its chunk manifest.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM upload_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// RecoverInFlight re-queues tasks left in uploading by a previous
// process: the worker that owned them is gone, but acknowledged chunks
// are kept so only the remainder is re-sent. Returns the number of
// tasks recovered. Call once at startup before workers start.
func (s *Store) RecoverInFlight() (int, error) {
	res, err := s.db.Exec(`
		UPDATE upload_tasks SET status = ?, updated_at = ? WHERE status = ?`,
		string(models.StatusPending), time.Now().UTC(), string(models.StatusUploading))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight tasks: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered tasks: %w", err)
	}

	return int(n), nil
}

// Stats aggregates queue counters for the dashboard.
func (s *Store) Stats() (*models.QueueStats, error) {
	stats := &models.QueueStats{}

	err := s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COUNT(CASE WHEN status IN ('pending', 'paused') THEN 1 END),
			COUNT(CASE WHEN status = 'uploading' THEN 1 END),
			COALESCE(SUM(acked_bytes), 0)
		FROM upload_tasks`).Scan(
		&stats.TotalUploaded, &stats.TotalFailed, &stats.Queued,
		&stats.Active, &stats.BytesUploaded)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}

	return stats, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*models.UploadTask, error) {
	task := &models.UploadTask{}
	var status, meta string
	var completedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.FilePath, &task.Destination, &task.Priority,
		&task.TotalSize, &task.AckedBytes, &task.ChunkSize, &task.RetryCount,
		&task.LastError, &status, &task.SessionID, &meta,
		&task.CreatedAt, &task.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskStatus(status)
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode task metadata: %w", err)
		}
	}

	return task, nil
}

func (s *Store) list(query string, args ...interface{}) ([]*models.UploadTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.UploadTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}
