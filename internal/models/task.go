package models

import "time"

// TaskStatus is the lifecycle state of an upload task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusUploading TaskStatus = "uploading"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a task in this status will never be scheduled again.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority bounds for upload tasks. Higher is more urgent.
const (
	MinPriority = 1
	MaxPriority = 10
)

// UploadTask represents one file's end-to-end transfer intent, tracked
// from enqueue to terminal status.
type UploadTask struct {
	ID          string            `json:"id"`
	FilePath    string            `json:"file_path"`
	Destination string            `json:"destination"`
	Priority    int               `json:"priority"`
	TotalSize   int64             `json:"total_size"`
	AckedBytes  int64             `json:"acked_bytes"`
	ChunkSize   int64             `json:"chunk_size"`
	RetryCount  int               `json:"retry_count"`
	LastError   string            `json:"last_error,omitempty"`
	Status      TaskStatus        `json:"status"`
	SessionID   string            `json:"session_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ChunkState is the client-local transfer state of a single chunk.
type ChunkState string

const (
	ChunkPending ChunkState = "pending"
	ChunkSent    ChunkState = "sent"
	ChunkAcked   ChunkState = "acked"
)

// Chunk is one contiguous byte range of the source file. Offset and
// Length are derived deterministically from the chunk size; Checksum is
// the SHA-256 of the range's content.
type Chunk struct {
	Index    int        `json:"index"`
	Offset   int64      `json:"offset"`
	Length   int64      `json:"length"`
	Checksum string     `json:"checksum,omitempty"`
	State    ChunkState `json:"state"`
}

// StatusEvent is published on every task state transition for external
// observers. Observers read; they never mutate task state.
type StatusEvent struct {
	TaskID     string     `json:"task_id"`
	OldStatus  TaskStatus `json:"old_status"`
	NewStatus  TaskStatus `json:"new_status"`
	AckedBytes int64      `json:"acked_bytes"`
	TotalBytes int64      `json:"total_bytes"`
	Error      string     `json:"error,omitempty"`
	Time       time.Time  `json:"time"`
}

// QueueStats is the aggregate view the dashboard polls.
type QueueStats struct {
	TotalUploaded int64 `json:"total_uploaded"`
	TotalFailed   int64 `json:"total_failed"`
	Queued        int64 `json:"queued"`
	Active        int64 `json:"active"`
	BytesUploaded int64 `json:"bytes_uploaded"`
	Online        bool  `json:"online"`
}
