package models

import "time"

// Wire types for the transfer protocol. The client and server halves
// share these so the contract stays in one place.

// InitRequest opens or resumes a transfer session. TaskID is the stable
// task identity; the server uses it to find prior progress after either
// side restarts.
type InitRequest struct {
	TaskID      string            `json:"task_id"`
	Filename    string            `json:"filename"`
	Destination string            `json:"destination"`
	TotalSize   int64             `json:"total_size"`
	ChunkSize   int64             `json:"chunk_size"`
	Checksum    string            `json:"checksum"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InitResponse carries the session identity and the server's
// authoritative view of what has already landed. Resumed is false for a
// fresh session.
type InitResponse struct {
	SessionID      string    `json:"session_id"`
	Resumed        bool      `json:"resumed"`
	TotalChunks    int       `json:"total_chunks"`
	ReceivedChunks []int     `json:"received_chunks,omitempty"`
	AckedBytes     int64     `json:"acked_bytes"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ChunkResponse acknowledges a stored chunk.
type ChunkResponse struct {
	SessionID      string `json:"session_id"`
	ChunkIndex     int    `json:"chunk_index"`
	ChunksReceived int    `json:"chunks_received"`
	TotalChunks    int    `json:"total_chunks"`
	AckedBytes     int64  `json:"acked_bytes"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// FinalizeRequest asks the server to verify and publish the assembled file.
type FinalizeRequest struct {
	Checksum string `json:"checksum"`
}

// FinalizeResponse reports the published file on success.
type FinalizeResponse struct {
	Filename  string `json:"filename"`
	FilePath  string `json:"file_path"`
	Checksum  string `json:"checksum"`
	TotalSize int64  `json:"total_size"`
	MimeType  string `json:"mime_type,omitempty"`
}

// ErrorResponse is the generic JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// FinalizeErrorResponse names the exact chunks the client must re-send.
type FinalizeErrorResponse struct {
	Error            string `json:"error"`
	Code             string `json:"code,omitempty"`
	MissingChunks    []int  `json:"missing_chunks,omitempty"`
	MismatchedChunks []int  `json:"mismatched_chunks,omitempty"`
}

// SessionStatusResponse is the read-only progress view of a session.
type SessionStatusResponse struct {
	SessionID      string    `json:"session_id"`
	TaskID         string    `json:"task_id"`
	Filename       string    `json:"filename"`
	TotalSize      int64     `json:"total_size"`
	TotalChunks    int       `json:"total_chunks"`
	ReceivedChunks []int     `json:"received_chunks,omitempty"`
	AckedBytes     int64     `json:"acked_bytes"`
	Complete       bool      `json:"complete"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CompletedUpload is one entry in the server's completed-upload index.
type CompletedUpload struct {
	Filename   string            `json:"filename"`
	Size       int64             `json:"size"`
	Checksum   string            `json:"checksum"`
	MimeType   string            `json:"mime_type,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	UploadedAt time.Time         `json:"uploaded_at"`
}
