// Package sessiondb persists transfer session state on the receiving
// side. Sessions survive restarts so clients can resume against the
// same chunk inventory they left behind.
package sessiondb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Session is one in-progress or completed transfer on the server.
type Session struct {
	SessionID      string
	TaskID         string
	Filename       string
	Destination    string
	TotalSize      int64
	ChunkSize      int64
	TotalChunks    int
	Checksum       string
	Metadata       map[string]string
	ChunksReceived int
	ReceivedBytes  int64
	Completed      bool
	FinalPath      string
	CreatedAt      time.Time
	LastActivity   time.Time
	ExpiresAt      time.Time
}

// DB wraps the sqlite handle for session state.
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transfer_sessions (
	session_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	filename TEXT NOT NULL,
	destination TEXT NOT NULL DEFAULT '',
	total_size INTEGER NOT NULL,
	chunk_size INTEGER NOT NULL,
	total_chunks INTEGER NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	chunks_received INTEGER NOT NULL DEFAULT 0,
	received_bytes INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	final_path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_chunks (
	session_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	size INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	received_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, chunk_index),
	FOREIGN KEY (session_id) REFERENCES transfer_sessions(session_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS completed_uploads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	filename TEXT NOT NULL,
	size INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	uploaded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON transfer_sessions(completed, expires_at);
CREATE INDEX IF NOT EXISTS idx_completed_uploaded_at ON completed_uploads(uploaded_at DESC);
`

// Open opens (creating if needed) the session database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{db: db}, nil
}

// OpenInMemory opens an isolated in-memory database for tests.
func OpenInMemory() (*DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// CreateSession inserts a new session row.
func (d *DB) CreateSession(s *Session) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = d.db.Exec(`
		INSERT INTO transfer_sessions (
			session_id, task_id, filename, destination, total_size,
			chunk_size, total_chunks, checksum, metadata,
			created_at, last_activity, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.TaskID, s.Filename, s.Destination, s.TotalSize,
		s.ChunkSize, s.TotalChunks, s.Checksum, string(meta),
		s.CreatedAt, s.LastActivity, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID, or nil if absent.
func (d *DB) GetSession(sessionID string) (*Session, error) {
	return d.getSession("session_id = ?", sessionID)
}

// GetSessionByTaskID returns the session created for a task, or nil.
// Task identity is what lets a restarted client find its old session.
func (d *DB) GetSessionByTaskID(taskID string) (*Session, error) {
	return d.getSession("task_id = ?", taskID)
}

func (d *DB) getSession(where string, arg interface{}) (*Session, error) {
	row := d.db.QueryRow(`
		SELECT session_id, task_id, filename, destination, total_size,
		       chunk_size, total_chunks, checksum, metadata,
		       chunks_received, received_bytes, completed, final_path,
		       created_at, last_activity, expires_at
		FROM transfer_sessions WHERE `+where, arg)

	var (
		s        Session
		metaJSON string
	)
	err := row.Scan(
		&s.SessionID, &s.TaskID, &s.Filename, &s.Destination, &s.TotalSize,
		&s.ChunkSize, &s.TotalChunks, &s.Checksum, &metaJSON,
		&s.ChunksReceived, &s.ReceivedBytes, &s.Completed, &s.FinalPath,
		&s.CreatedAt, &s.LastActivity, &s.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &s, nil
}

// RecordChunk stores a chunk receipt and bumps session counters in one
// transaction. Re-recording an index is an error; callers detect
// duplicates through ChunkChecksum first.
func (d *DB) RecordChunk(sessionID string, index int, size int64, checksum string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		INSERT INTO session_chunks (session_id, chunk_index, size, checksum, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, index, size, checksum, now,
	); err != nil {
		return fmt.Errorf("failed to record chunk: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE transfer_sessions
		SET chunks_received = chunks_received + 1,
		    received_bytes = received_bytes + ?,
		    last_activity = ?
		WHERE session_id = ?`,
		size, now, sessionID,
	); err != nil {
		return fmt.Errorf("failed to update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk record: %w", err)
	}
	return nil
}

// ChunkChecksum returns the stored checksum for a chunk index, or ""
// if the chunk has not been recorded.
func (d *DB) ChunkChecksum(sessionID string, index int) (string, error) {
	var checksum string
	err := d.db.QueryRow(`
		SELECT checksum FROM session_chunks
		WHERE session_id = ? AND chunk_index = ?`,
		sessionID, index,
	).Scan(&checksum)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query chunk checksum: %w", err)
	}
	return checksum, nil
}

// DeleteChunk removes one chunk record and rolls back the session
// counters it contributed. Used when a staged chunk is found corrupt at
// finalize so the client can store it again.
func (d *DB) DeleteChunk(sessionID string, index int) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var size int64
	err = tx.QueryRow(`
		SELECT size FROM session_chunks
		WHERE session_id = ? AND chunk_index = ?`,
		sessionID, index,
	).Scan(&size)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query chunk: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM session_chunks WHERE session_id = ? AND chunk_index = ?`,
		sessionID, index,
	); err != nil {
		return fmt.Errorf("failed to delete chunk record: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE transfer_sessions
		SET chunks_received = chunks_received - 1,
		    received_bytes = received_bytes - ?
		WHERE session_id = ?`,
		size, sessionID,
	); err != nil {
		return fmt.Errorf("failed to update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk delete: %w", err)
	}
	return nil
}

// ReceivedIndices returns the sorted chunk indices recorded for a session.
func (d *DB) ReceivedIndices(sessionID string) ([]int, error) {
	rows, err := d.db.Query(`
		SELECT chunk_index FROM session_chunks
		WHERE session_id = ? ORDER BY chunk_index ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query received chunks: %w", err)
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("failed to scan chunk index: %w", err)
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

// TouchActivity refreshes the session's activity timestamp.
func (d *DB) TouchActivity(sessionID string) error {
	_, err := d.db.Exec(`
		UPDATE transfer_sessions SET last_activity = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

// MarkCompleted flags a session as published and remembers where the
// assembled file landed, so a repeated finalize can answer from record.
func (d *DB) MarkCompleted(sessionID, finalPath string) error {
	_, err := d.db.Exec(`
		UPDATE transfer_sessions SET completed = 1, final_path = ?, last_activity = ? WHERE session_id = ?`,
		finalPath, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark session completed: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its chunk records.
func (d *DB) DeleteSession(sessionID string) error {
	_, err := d.db.Exec(`DELETE FROM transfer_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ExpiredSessions returns incomplete sessions whose expiry has passed.
func (d *DB) ExpiredSessions(now time.Time) ([]*Session, error) {
	rows, err := d.db.Query(`
		SELECT session_id, task_id, filename, destination, total_size,
		       chunk_size, total_chunks, checksum, metadata,
		       chunks_received, received_bytes, completed, final_path,
		       created_at, last_activity, expires_at
		FROM transfer_sessions
		WHERE completed = 0 AND expires_at < ?`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var (
			s        Session
			metaJSON string
		)
		if err := rows.Scan(
			&s.SessionID, &s.TaskID, &s.Filename, &s.Destination, &s.TotalSize,
			&s.ChunkSize, &s.TotalChunks, &s.Checksum, &metaJSON,
			&s.ChunksReceived, &s.ReceivedBytes, &s.Completed, &s.FinalPath,
			&s.CreatedAt, &s.LastActivity, &s.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// RecordCompletedUpload appends an entry to the completed-upload index.
func (d *DB) RecordCompletedUpload(filename string, size int64, checksum, mimeType string, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = d.db.Exec(`
		INSERT INTO completed_uploads (filename, size, checksum, mime_type, metadata, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		filename, size, checksum, mimeType, string(meta), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record completed upload: %w", err)
	}
	return nil
}

// CompletedUploads lists published files, newest first.
func (d *DB) CompletedUploads() ([]CompletedEntry, error) {
	rows, err := d.db.Query(`
		SELECT filename, size, checksum, mime_type, metadata, uploaded_at
		FROM completed_uploads ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed uploads: %w", err)
	}
	defer rows.Close()

	var entries []CompletedEntry
	for rows.Next() {
		var (
			e        CompletedEntry
			metaJSON string
		)
		if err := rows.Scan(&e.Filename, &e.Size, &e.Checksum, &e.MimeType, &metaJSON, &e.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan completed upload: %w", err)
		}
		if metaJSON != "" && metaJSON != "{}" {
			if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CompletedEntry is one row of the completed-upload index.
type CompletedEntry struct {
	Filename   string
	Size       int64
	Checksum   string
	MimeType   string
	Metadata   map[string]string
	UploadedAt time.Time
}
