package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Maahir-AI-Robo/bagferry/internal/chunker"
	"github.com/Maahir-AI-Robo/bagferry/internal/config"
	"github.com/Maahir-AI-Robo/bagferry/internal/metrics"
	"github.com/Maahir-AI-Robo/bagferry/internal/models"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/chunkio"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/sessiondb"
)

// maxInitBodySize bounds the init request body (metadata included).
const maxInitBodySize = 1 << 20

// InitHandler opens or resumes a transfer session. The task ID is the
// resume key: a client that restarts finds its prior session and the
// server's authoritative chunk inventory.
func InitHandler(db *sessiondb.DB, cfg *config.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxInitBodySize)
		var req models.InitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, "Invalid JSON body", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}

		if req.TaskID == "" {
			sendError(w, "task_id is required", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
		filename := safeFilename(req.Filename)
		if filename == "" {
			sendError(w, "Invalid filename", "INVALID_FILENAME", http.StatusUnprocessableEntity)
			return
		}
		destination, ok := safeDestination(req.Destination)
		if !ok {
			sendError(w, "Invalid destination path", "INVALID_DESTINATION", http.StatusUnprocessableEntity)
			return
		}
		if req.TotalSize < 0 {
			sendError(w, "total_size cannot be negative", "INVALID_REQUEST", http.StatusUnprocessableEntity)
			return
		}
		if req.ChunkSize <= 0 {
			sendError(w, "chunk_size must be positive", "INVALID_REQUEST", http.StatusUnprocessableEntity)
			return
		}

		existing, err := db.GetSessionByTaskID(req.TaskID)
		if err != nil {
			slog.Error("failed to look up session", "task_id", req.TaskID, "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}

		if existing != nil {
			if sameTransfer(existing, &req) {
				resumeSession(w, db, cfg, existing)
				return
			}
			// The task now describes a different file. The stale
			// session and its staged chunks are worthless.
			slog.Info("replacing stale session",
				"task_id", req.TaskID,
				"session_id", existing.SessionID,
			)
			if err := chunkio.DeleteChunks(cfg.StorageDir, existing.SessionID); err != nil {
				slog.Error("failed to delete stale chunks", "session_id", existing.SessionID, "error", err)
			}
			if err := db.DeleteSession(existing.SessionID); err != nil {
				slog.Error("failed to delete stale session", "session_id", existing.SessionID, "error", err)
				sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
				return
			}
		}

		now := time.Now().UTC()
		session := &sessiondb.Session{
			SessionID:    uuid.New().String(),
			TaskID:       req.TaskID,
			Filename:     filename,
			Destination:  destination,
			TotalSize:    req.TotalSize,
			ChunkSize:    req.ChunkSize,
			TotalChunks:  chunker.CountChunks(req.TotalSize, req.ChunkSize),
			Checksum:     req.Checksum,
			Metadata:     req.Metadata,
			CreatedAt:    now,
			LastActivity: now,
			ExpiresAt:    now.Add(time.Duration(cfg.SessionExpiryHours) * time.Hour),
		}
		if err := db.CreateSession(session); err != nil {
			slog.Error("failed to create session", "task_id", req.TaskID, "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}

		metrics.SessionsTotal.WithLabelValues("created").Inc()
		slog.Info("session created",
			"session_id", session.SessionID,
			"task_id", req.TaskID,
			"filename", filename,
			"total_size", req.TotalSize,
			"total_chunks", session.TotalChunks,
		)

		sendJSON(w, http.StatusCreated, models.InitResponse{
			SessionID:   session.SessionID,
			TotalChunks: session.TotalChunks,
			ExpiresAt:   session.ExpiresAt,
		})
	}
}

// sameTransfer reports whether the init request describes the same
// file the existing session was opened for.
func sameTransfer(s *sessiondb.Session, req *models.InitRequest) bool {
	return s.TotalSize == req.TotalSize &&
		s.ChunkSize == req.ChunkSize &&
		s.Checksum == req.Checksum
}

// resumeSession answers an init for a known task with the server's view
// of what already landed. Chunk records are cross-checked against the
// staging directory so the client never skips a chunk the disk lost.
func resumeSession(w http.ResponseWriter, db *sessiondb.DB, cfg *config.Server, s *sessiondb.Session) {
	indices, err := db.ReceivedIndices(s.SessionID)
	if err != nil {
		slog.Error("failed to list received chunks", "session_id", s.SessionID, "error", err)
		sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}

	received := make([]int, 0, len(indices))
	var ackedBytes int64
	if s.Completed {
		// Published sessions no longer keep staged chunks; the client
		// only needs to repeat finalize.
		received = indices
		ackedBytes = s.ReceivedBytes
	} else {
		for _, idx := range indices {
			exists, size, err := chunkio.ChunkExists(cfg.StorageDir, s.SessionID, idx)
			if err != nil {
				slog.Error("failed to check chunk", "session_id", s.SessionID, "chunk_index", idx, "error", err)
				sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
				return
			}
			if !exists {
				if err := db.DeleteChunk(s.SessionID, idx); err != nil {
					slog.Error("failed to drop lost chunk record", "session_id", s.SessionID, "chunk_index", idx, "error", err)
				}
				continue
			}
			received = append(received, idx)
			ackedBytes += size
		}
	}

	if err := db.TouchActivity(s.SessionID); err != nil {
		slog.Error("failed to touch session", "session_id", s.SessionID, "error", err)
	}

	metrics.SessionsTotal.WithLabelValues("resumed").Inc()
	slog.Info("session resumed",
		"session_id", s.SessionID,
		"task_id", s.TaskID,
		"chunks_received", len(received),
		"total_chunks", s.TotalChunks,
	)

	sendJSON(w, http.StatusOK, models.InitResponse{
		SessionID:      s.SessionID,
		Resumed:        true,
		TotalChunks:    s.TotalChunks,
		ReceivedChunks: received,
		AckedBytes:     ackedBytes,
		ExpiresAt:      s.ExpiresAt,
	})
}
