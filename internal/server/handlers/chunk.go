package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Maahir-AI-Robo/bagferry/internal/config"
	"github.com/Maahir-AI-Robo/bagferry/internal/metrics"
	"github.com/Maahir-AI-Robo/bagferry/internal/models"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/chunkio"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/sessiondb"
)

// multipartOverhead pads the request size limit beyond the chunk
// payload for form boundaries and fields.
const multipartOverhead = 64 * 1024

// ChunkHandler receives one chunk for a session. Re-sending a chunk
// the server already holds with the same checksum is a no-op ack; the
// same index with a different checksum is a conflict the client cannot
// talk its way past.
func ChunkHandler(db *sessiondb.DB, cfg *config.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/api/transfer/chunk/")
		sessionID, indexStr, ok := strings.Cut(rest, "/")
		if !ok || sessionID == "" {
			sendError(w, "Session ID and chunk index required", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
		index, err := strconv.Atoi(indexStr)
		if err != nil || index < 0 {
			sendError(w, "Invalid chunk index", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}

		session, err := db.GetSession(sessionID)
		if err != nil {
			slog.Error("failed to load session", "session_id", sessionID, "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}
		if session == nil {
			sendError(w, "Session not found", "SESSION_NOT_FOUND", http.StatusNotFound)
			return
		}
		if session.Completed {
			sendError(w, "Session already finalized", "SESSION_COMPLETED", http.StatusConflict)
			return
		}
		if index >= session.TotalChunks {
			sendError(w, "Chunk index out of range", "INVALID_CHUNK", http.StatusUnprocessableEntity)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, session.ChunkSize+multipartOverhead)
		if err := r.ParseMultipartForm(session.ChunkSize + multipartOverhead); err != nil {
			sendError(w, "Chunk too large or invalid form data", "CHUNK_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return
		}

		declared := r.FormValue("checksum")
		if declared == "" {
			sendError(w, "checksum field is required", "INVALID_REQUEST", http.StatusUnprocessableEntity)
			return
		}

		file, _, err := r.FormFile("chunk")
		if err != nil {
			sendError(w, "No chunk data provided", "NO_CHUNK", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			slog.Error("failed to read chunk data", "session_id", sessionID, "chunk_index", index, "error", err)
			sendError(w, "Failed to read chunk data", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}

		if expected := expectedChunkLength(session, index); int64(len(data)) != expected {
			metrics.ChunksReceivedTotal.WithLabelValues("rejected").Inc()
			sendError(w, "Chunk has wrong length", "INVALID_CHUNK", http.StatusUnprocessableEntity)
			return
		}

		sum := sha256.Sum256(data)
		actual := hex.EncodeToString(sum[:])
		if actual != declared {
			metrics.ChunksReceivedTotal.WithLabelValues("mismatch").Inc()
			slog.Warn("chunk failed checksum verification",
				"session_id", sessionID,
				"chunk_index", index,
			)
			sendError(w, "Chunk data does not match declared checksum", "CHUNK_CHECKSUM_MISMATCH", http.StatusBadRequest)
			return
		}

		stored, err := db.ChunkChecksum(sessionID, index)
		if err != nil {
			slog.Error("failed to check stored chunk", "session_id", sessionID, "chunk_index", index, "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}
		if stored != "" {
			if stored == declared {
				// Ack was lost in transit; nothing to store again.
				metrics.ChunksReceivedTotal.WithLabelValues("duplicate").Inc()
				if err := db.TouchActivity(sessionID); err != nil {
					slog.Error("failed to touch session", "session_id", sessionID, "error", err)
				}
				sendJSON(w, http.StatusOK, models.ChunkResponse{
					SessionID:      sessionID,
					ChunkIndex:     index,
					ChunksReceived: session.ChunksReceived,
					TotalChunks:    session.TotalChunks,
					AckedBytes:     session.ReceivedBytes,
					Duplicate:      true,
				})
				return
			}
			metrics.ChunksReceivedTotal.WithLabelValues("conflict").Inc()
			slog.Warn("chunk conflict",
				"session_id", sessionID,
				"chunk_index", index,
			)
			sendError(w, "Chunk already stored with different checksum", "CHUNK_CONFLICT", http.StatusConflict)
			return
		}

		if err := chunkio.SaveChunk(cfg.StorageDir, sessionID, index, data); err != nil {
			slog.Error("failed to save chunk", "session_id", sessionID, "chunk_index", index, "error", err)
			sendError(w, "Failed to store chunk", "STORAGE_ERROR", http.StatusInternalServerError)
			return
		}
		if err := db.RecordChunk(sessionID, index, int64(len(data)), declared); err != nil {
			slog.Error("failed to record chunk", "session_id", sessionID, "chunk_index", index, "error", err)
			sendError(w, "Failed to record chunk", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}

		metrics.ChunksReceivedTotal.WithLabelValues("stored").Inc()

		sendJSON(w, http.StatusOK, models.ChunkResponse{
			SessionID:      sessionID,
			ChunkIndex:     index,
			ChunksReceived: session.ChunksReceived + 1,
			TotalChunks:    session.TotalChunks,
			AckedBytes:     session.ReceivedBytes + int64(len(data)),
		})
	}
}

// expectedChunkLength returns the exact byte length chunk index must
// have. Every chunk is full-size except the last.
func expectedChunkLength(s *sessiondb.Session, index int) int64 {
	if index == s.TotalChunks-1 {
		if rem := s.TotalSize - int64(index)*s.ChunkSize; rem > 0 {
			return rem
		}
	}
	return s.ChunkSize
}
