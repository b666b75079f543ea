package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Maahir-AI-Robo/bagferry/internal/models"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/sessiondb"
)

// StatusHandler reports a session's progress.
func StatusHandler(db *sessiondb.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		sessionID := strings.TrimPrefix(r.URL.Path, "/api/transfer/status/")
		if sessionID == "" || strings.Contains(sessionID, "/") {
			sendError(w, "Session ID required", "INVALID_REQUEST", http.StatusBadRequest)
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

		received, err := db.ReceivedIndices(sessionID)
		if err != nil {
			slog.Error("failed to list received chunks", "session_id", sessionID, "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}

		sendJSON(w, http.StatusOK, models.SessionStatusResponse{
			SessionID:      session.SessionID,
			TaskID:         session.TaskID,
			Filename:       session.Filename,
			TotalSize:      session.TotalSize,
			TotalChunks:    session.TotalChunks,
			ReceivedChunks: received,
			AckedBytes:     session.ReceivedBytes,
			Complete:       session.Completed,
			ExpiresAt:      session.ExpiresAt,
		})
	}
}

// TransfersHandler lists published uploads, newest first.
func TransfersHandler(db *sessiondb.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		entries, err := db.CompletedUploads()
		if err != nil {
			slog.Error("failed to list completed uploads", "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}

		uploads := make([]models.CompletedUpload, 0, len(entries))
		for _, e := range entries {
			uploads = append(uploads, models.CompletedUpload{
				Filename:   e.Filename,
				Size:       e.Size,
				Checksum:   e.Checksum,
				MimeType:   e.MimeType,
				Metadata:   e.Metadata,
				UploadedAt: e.UploadedAt,
			})
		}
		sendJSON(w, http.StatusOK, uploads)
	}
}

// HealthHandler reports liveness. The uploader's reachability probe
// hits this endpoint.
func HealthHandler(startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}
		sendJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "healthy",
			"uptime_seconds": int64(time.Since(startTime).Seconds()),
		})
	}
}
