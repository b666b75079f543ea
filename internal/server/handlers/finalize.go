package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Maahir-AI-Robo/bagferry/internal/config"
	"github.com/Maahir-AI-Robo/bagferry/internal/metrics"
	"github.com/Maahir-AI-Robo/bagferry/internal/models"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/archive"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/chunkio"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/sessiondb"
)

// archiveTimeout bounds the background S3 copy after publish.
const archiveTimeout = 10 * time.Minute

// FinalizeHandler verifies and publishes a completed session. The
// assembled file appears at its final path atomically; until then the
// session stays resumable. Finalize is idempotent: repeating it after
// success returns the published file again.
func FinalizeHandler(db *sessiondb.DB, cfg *config.Server, arch *archive.Archiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		sessionID := strings.TrimPrefix(r.URL.Path, "/api/transfer/finalize/")
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

		// An empty body is allowed; the checksum then comes from init.
		var req models.FinalizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			sendError(w, "Invalid JSON body", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
		expected := req.Checksum
		if expected == "" {
			expected = session.Checksum
		}
		if expected == "" {
			sendError(w, "File checksum required", "INVALID_REQUEST", http.StatusUnprocessableEntity)
			return
		}

		if session.Completed {
			// The success response was lost; answer from record.
			sendJSON(w, http.StatusOK, publishedResponse(session))
			return
		}

		missing, err := chunkio.MissingChunks(cfg.StorageDir, sessionID, session.TotalChunks)
		if err != nil {
			slog.Error("failed to check for missing chunks", "session_id", sessionID, "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}
		if len(missing) > 0 {
			metrics.FinalizeTotal.WithLabelValues("incomplete").Inc()
			sendJSON(w, http.StatusBadRequest, models.FinalizeErrorResponse{
				Error:         fmt.Sprintf("%d chunks missing", len(missing)),
				Code:          "CHUNKS_MISSING",
				MissingChunks: missing,
			})
			return
		}

		outputPath := publishPath(cfg.StorageDir, session)
		_, actual, err := chunkio.Assemble(cfg.StorageDir, sessionID, session.TotalChunks, expected, outputPath)
		if err != nil {
			if errors.Is(err, chunkio.ErrChecksumMismatch) {
				mismatched := findMismatchedChunks(db, cfg, session)
				metrics.FinalizeTotal.WithLabelValues("mismatch").Inc()
				slog.Warn("finalize checksum mismatch",
					"session_id", sessionID,
					"expected", expected,
					"actual", actual,
					"mismatched_chunks", len(mismatched),
				)
				sendJSON(w, http.StatusBadRequest, models.FinalizeErrorResponse{
					Error:            "assembled file does not match declared checksum",
					Code:             "FILE_CHECKSUM_MISMATCH",
					MismatchedChunks: mismatched,
				})
				return
			}
			metrics.FinalizeTotal.WithLabelValues("error").Inc()
			slog.Error("failed to assemble file", "session_id", sessionID, "error", err)
			sendError(w, "Failed to assemble file", "ASSEMBLY_FAILED", http.StatusInternalServerError)
			return
		}

		mimeType := ""
		if mt, err := mimetype.DetectFile(outputPath); err == nil {
			mimeType = mt.String()
		}

		if err := chunkio.WriteSidecar(outputPath, chunkio.Sidecar{
			Filename:   session.Filename,
			Size:       session.TotalSize,
			Checksum:   actual,
			MimeType:   mimeType,
			Metadata:   session.Metadata,
			UploadedAt: time.Now().UTC(),
		}); err != nil {
			slog.Error("failed to write metadata sidecar", "session_id", sessionID, "error", err)
		}

		if err := db.MarkCompleted(sessionID, outputPath); err != nil {
			slog.Error("failed to mark session completed", "session_id", sessionID, "error", err)
			sendError(w, "Internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}
		if err := db.RecordCompletedUpload(session.Filename, session.TotalSize, actual, mimeType, session.Metadata); err != nil {
			slog.Error("failed to record completed upload", "session_id", sessionID, "error", err)
		}
		if err := chunkio.DeleteChunks(cfg.StorageDir, sessionID); err != nil {
			slog.Error("failed to delete staged chunks", "session_id", sessionID, "error", err)
		}

		metrics.FinalizeTotal.WithLabelValues("success").Inc()
		slog.Info("transfer finalized",
			"session_id", sessionID,
			"task_id", session.TaskID,
			"filename", session.Filename,
			"path", outputPath,
			"total_size", session.TotalSize,
		)

		if arch != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
				defer cancel()
				if err := arch.Archive(ctx, outputPath, session.Filename, mimeType); err != nil {
					slog.Error("failed to archive file", "session_id", sessionID, "error", err)
				}
			}()
		}

		sendJSON(w, http.StatusOK, models.FinalizeResponse{
			Filename:  session.Filename,
			FilePath:  outputPath,
			Checksum:  actual,
			TotalSize: session.TotalSize,
			MimeType:  mimeType,
		})
	}
}

// publishPath returns the final location for a session's file,
// deconflicting with anything already published under that name.
func publishPath(storageDir string, s *sessiondb.Session) string {
	dir := storageDir
	if s.Destination != "" {
		dir = filepath.Join(storageDir, s.Destination)
	}
	path := filepath.Join(dir, s.Filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(s.Filename)
	base := strings.TrimSuffix(s.Filename, ext)
	suffix := s.SessionID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", base, suffix, ext))
}

// publishedResponse rebuilds the finalize success body for a session
// already marked completed.
func publishedResponse(s *sessiondb.Session) models.FinalizeResponse {
	mimeType := ""
	if mt, err := mimetype.DetectFile(s.FinalPath); err == nil {
		mimeType = mt.String()
	}
	return models.FinalizeResponse{
		Filename:  s.Filename,
		FilePath:  s.FinalPath,
		Checksum:  s.Checksum,
		TotalSize: s.TotalSize,
		MimeType:  mimeType,
	}
}

// findMismatchedChunks compares each staged chunk against the checksum
// recorded at receipt and evicts the corrupt ones, so the client's next
// send of those indices stores fresh data instead of short-circuiting
// as a duplicate.
func findMismatchedChunks(db *sessiondb.DB, cfg *config.Server, s *sessiondb.Session) []int {
	var mismatched []int
	for i := 0; i < s.TotalChunks; i++ {
		recorded, err := db.ChunkChecksum(s.SessionID, i)
		if err != nil || recorded == "" {
			continue
		}
		actual, err := chunkio.ChunkChecksum(cfg.StorageDir, s.SessionID, i)
		if err != nil || actual == recorded {
			continue
		}
		mismatched = append(mismatched, i)
		if err := db.DeleteChunk(s.SessionID, i); err != nil {
			slog.Error("failed to evict corrupt chunk record", "session_id", s.SessionID, "chunk_index", i, "error", err)
		}
		if err := os.Remove(chunkio.ChunkPath(cfg.StorageDir, s.SessionID, i)); err != nil && !os.IsNotExist(err) {
			slog.Error("failed to remove corrupt chunk", "session_id", s.SessionID, "chunk_index", i, "error", err)
		}
	}
	return mismatched
}
