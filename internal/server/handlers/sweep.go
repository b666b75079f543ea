package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/Maahir-AI-Robo/bagferry/internal/config"
	"github.com/Maahir-AI-Robo/bagferry/internal/metrics"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/chunkio"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/sessiondb"
)

// SweepExpired removes incomplete sessions whose expiry has passed,
// along with their staged chunks. Returns how many were swept.
func SweepExpired(db *sessiondb.DB, cfg *config.Server) (int, error) {
	expired, err := db.ExpiredSessions(time.Now().UTC())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, s := range expired {
		if err := chunkio.DeleteChunks(cfg.StorageDir, s.SessionID); err != nil {
			slog.Error("failed to delete expired chunks", "session_id", s.SessionID, "error", err)
			continue
		}
		if err := db.DeleteSession(s.SessionID); err != nil {
			slog.Error("failed to delete expired session", "session_id", s.SessionID, "error", err)
			continue
		}
		metrics.SessionsTotal.WithLabelValues("expired").Inc()
		slog.Info("expired session swept",
			"session_id", s.SessionID,
			"task_id", s.TaskID,
			"chunks_received", s.ChunksReceived,
		)
		swept++
	}
	return swept, nil
}

// RunSweeper sweeps expired sessions on an interval until ctx ends.
func RunSweeper(ctx context.Context, db *sessiondb.DB, cfg *config.Server) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := SweepExpired(db, cfg); err != nil {
				slog.Error("session sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("session sweep complete", "swept", n)
			}
		}
	}
}
