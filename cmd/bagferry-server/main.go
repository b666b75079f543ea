package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Maahir-AI-Robo/bagferry/internal/config"
	"github.com/Maahir-AI-Robo/bagferry/internal/middleware"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/archive"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/handlers"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/sessiondb"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("starting bagferry server",
		"port", cfg.Port,
		"db_path", cfg.DBPath,
		"storage_dir", cfg.StorageDir,
		"session_expiry_hours", cfg.SessionExpiryHours,
		"auth_enabled", cfg.AuthTokenHash != "",
		"s3_archive", cfg.S3ArchiveBucket != "",
	)

	db, err := sessiondb.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open session database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		slog.Error("failed to create storage directory", "error", err)
		os.Exit(1)
	}
	slog.Info("storage directory ready", "path", cfg.StorageDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var arch *archive.Archiver
	if cfg.S3ArchiveBucket != "" {
		arch, err = archive.New(ctx, cfg.S3ArchiveBucket, cfg.S3ArchiveRegion, cfg.S3ArchivePrefix)
		if err != nil {
			slog.Error("failed to initialize S3 archive", "error", err)
			os.Exit(1)
		}
	}

	startTime := time.Now()

	api := http.NewServeMux()
	api.HandleFunc("/api/transfer/init", handlers.InitHandler(db, cfg))
	api.HandleFunc("/api/transfer/chunk/", handlers.ChunkHandler(db, cfg))
	api.HandleFunc("/api/transfer/finalize/", handlers.FinalizeHandler(db, cfg, arch))
	api.HandleFunc("/api/transfer/status/", handlers.StatusHandler(db))
	api.HandleFunc("/api/transfers", handlers.TransfersHandler(db))

	mux := http.NewServeMux()
	mux.Handle("/api/", handlers.AuthMiddleware(cfg)(api))
	mux.HandleFunc("/health", handlers.HealthHandler(startTime))
	mux.Handle("/metrics", promhttp.Handler())

	handler := middleware.Recovery(middleware.Logging(mux))

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: 60 * time.Second,
	}

	go handlers.RunSweeper(ctx, db, cfg)

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("shutdown signal received", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down server cleanly", "error", err)
			server.Close()
		}
		slog.Info("shutdown complete")
	}
}

// parseLogLevel converts a configuration string into a slog level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
