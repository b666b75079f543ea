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

	"github.com/Maahir-AI-Robo/bagferry/internal/config"
	"github.com/Maahir-AI-Robo/bagferry/internal/control"
	"github.com/Maahir-AI-Robo/bagferry/internal/manager"
	"github.com/Maahir-AI-Robo/bagferry/internal/middleware"
)

func main() {
	cfg, err := config.LoadUploader()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("starting bagferry uploader",
		"endpoint", cfg.EndpointURL,
		"db_path", cfg.DBPath,
		"chunk_size", cfg.ChunkSize,
		"concurrency", cfg.Concurrency,
		"control_port", cfg.ControlPort,
	)

	mgr, err := manager.New(cfg)
	if err != nil {
		slog.Error("failed to initialize upload manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	handler := middleware.Recovery(
		middleware.Logging(
			control.NewServer(mgr).Routes(),
		),
	)

	server := &http.Server{
		Addr:        "127.0.0.1:" + cfg.ControlPort,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("control api listening", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("control api error", "error", err)
		mgr.Stop()
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("shutdown signal received", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down control api cleanly", "error", err)
			server.Close()
		}

		cancel()
		mgr.Stop()
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
