// Package testutil provides shared test fixtures.
package testutil

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Maahir-AI-Robo/bagferry/internal/config"
	"github.com/Maahir-AI-Robo/bagferry/internal/server/sessiondb"
	"github.com/Maahir-AI-Robo/bagferry/internal/store"
)

// SetupTaskStore creates an in-memory task store for testing.
func SetupTaskStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// SetupSessionDB creates an in-memory session database for testing.
func SetupSessionDB(t *testing.T) *sessiondb.DB {
	t.Helper()

	db, err := sessiondb.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open test session db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// SetupServerConfig returns a server configuration backed by temp dirs.
func SetupServerConfig(t *testing.T) *config.Server {
	t.Helper()

	return &config.Server{
		Port:               "8080",
		DBPath:             ":memory:",
		StorageDir:         t.TempDir(),
		SessionExpiryHours: 72,
		SweepInterval:      time.Hour,
		LogLevel:           "error",
	}
}

// SetupUploaderConfig returns an uploader configuration with short
// timings suitable for tests.
func SetupUploaderConfig(t *testing.T) *config.Uploader {
	t.Helper()

	return &config.Uploader{
		EndpointURL:      "http://localhost:0",
		DBPath:           filepath.Join(t.TempDir(), "tasks.db"),
		ChunkSize:        1024,
		Concurrency:      1,
		RetryBaseDelay:   5 * time.Millisecond,
		RetryMaxDelay:    20 * time.Millisecond,
		RetryMaxAttempts: 3,
		ProbeInterval:    50 * time.Millisecond,
		ProbeTimeout:     20 * time.Millisecond,
		RequestTimeout:   5 * time.Second,
		ControlPort:      "0",
		ShutdownGrace:    2 * time.Second,
		LogLevel:         "error",
	}
}

// WriteTestFile creates a file of the given size filled with random
// bytes and returns its path and contents.
func WriteTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("failed to generate test data: %v", err)
	}

	path := filepath.Join(t.TempDir(), "testfile.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path, data
}
