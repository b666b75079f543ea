package config

import (
	"strings"
	"testing"
	"time"
)

// clearUploaderEnv blanks every variable LoadUploader reads so defaults
// apply regardless of the host environment.
func clearUploaderEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ENDPOINT_URL", "DB_PATH", "CHUNK_SIZE", "WORKER_CONCURRENCY",
		"RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "RETRY_MAX_ATTEMPTS",
		"PROBE_INTERVAL", "PROBE_TIMEOUT", "REQUEST_TIMEOUT",
		"CONTROL_PORT", "AUTH_TOKEN", "SHUTDOWN_GRACE", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func clearServerEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "DB_PATH", "STORAGE_DIR", "SESSION_EXPIRY_HOURS",
		"SWEEP_INTERVAL", "AUTH_TOKEN_HASH", "S3_ARCHIVE_BUCKET",
		"S3_ARCHIVE_REGION", "S3_ARCHIVE_PREFIX", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadUploader_Defaults(t *testing.T) {
	clearUploaderEnv(t)

	cfg, err := LoadUploader()
	if err != nil {
		t.Fatalf("LoadUploader failed: %v", err)
	}

	if cfg.EndpointURL != "http://localhost:8080" {
		t.Errorf("endpoint = %s", cfg.EndpointURL)
	}
	if cfg.ChunkSize != 5*1024*1024 {
		t.Errorf("chunk size = %d", cfg.ChunkSize)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("concurrency = %d", cfg.Concurrency)
	}
	if cfg.RetryMaxAttempts != 8 {
		t.Errorf("retry attempts = %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelay != time.Second || cfg.RetryMaxDelay != 60*time.Second {
		t.Errorf("backoff = %s/%s", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
}

func TestLoadUploader_EnvOverrides(t *testing.T) {
	clearUploaderEnv(t)
	t.Setenv("ENDPOINT_URL", "https://bags.example.com")
	t.Setenv("CHUNK_SIZE", "1048576")
	t.Setenv("WORKER_CONCURRENCY", "7")
	t.Setenv("RETRY_BASE_DELAY", "500ms")

	cfg, err := LoadUploader()
	if err != nil {
		t.Fatalf("LoadUploader failed: %v", err)
	}
	if cfg.EndpointURL != "https://bags.example.com" {
		t.Errorf("endpoint = %s", cfg.EndpointURL)
	}
	if cfg.ChunkSize != 1048576 {
		t.Errorf("chunk size = %d", cfg.ChunkSize)
	}
	if cfg.Concurrency != 7 {
		t.Errorf("concurrency = %d", cfg.Concurrency)
	}
	if cfg.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("base delay = %s", cfg.RetryBaseDelay)
	}
}

func TestLoadUploader_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantMsg string
	}{
		{"bad scheme", "ENDPOINT_URL", "ftp://example.com", "ENDPOINT_URL"},
		{"negative chunk size", "CHUNK_SIZE", "-1", "CHUNK_SIZE"},
		{"zero concurrency", "WORKER_CONCURRENCY", "0", "WORKER_CONCURRENCY"},
		{"zero attempts", "RETRY_MAX_ATTEMPTS", "0", "RETRY_MAX_ATTEMPTS"},
		{"probe timeout exceeds interval", "PROBE_TIMEOUT", "30s", "PROBE_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearUploaderEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadUploader()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadUploader_MaxDelayBelowBase(t *testing.T) {
	clearUploaderEnv(t)
	t.Setenv("RETRY_BASE_DELAY", "10s")
	t.Setenv("RETRY_MAX_DELAY", "1s")

	if _, err := LoadUploader(); err == nil {
		t.Fatal("expected validation error for max delay below base delay")
	}
}

func TestLoadServer_Defaults(t *testing.T) {
	clearServerEnv(t)

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %s", cfg.Port)
	}
	if cfg.SessionExpiryHours != 72 {
		t.Errorf("expiry hours = %d", cfg.SessionExpiryHours)
	}
	if cfg.SweepInterval != time.Hour {
		t.Errorf("sweep interval = %s", cfg.SweepInterval)
	}
	if cfg.S3ArchiveBucket != "" {
		t.Errorf("archive bucket = %q, want disabled by default", cfg.S3ArchiveBucket)
	}
}

func TestLoadServer_ArchiveRequiresRegion(t *testing.T) {
	clearServerEnv(t)
	t.Setenv("S3_ARCHIVE_BUCKET", "field-archive")

	if _, err := LoadServer(); err == nil {
		t.Fatal("expected validation error when bucket is set without region")
	}

	t.Setenv("S3_ARCHIVE_REGION", "eu-central-1")
	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer failed: %v", err)
	}
	if cfg.S3ArchiveRegion != "eu-central-1" {
		t.Errorf("region = %s", cfg.S3ArchiveRegion)
	}
}

func TestLoadServer_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero expiry", "SESSION_EXPIRY_HOURS", "0"},
		{"negative expiry", "SESSION_EXPIRY_HOURS", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearServerEnv(t)
			t.Setenv(tt.key, tt.value)

			if _, err := LoadServer(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
