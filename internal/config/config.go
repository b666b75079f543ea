package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Uploader holds all configuration for the producer-side daemon.
type Uploader struct {
	EndpointURL      string        // Receiving server base URL
	DBPath           string        // SQLite task queue database
	ChunkSize        int64         // Bytes per chunk
	Concurrency      int           // Worker pool size
	RetryBaseDelay   time.Duration // First backoff delay for transient failures
	RetryMaxDelay    time.Duration // Backoff cap
	RetryMaxAttempts int           // Attempts before a task is marked failed
	ProbeInterval    time.Duration // Reachability probe cadence
	ProbeTimeout     time.Duration // Per-probe timeout
	RequestTimeout   time.Duration // Per protocol operation timeout
	ControlPort      string        // Local control/observer API port
	AuthToken        string        // Optional bearer token presented to the server
	ShutdownGrace    time.Duration // Time workers get to persist state on shutdown
	LogLevel         string
}

// Server holds all configuration for the receiving server.
type Server struct {
	Port               string
	DBPath             string // SQLite session database
	StorageDir         string // Root for staging chunks and completed files
	SessionExpiryHours int    // Sessions idle longer than this are swept
	SweepInterval      time.Duration
	AuthTokenHash      string // Optional bcrypt hash of the shared token
	S3ArchiveBucket    string // Optional: archive assembled files to S3
	S3ArchiveRegion    string
	S3ArchivePrefix    string
	LogLevel           string
}

// LoadUploader reads uploader configuration from environment variables
// with sensible defaults.
func LoadUploader() (*Uploader, error) {
	cfg := &Uploader{
		EndpointURL:      getEnv("ENDPOINT_URL", "http://localhost:8080"),
		DBPath:           getEnv("DB_PATH", "./bagferry.db"),
		ChunkSize:        getEnvInt64("CHUNK_SIZE", 5*1024*1024),
		Concurrency:      getEnvInt("WORKER_CONCURRENCY", 3),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 60*time.Second),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 8),
		ProbeInterval:    getEnvDuration("PROBE_INTERVAL", 15*time.Second),
		ProbeTimeout:     getEnvDuration("PROBE_TIMEOUT", 3*time.Second),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 2*time.Minute),
		ControlPort:      getEnv("CONTROL_PORT", "8090"),
		AuthToken:        getEnv("AUTH_TOKEN", ""),
		ShutdownGrace:    getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadServer reads server configuration from environment variables with
// sensible defaults.
func LoadServer() (*Server, error) {
	cfg := &Server{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "./bagferry-server.db"),
		StorageDir:         getEnv("STORAGE_DIR", "./bag_uploads"),
		SessionExpiryHours: getEnvInt("SESSION_EXPIRY_HOURS", 72),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Hour),
		AuthTokenHash:      getEnv("AUTH_TOKEN_HASH", ""),
		S3ArchiveBucket:    getEnv("S3_ARCHIVE_BUCKET", ""),
		S3ArchiveRegion:    getEnv("S3_ARCHIVE_REGION", ""),
		S3ArchivePrefix:    getEnv("S3_ARCHIVE_PREFIX", "bags/"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate ensures uploader configuration values are sensible
func (c *Uploader) validate() error {
	if c.EndpointURL == "" {
		return fmt.Errorf("ENDPOINT_URL cannot be empty")
	}
	if !strings.HasPrefix(c.EndpointURL, "http://") && !strings.HasPrefix(c.EndpointURL, "https://") {
		return fmt.Errorf("ENDPOINT_URL must be an http or https URL, got %q", c.EndpointURL)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Concurrency)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive, got %s", c.RetryBaseDelay)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) cannot be less than RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.RetryMaxAttempts)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL must be positive, got %s", c.ProbeInterval)
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout >= c.ProbeInterval {
		return fmt.Errorf("PROBE_TIMEOUT must be positive and shorter than PROBE_INTERVAL, got %s", c.ProbeTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("SHUTDOWN_GRACE must be positive, got %s", c.ShutdownGrace)
	}
	return nil
}

// validate ensures server configuration values are sensible
func (c *Server) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.StorageDir == "" {
		return fmt.Errorf("STORAGE_DIR cannot be empty")
	}
	if c.SessionExpiryHours <= 0 {
		return fmt.Errorf("SESSION_EXPIRY_HOURS must be positive, got %d", c.SessionExpiryHours)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.S3ArchiveBucket != "" && c.S3ArchiveRegion == "" {
		return fmt.Errorf("S3_ARCHIVE_REGION is required when S3_ARCHIVE_BUCKET is set")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves an int64 environment variable or returns a default value
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "30s") or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
