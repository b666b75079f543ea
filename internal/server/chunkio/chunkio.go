// Package chunkio manages on-disk chunk staging and final assembly for
// the receiving server. Chunks live under <storage>/.staging/<session>/
// until finalize publishes the assembled file with a rename.
package chunkio

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// assembleBufferSize is the buffered writer size for assembly. Large
// enough to keep syscall overhead low on multi-gigabyte files.
const assembleBufferSize = 8 * 1024 * 1024

// StagingDir returns the root staging directory under storageDir.
func StagingDir(storageDir string) string {
	return filepath.Join(storageDir, ".staging")
}

// SessionDir returns the staging directory for one session's chunks.
func SessionDir(storageDir, sessionID string) string {
	return filepath.Join(StagingDir(storageDir), sessionID)
}

// ChunkPath returns the file path for a staged chunk.
func ChunkPath(storageDir, sessionID string, index int) string {
	return filepath.Join(SessionDir(storageDir, sessionID), fmt.Sprintf("chunk_%d", index))
}

// SaveChunk writes chunk data to the session's staging directory.
func SaveChunk(storageDir, sessionID string, index int, data []byte) error {
	dir := SessionDir(storageDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	path := ChunkPath(storageDir, sessionID, index)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write chunk data: %w", err)
	}

	// No fsync here. A chunk lost in a crash is re-sent on resume.

	slog.Debug("chunk staged",
		"session_id", sessionID,
		"chunk_index", index,
		"size", len(data),
	)
	return nil
}

// ChunkExists reports whether a staged chunk is present and its size.
func ChunkExists(storageDir, sessionID string, index int) (bool, int64, error) {
	info, err := os.Stat(ChunkPath(storageDir, sessionID, index))
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to stat chunk file: %w", err)
	}
	return true, info.Size(), nil
}

// ChunkChecksum computes the SHA-256 of a staged chunk.
func ChunkChecksum(storageDir, sessionID string, index int) (string, error) {
	file, err := os.Open(ChunkPath(storageDir, sessionID, index))
	if err != nil {
		return "", fmt.Errorf("failed to open chunk file: %w", err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("failed to hash chunk file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MissingChunks returns the sorted indices absent from staging.
func MissingChunks(storageDir, sessionID string, totalChunks int) ([]int, error) {
	var missing []int
	for i := 0; i < totalChunks; i++ {
		exists, _, err := ChunkExists(storageDir, sessionID, i)
		if err != nil {
			return nil, fmt.Errorf("failed to check chunk %d: %w", i, err)
		}
		if !exists {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// ErrChecksumMismatch is returned by Assemble when the assembled bytes
// do not hash to the expected whole-file checksum. Nothing is published.
var ErrChecksumMismatch = errors.New("assembled file checksum mismatch")

// Assemble concatenates all staged chunks, in index order, into a
// temporary file next to outputPath and hashes the stream as it goes.
// The temp file is renamed onto outputPath only after the hash matches
// expectedChecksum (when non-empty), so readers never observe a partial
// or corrupt file. Returns bytes written and the whole-file SHA-256.
func Assemble(storageDir, sessionID string, totalChunks int, expectedChecksum, outputPath string) (int64, string, error) {
	start := time.Now()

	missing, err := MissingChunks(storageDir, sessionID, totalChunks)
	if err != nil {
		return 0, "", fmt.Errorf("failed to check for missing chunks: %w", err)
	}
	if len(missing) > 0 {
		return 0, "", fmt.Errorf("cannot assemble: %d chunks missing (first missing: %d)", len(missing), missing[0])
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 0, "", fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := outputPath + ".assembling"
	outFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		outFile.Close()
		os.Remove(tmpPath)
	}()

	hash := sha256.New()
	writer := bufio.NewWriterSize(io.MultiWriter(outFile, hash), assembleBufferSize)

	var written int64
	for i := 0; i < totalChunks; i++ {
		chunkFile, err := os.Open(ChunkPath(storageDir, sessionID, i))
		if err != nil {
			return 0, "", fmt.Errorf("failed to open chunk %d: %w", i, err)
		}
		n, err := io.Copy(writer, chunkFile)
		chunkFile.Close()
		if err != nil {
			return 0, "", fmt.Errorf("failed to copy chunk %d: %w", i, err)
		}
		written += n
	}

	if err := writer.Flush(); err != nil {
		return 0, "", fmt.Errorf("failed to flush output file: %w", err)
	}
	if err := outFile.Sync(); err != nil {
		return 0, "", fmt.Errorf("failed to sync output file: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to close output file: %w", err)
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if expectedChecksum != "" && checksum != expectedChecksum {
		return written, checksum, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expectedChecksum, checksum)
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		return 0, "", fmt.Errorf("failed to publish output file: %w", err)
	}

	slog.Info("assembly complete",
		"session_id", sessionID,
		"total_chunks", totalChunks,
		"total_bytes", written,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return written, checksum, nil
}

// DeleteChunks removes a session's staging directory.
func DeleteChunks(storageDir, sessionID string) error {
	dir := SessionDir(storageDir, sessionID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete staging directory: %w", err)
	}
	slog.Debug("staging deleted", "session_id", sessionID, "path", dir)
	return nil
}

// Sidecar is the metadata written next to each published file.
type Sidecar struct {
	Filename   string            `json:"filename"`
	Size       int64             `json:"size"`
	Checksum   string            `json:"checksum"`
	MimeType   string            `json:"mime_type,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	UploadedAt time.Time         `json:"uploaded_at"`
}

// WriteSidecar writes <outputPath>.metadata.json describing the file.
func WriteSidecar(outputPath string, sc Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sidecar: %w", err)
	}
	if err := os.WriteFile(outputPath+".metadata.json", data, 0o644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}
