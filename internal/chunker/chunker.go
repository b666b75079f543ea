// Package chunker splits files into fixed-size chunks with per-chunk
// checksums. The split is a pure function of (size, chunkSize), so the
// same file always yields the same manifest and any chunk can be
// re-sent without session state.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/Maahir-AI-Robo/bagferry/internal/models"
)

// Manifest returns the ordered chunk descriptors covering totalSize
// exactly once. The last chunk carries the remainder and may be shorter
// than chunkSize.
func Manifest(totalSize, chunkSize int64) []models.Chunk {
	if totalSize <= 0 || chunkSize <= 0 {
		return nil
	}

	n := int(totalSize / chunkSize)
	if totalSize%chunkSize != 0 {
		n++
	}

	chunks := make([]models.Chunk, n)
	for i := 0; i < n; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > totalSize {
			length = totalSize - offset
		}
		chunks[i] = models.Chunk{
			Index:  i,
			Offset: offset,
			Length: length,
			State:  models.ChunkPending,
		}
	}

	return chunks
}

// CountChunks returns the number of chunks Manifest would produce.
func CountChunks(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	n := int(totalSize / chunkSize)
	if totalSize%chunkSize != 0 {
		n++
	}
	return n
}

// ReadChunk reads the chunk's byte range from the file. The bytes are
// re-read on every call; if the file changed after enqueue the checksum
// verification downstream fails the task rather than corrupting it.
func ReadChunk(path string, c models.Chunk) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, c.Length)
	if _, err := f.ReadAt(buf, c.Offset); err != nil {
		return nil, fmt.Errorf("failed to read chunk %d at offset %d: %w", c.Index, c.Offset, err)
	}

	return buf, nil
}

// ChecksumChunk computes the SHA-256 of the chunk's byte range,
// re-reading from disk so the result always reflects current content.
func ChecksumChunk(path string, c models.Chunk) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, c.Offset, c.Length)); err != nil {
		return "", fmt.Errorf("failed to checksum chunk %d: %w", c.Index, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes computes the SHA-256 of an in-memory chunk payload.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumFile computes the whole-file SHA-256 used at finalize.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to checksum file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
