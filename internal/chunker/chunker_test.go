package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestManifest_ExactDivision(t *testing.T) {
	chunks := Manifest(10*1024*1024, 5*1024*1024)

	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d index = %d", i, c.Index)
		}
		if c.Length != 5*1024*1024 {
			t.Errorf("chunk %d length = %d, want %d", i, c.Length, 5*1024*1024)
		}
	}
}

func TestManifest_Remainder(t *testing.T) {
	chunks := Manifest(12*1024*1024, 5*1024*1024)

	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3", len(chunks))
	}
	if chunks[0].Length != 5*1024*1024 || chunks[1].Length != 5*1024*1024 {
		t.Errorf("full chunks have lengths %d, %d", chunks[0].Length, chunks[1].Length)
	}
	if chunks[2].Length != 2*1024*1024 {
		t.Errorf("last chunk length = %d, want %d", chunks[2].Length, 2*1024*1024)
	}
	if chunks[2].Offset != 10*1024*1024 {
		t.Errorf("last chunk offset = %d, want %d", chunks[2].Offset, 10*1024*1024)
	}
}

func TestManifest_SmallFile(t *testing.T) {
	chunks := Manifest(100, 1024)

	if len(chunks) != 1 {
		t.Fatalf("chunk count = %d, want 1", len(chunks))
	}
	if chunks[0].Length != 100 {
		t.Errorf("chunk length = %d, want 100", chunks[0].Length)
	}
}

func TestManifest_EmptyFile(t *testing.T) {
	if chunks := Manifest(0, 1024); len(chunks) != 0 {
		t.Errorf("chunk count = %d, want 0", len(chunks))
	}
}

func TestManifest_Deterministic(t *testing.T) {
	a := Manifest(7*1024+13, 1024)
	b := Manifest(7*1024+13, 1024)

	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestCountChunks(t *testing.T) {
	tests := []struct {
		totalSize int64
		chunkSize int64
		want      int
	}{
		{0, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{12 * 1024 * 1024, 5 * 1024 * 1024, 3},
	}

	for _, tt := range tests {
		if got := CountChunks(tt.totalSize, tt.chunkSize); got != tt.want {
			t.Errorf("CountChunks(%d, %d) = %d, want %d", tt.totalSize, tt.chunkSize, got, tt.want)
		}
	}
}

func TestReadChunk(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 512) // 4096 bytes
	path := writeFile(t, data)

	chunks := Manifest(int64(len(data)), 1000)
	if len(chunks) != 5 {
		t.Fatalf("chunk count = %d, want 5", len(chunks))
	}

	var reassembled []byte
	for _, c := range chunks {
		part, err := ReadChunk(path, c)
		if err != nil {
			t.Fatalf("ReadChunk(%d) failed: %v", c.Index, err)
		}
		if int64(len(part)) != c.Length {
			t.Errorf("chunk %d read %d bytes, want %d", c.Index, len(part), c.Length)
		}
		reassembled = append(reassembled, part...)
	}

	if !bytes.Equal(reassembled, data) {
		t.Error("reassembled chunks do not match original data")
	}
}

func TestChecksumChunk_MatchesDirectHash(t *testing.T) {
	data := []byte("some file content that spans two chunks exactly!")
	path := writeFile(t, data)

	chunks := Manifest(int64(len(data)), 24)
	for _, c := range chunks {
		got, err := ChecksumChunk(path, c)
		if err != nil {
			t.Fatalf("ChecksumChunk(%d) failed: %v", c.Index, err)
		}
		sum := sha256.Sum256(data[c.Offset : c.Offset+c.Length])
		if want := hex.EncodeToString(sum[:]); got != want {
			t.Errorf("chunk %d checksum = %s, want %s", c.Index, got, want)
		}
	}
}

func TestChecksumFile(t *testing.T) {
	data := []byte("whole file checksum input")
	path := writeFile(t, data)

	got, err := ChecksumFile(path)
	if err != nil {
		t.Fatalf("ChecksumFile failed: %v", err)
	}
	if want := ChecksumBytes(data); got != want {
		t.Errorf("ChecksumFile = %s, want %s", got, want)
	}
}

func TestChecksumFile_Missing(t *testing.T) {
	if _, err := ChecksumFile(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("expected error for missing file")
	}
}
