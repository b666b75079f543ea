package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Maahir-AI-Robo/bagferry/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret-token", 5*time.Second)
}

func TestInitSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transfer/init" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("authorization = %q", got)
		}

		var req models.InitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.TaskID != "task-1" || req.TotalSize != 3000 {
			t.Errorf("request = %+v", req)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.InitResponse{
			SessionID:   "sess-1",
			TotalChunks: 3,
		})
	})

	resp, err := client.InitSession(context.Background(), &models.InitRequest{
		TaskID:    "task-1",
		Filename:  "data.bag",
		TotalSize: 3000,
		ChunkSize: 1000,
	})
	if err != nil {
		t.Fatalf("InitSession failed: %v", err)
	}
	if resp.SessionID != "sess-1" || resp.TotalChunks != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestInitSession_Resumed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.InitResponse{
			SessionID:      "sess-1",
			Resumed:        true,
			TotalChunks:    4,
			ReceivedChunks: []int{0, 2},
			AckedBytes:     2000,
		})
	})

	resp, err := client.InitSession(context.Background(), &models.InitRequest{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("InitSession failed: %v", err)
	}
	if !resp.Resumed {
		t.Error("resumed should be true")
	}
	if len(resp.ReceivedChunks) != 2 {
		t.Errorf("received chunks = %v", resp.ReceivedChunks)
	}
}

func TestSendChunk_MultipartEncoding(t *testing.T) {
	payload := []byte("chunk payload bytes")

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transfer/chunk/sess-1/2" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("failed to parse multipart form: %v", err)
		}
		if got := r.FormValue("checksum"); got != "abc123" {
			t.Errorf("checksum field = %q", got)
		}
		file, _, err := r.FormFile("chunk")
		if err != nil {
			t.Fatalf("missing chunk part: %v", err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != string(payload) {
			t.Errorf("chunk data = %q", data)
		}

		json.NewEncoder(w).Encode(models.ChunkResponse{
			SessionID:      "sess-1",
			ChunkIndex:     2,
			ChunksReceived: 3,
			TotalChunks:    4,
		})
	})

	resp, err := client.SendChunk(context.Background(), "sess-1", 2, "abc123", payload)
	if err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if resp.ChunkIndex != 2 || resp.ChunksReceived != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestSendChunk_SessionNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(models.ErrorResponse{Error: "Session not found", Code: "SESSION_NOT_FOUND"})
	})

	_, err := client.SendChunk(context.Background(), "gone", 0, "x", []byte("data"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSendChunk_Conflict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(models.ErrorResponse{Error: "Chunk already stored with different checksum", Code: "CHUNK_CONFLICT"})
	})

	_, err := client.SendChunk(context.Background(), "sess-1", 0, "x", []byte("data"))
	if !errors.Is(err, ErrChunkConflict) {
		t.Errorf("err = %v, want ErrChunkConflict", err)
	}
}

func TestFinalize_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transfer/finalize/sess-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req models.FinalizeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Checksum != "filesum" {
			t.Errorf("checksum = %q", req.Checksum)
		}
		json.NewEncoder(w).Encode(models.FinalizeResponse{
			Filename: "data.bag",
			Checksum: "filesum",
		})
	})

	resp, err := client.Finalize(context.Background(), "sess-1", "filesum")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if resp.Filename != "data.bag" {
		t.Errorf("response = %+v", resp)
	}
}

func TestFinalize_MissingChunks(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(models.FinalizeErrorResponse{
			Error:         "2 chunks missing",
			Code:          "CHUNKS_MISSING",
			MissingChunks: []int{1, 3},
		})
	})

	_, err := client.Finalize(context.Background(), "sess-1", "filesum")
	var verifyErr *VerifyError
	if !errors.As(err, &verifyErr) {
		t.Fatalf("err = %v, want *VerifyError", err)
	}
	if len(verifyErr.MissingChunks) != 2 || verifyErr.MissingChunks[0] != 1 {
		t.Errorf("missing chunks = %v", verifyErr.MissingChunks)
	}
}

func TestStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transfer/status/sess-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(models.SessionStatusResponse{
			SessionID:   "sess-1",
			TotalChunks: 5,
			AckedBytes:  4096,
		})
	})

	resp, err := client.Status(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if resp.AckedBytes != 4096 {
		t.Errorf("acked bytes = %d", resp.AckedBytes)
	}
}

func TestHealth(t *testing.T) {
	healthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := healthy.Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}

	unhealthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if err := unhealthy.Health(context.Background()); err == nil {
		t.Error("expected error for unhealthy server")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server busy", ErrServerBusy, true},
		{"deadline", context.DeadlineExceeded, true},
		{"api 500", &APIError{StatusCode: 500}, true},
		{"api 503", &APIError{StatusCode: 503}, true},
		{"api 429", &APIError{StatusCode: 429}, true},
		{"api 404", &APIError{StatusCode: 404}, false},
		{"api 422", &APIError{StatusCode: 422}, false},
		{"transit corruption", &APIError{StatusCode: 400, Code: "CHUNK_CHECKSUM_MISMATCH"}, true},
		{"rejected", ErrRejected, false},
		{"conflict", ErrChunkConflict, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClient_ConnectionRefusedIsTransient(t *testing.T) {
	// Port 1 is essentially never listening.
	client := NewClient("http://127.0.0.1:1", "", time.Second)

	err := client.Health(context.Background())
	if err == nil {
		t.Skip("unexpectedly connected")
	}
	if !IsTransient(err) {
		t.Errorf("connection refused should be transient, got %v", err)
	}
}
