package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Maahir-AI-Robo/bagferry/internal/models"
	"github.com/Maahir-AI-Robo/bagferry/internal/queue"
	"github.com/Maahir-AI-Robo/bagferry/internal/store"
	"github.com/Maahir-AI-Robo/bagferry/internal/testutil"
	"github.com/Maahir-AI-Robo/bagferry/internal/transfer"
)

// fakeServer is an in-memory destination implementing the transfer
// protocol. Behavior is tweakable per test.
type fakeServer struct {
	mu         sync.Mutex
	chunks     map[int][]byte
	checksums  map[int]string
	seeded     []int // indices reported as already received at init
	finalized  int
	chunkCalls map[int]int

	// hooks
	chunkStatus    int    // when non-zero, every chunk send gets this status
	chunkCode      string // error code paired with chunkStatus
	failFirstFinal bool   // first finalize reports a missing chunk
	onChunk        func(index int)

	totalChunks int
	srv         *httptest.Server
}

func newFakeServer(t *testing.T, totalChunks int) *fakeServer {
	t.Helper()
	f := &fakeServer{
		chunks:      make(map[int][]byte),
		checksums:   make(map[int]string),
		chunkCalls:  make(map[int]int),
		totalChunks: totalChunks,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/transfer/init", f.handleInit)
	mux.HandleFunc("/api/transfer/chunk/", f.handleChunk)
	mux.HandleFunc("/api/transfer/finalize/", f.handleFinalize)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) handleInit(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	received := append([]int(nil), f.seeded...)
	for idx := range f.chunks {
		received = append(received, idx)
	}
	f.mu.Unlock()

	json.NewEncoder(w).Encode(models.InitResponse{
		SessionID:      "fake-session",
		Resumed:        len(received) > 0,
		TotalChunks:    f.totalChunks,
		ReceivedChunks: received,
	})
}

func (f *fakeServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/transfer/chunk/")
	_, idxStr, _ := strings.Cut(rest, "/")
	index, _ := strconv.Atoi(idxStr)

	f.mu.Lock()
	f.chunkCalls[index]++
	status, code := f.chunkStatus, f.chunkCode
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(models.ErrorResponse{Error: "induced failure", Code: code})
		return
	}

	r.ParseMultipartForm(1 << 20)
	checksum := r.FormValue("checksum")
	file, _, err := r.FormFile("chunk")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	data, _ := io.ReadAll(file)
	file.Close()

	f.mu.Lock()
	f.chunks[index] = data
	f.checksums[index] = checksum
	n := len(f.chunks)
	f.mu.Unlock()

	if f.onChunk != nil {
		f.onChunk(index)
	}

	json.NewEncoder(w).Encode(models.ChunkResponse{
		SessionID:      "fake-session",
		ChunkIndex:     index,
		ChunksReceived: n,
		TotalChunks:    f.totalChunks,
	})
}

func (f *fakeServer) handleFinalize(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFirstFinal {
		f.failFirstFinal = false
		// Pretend the last chunk never landed and drop it.
		victim := f.totalChunks - 1
		delete(f.chunks, victim)
		delete(f.checksums, victim)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(models.FinalizeErrorResponse{
			Error:         "1 chunks missing",
			Code:          "CHUNKS_MISSING",
			MissingChunks: []int{victim},
		})
		return
	}

	if len(f.chunks)+len(f.seeded) < f.totalChunks {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(models.FinalizeErrorResponse{
			Error: "chunks missing",
			Code:  "CHUNKS_MISSING",
		})
		return
	}

	f.finalized++
	json.NewEncoder(w).Encode(models.FinalizeResponse{Filename: "testfile.bin"})
}

func (f *fakeServer) finalizeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized
}

func (f *fakeServer) assembled() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for i := 0; i < f.totalChunks; i++ {
		out = append(out, f.chunks[i]...)
	}
	return out
}

// startPool wires a pool over an in-memory store against the fake
// server and returns the pieces a test needs.
func startPool(t *testing.T, f *fakeServer) (*store.Store, *queue.Scheduler, chan models.StatusEvent) {
	t.Helper()

	cfg := testutil.SetupUploaderConfig(t)
	cfg.EndpointURL = f.srv.URL

	st := testutil.SetupTaskStore(t)
	sched := queue.New(st, cfg.Concurrency)
	client := transfer.NewClient(f.srv.URL, "", cfg.RequestTimeout)

	events := make(chan models.StatusEvent, 128)
	pool := NewPool(cfg, st, sched, client, func(ev models.StatusEvent) {
		select {
		case events <- ev:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	return st, sched, events
}

// waitForStatus polls until the task reaches the given status.
func waitForStatus(t *testing.T, st *store.Store, taskID string, status models.TaskStatus, timeout time.Duration) *models.UploadTask {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.Get(taskID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if task != nil && task.Status == status {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	task, _ := st.Get(taskID)
	t.Fatalf("task never reached %s, last state: %+v", status, task)
	return nil
}

func TestPool_CompletesUpload(t *testing.T) {
	f := newFakeServer(t, 3)
	st, sched, _ := startPool(t, f)

	path, data := testutil.WriteTestFile(t, 2500)
	id, err := sched.Enqueue(path, "bags", 5, 1024, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	task := waitForStatus(t, st, id, models.StatusCompleted, 10*time.Second)

	if !bytes.Equal(f.assembled(), data) {
		t.Error("server did not receive the original bytes")
	}
	if task.AckedBytes != 2500 {
		t.Errorf("acked bytes = %d, want 2500", task.AckedBytes)
	}
	if task.SessionID != "fake-session" {
		t.Errorf("session id = %q", task.SessionID)
	}
	if f.finalizeCount() != 1 {
		t.Errorf("finalize count = %d, want 1", f.finalizeCount())
	}

	chunks, _ := st.Chunks(id)
	for _, c := range chunks {
		if c.State != models.ChunkAcked {
			t.Errorf("chunk %d state = %s, want acked", c.Index, c.State)
		}
	}
}

func TestPool_SkipsChunksServerAlreadyHolds(t *testing.T) {
	f := newFakeServer(t, 3)
	f.seeded = []int{0, 1}
	st, sched, _ := startPool(t, f)

	path, _ := testutil.WriteTestFile(t, 2500)
	id, err := sched.Enqueue(path, "", 5, 1024, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForStatus(t, st, id, models.StatusCompleted, 10*time.Second)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunkCalls[0] != 0 || f.chunkCalls[1] != 0 {
		t.Errorf("chunks the server already held were re-sent: %v", f.chunkCalls)
	}
	if f.chunkCalls[2] != 1 {
		t.Errorf("remaining chunk sent %d times, want 1", f.chunkCalls[2])
	}
}

func TestPool_TransientFailuresExhaustRetries(t *testing.T) {
	f := newFakeServer(t, 1)
	f.chunkStatus = http.StatusServiceUnavailable
	st, sched, _ := startPool(t, f)

	path, _ := testutil.WriteTestFile(t, 500)
	id, err := sched.Enqueue(path, "", 5, 1024, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	task := waitForStatus(t, st, id, models.StatusFailed, 10*time.Second)

	if !strings.Contains(task.LastError, "retry attempts exhausted") {
		t.Errorf("last error = %q", task.LastError)
	}
	if task.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", task.RetryCount)
	}
	if f.finalizeCount() != 0 {
		t.Error("finalize should never run for a failed task")
	}
}

func TestPool_FatalErrorFailsWithoutRetry(t *testing.T) {
	f := newFakeServer(t, 1)
	f.chunkStatus = http.StatusUnprocessableEntity
	f.chunkCode = "INVALID_CHUNK"
	st, sched, _ := startPool(t, f)

	path, _ := testutil.WriteTestFile(t, 500)
	id, err := sched.Enqueue(path, "", 5, 1024, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForStatus(t, st, id, models.StatusFailed, 10*time.Second)

	f.mu.Lock()
	calls := f.chunkCalls[0]
	f.mu.Unlock()
	if calls != 1 {
		t.Errorf("chunk sent %d times, want 1 (no retry on policy rejection)", calls)
	}
}

func TestPool_FinalizeVerifyResendsNamedChunks(t *testing.T) {
	f := newFakeServer(t, 3)
	f.failFirstFinal = true
	st, sched, _ := startPool(t, f)

	path, data := testutil.WriteTestFile(t, 3000)
	id, err := sched.Enqueue(path, "", 5, 1024, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForStatus(t, st, id, models.StatusCompleted, 10*time.Second)

	f.mu.Lock()
	if f.chunkCalls[2] != 2 {
		t.Errorf("named chunk sent %d times, want 2", f.chunkCalls[2])
	}
	if f.chunkCalls[0] != 1 || f.chunkCalls[1] != 1 {
		t.Errorf("unnamed chunks re-sent: %v", f.chunkCalls)
	}
	f.mu.Unlock()
	if !bytes.Equal(f.assembled(), data) {
		t.Error("server did not end with the original bytes")
	}
}

func TestPool_CancelStopsAtChunkBoundary(t *testing.T) {
	f := newFakeServer(t, 5)
	st, sched, _ := startPool(t, f)

	path, _ := testutil.WriteTestFile(t, 5000)

	var once sync.Once
	taskID := make(chan string, 1)
	cancelled := make(chan struct{})
	f.onChunk = func(index int) {
		once.Do(func() {
			sched.Cancel(<-taskID)
			close(cancelled)
		})
	}

	id, err := sched.Enqueue(path, "", 5, 1024, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	taskID <- id

	<-cancelled
	task := waitForStatus(t, st, id, models.StatusCancelled, 10*time.Second)

	if f.finalizeCount() != 0 {
		t.Error("cancelled task must not finalize")
	}
	f.mu.Lock()
	received := len(f.chunks)
	f.mu.Unlock()
	if received >= 5 {
		t.Error("all chunks sent despite cancellation")
	}
	if task.CompletedAt == nil {
		t.Error("terminal task should have completed_at set")
	}
}

func TestPool_LocalReadFailureIsFatal(t *testing.T) {
	f := newFakeServer(t, 1)
	st := testutil.SetupTaskStore(t)

	cfg := testutil.SetupUploaderConfig(t)
	cfg.EndpointURL = f.srv.URL
	sched := queue.New(st, 1)
	client := transfer.NewClient(f.srv.URL, "", cfg.RequestTimeout)
	pool := NewPool(cfg, st, sched, client, nil)

	// Enqueue while the file exists, then delete it before workers start.
	path, _ := testutil.WriteTestFile(t, 500)
	id, err := sched.Enqueue(path, "", 5, 1024, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	task := waitForStatus(t, st, id, models.StatusFailed, 10*time.Second)
	if !strings.Contains(task.LastError, "checksum source file") {
		t.Errorf("last error = %q", task.LastError)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{20, time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(base, max, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
