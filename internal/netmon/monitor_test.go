package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Maahir-AI-Robo/bagferry/internal/transfer"
)

// recordingGate captures every SetOnline call.
type recordingGate struct {
	mu    sync.Mutex
	calls []bool
}

func (g *recordingGate) SetOnline(online bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, online)
}

func (g *recordingGate) snapshot() []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bool(nil), g.calls...)
}

// flippableHealth serves /health with a switchable status code.
type flippableHealth struct {
	mu     sync.Mutex
	status int
}

func (h *flippableHealth) set(status int) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

func (h *flippableHealth) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()
	w.WriteHeader(status)
}

func startMonitor(t *testing.T, url string, gate Gate) *Monitor {
	t.Helper()
	client := transfer.NewClient(url, "", time.Second)
	m := New(client, gate, 25*time.Millisecond, 20*time.Millisecond)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func waitOnline(t *testing.T, m *Monitor, want bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Online() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("monitor never reported online=%v", want)
}

func TestMonitor_DetectsReachableDestination(t *testing.T) {
	health := &flippableHealth{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.Handle("/health", health)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gate := &recordingGate{}
	m := startMonitor(t, srv.URL, gate)

	waitOnline(t, m, true)

	calls := gate.snapshot()
	// Start forces the gate closed, then the first probe opens it.
	if len(calls) < 2 || calls[0] != false || calls[len(calls)-1] != true {
		t.Errorf("gate calls = %v, want initial false then true", calls)
	}
}

func TestMonitor_StartsPessimistic(t *testing.T) {
	// No server at all: probes fail, gate stays closed.
	gate := &recordingGate{}
	m := startMonitor(t, "http://127.0.0.1:1", gate)

	time.Sleep(100 * time.Millisecond)

	if m.Online() {
		t.Error("monitor reported online with no destination")
	}
	for _, c := range gate.snapshot() {
		if c {
			t.Fatal("gate opened despite unreachable destination")
		}
	}
}

func TestMonitor_TracksTransitions(t *testing.T) {
	health := &flippableHealth{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.Handle("/health", health)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gate := &recordingGate{}
	m := startMonitor(t, srv.URL, gate)

	waitOnline(t, m, true)

	health.set(http.StatusServiceUnavailable)
	waitOnline(t, m, false)

	health.set(http.StatusOK)
	waitOnline(t, m, true)
}

func TestMonitor_GateOnlyCalledOnChange(t *testing.T) {
	health := &flippableHealth{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.Handle("/health", health)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gate := &recordingGate{}
	m := startMonitor(t, srv.URL, gate)

	waitOnline(t, m, true)
	before := len(gate.snapshot())

	// Several healthy probes later the gate must not have been touched.
	time.Sleep(150 * time.Millisecond)
	after := len(gate.snapshot())
	if after != before {
		t.Errorf("gate called %d extra times on steady state", after-before)
	}
}

func TestMonitor_StopHaltsProbing(t *testing.T) {
	health := &flippableHealth{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.Handle("/health", health)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gate := &recordingGate{}
	client := transfer.NewClient(srv.URL, "", time.Second)
	m := New(client, gate, 25*time.Millisecond, 20*time.Millisecond)
	m.Start(context.Background())
	waitOnline(t, m, true)

	m.Stop()
	before := len(gate.snapshot())
	health.set(http.StatusServiceUnavailable)
	time.Sleep(100 * time.Millisecond)

	if got := len(gate.snapshot()); got != before {
		t.Error("gate driven after Stop")
	}
}
