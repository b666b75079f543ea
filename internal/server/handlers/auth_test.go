package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/Maahir-AI-Robo/bagferry/internal/config"
)

func authProbe(t *testing.T, cfg *config.Server, header string) int {
	t.Helper()

	handler := AuthMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/transfer/init", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthMiddleware_NoHashConfigured(t *testing.T) {
	cfg := &config.Server{}
	if got := authProbe(t, cfg, ""); got != http.StatusOK {
		t.Errorf("status = %d, want passthrough when auth is disabled", got)
	}
}

func TestAuthMiddleware_TokenEnforcement(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash token: %v", err)
	}
	cfg := &config.Server{AuthTokenHash: string(hash)}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-token", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"wrong token", "Bearer not-it", http.StatusForbidden},
		{"valid token", "Bearer secret-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := authProbe(t, cfg, tt.header); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"nested/path/report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"..", ""},
		{".", ""},
		{"", ""},
		{".hidden", ""},
	}
	for _, tt := range tests {
		if got := safeFilename(tt.in); got != tt.want {
			t.Errorf("safeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSafeDestination(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"", "", true},
		{".", "", true},
		{"archives", "archives", true},
		{"archives/2026", "archives/2026", true},
		{"/etc", "", false},
		{"..", "", false},
		{"../up", "", false},
		{"a/../../up", "", false},
		{".hidden/dir", "", false},
	}
	for _, tt := range tests {
		got, ok := safeDestination(tt.in)
		if ok != tt.wantOK {
			t.Errorf("safeDestination(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("safeDestination(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
