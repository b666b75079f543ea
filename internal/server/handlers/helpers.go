package handlers

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/Maahir-AI-Robo/bagferry/internal/models"
)

// sendJSON writes a JSON response body.
func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, message, code string, status int) {
	sendJSON(w, status, models.ErrorResponse{Error: message, Code: code})
}

// safeFilename reduces a client-supplied filename to a bare, safe name.
// Returns "" when nothing usable remains.
func safeFilename(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == ".." || name == "/" || name == "" {
		return ""
	}
	// Staging and sidecar files share the storage tree; never let an
	// upload claim a dotfile name that could collide with them.
	if strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}

// safeDestination validates a client-supplied destination subdirectory
// relative to the storage root. Empty means the root itself.
func safeDestination(dest string) (string, bool) {
	if dest == "" {
		return "", true
	}
	cleaned := filepath.Clean(dest)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	if cleaned == "." {
		return "", true
	}
	// No component may be a dotfile; .staging lives under the same root.
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return cleaned, true
}
