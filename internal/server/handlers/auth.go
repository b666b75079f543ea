package handlers

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/Maahir-AI-Robo/bagferry/internal/config"
)

// AuthMiddleware enforces the shared bearer token when one is
// configured. The server stores only the bcrypt hash of the token.
func AuthMiddleware(cfg *config.Server) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.AuthTokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				sendError(w, "Authorization required", "UNAUTHORIZED", http.StatusUnauthorized)
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(cfg.AuthTokenHash), []byte(token)); err != nil {
				sendError(w, "Invalid token", "FORBIDDEN", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
