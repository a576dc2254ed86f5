// Package api provides the REST handlers of the agent session server.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentd/internal/store"
)

// SessionDeleter performs administrative session deletion.
type SessionDeleter interface {
	Delete(ctx context.Context, deviceID, sessionID string) error
}

// UploadStore writes uploaded files into session workspaces.
type UploadStore interface {
	SaveUpload(sessionID, filename string, r io.Reader, maxBytes int64) (string, error)
}

// Handler provides the session, event and upload endpoints.
type Handler struct {
	repo           store.Repository
	sessions       SessionDeleter
	uploads        UploadStore
	maxUploadBytes int64
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions SessionDeleter, uploads UploadStore, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 << 20
	}
	return &Handler{
		repo:           repo,
		sessions:       sessions,
		uploads:        uploads,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Get("/sessions/{sessionID}/events", h.ListEvents)
		r.Delete("/sessions/{sessionID}", h.DeleteSession)
		r.Post("/upload", h.Upload)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
