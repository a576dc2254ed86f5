package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentd/internal/domain"
	"github.com/ashureev/agentd/internal/identity"
	"github.com/ashureev/agentd/internal/protocol"
	"github.com/ashureev/agentd/internal/session"
)

// deleteLocks prevents concurrent deletion of the same session.
var deleteLocks sync.Map

// ListSessions returns the sessions of the calling device, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	if deviceID == "" {
		Error(w, http.StatusBadRequest, "device_id is required")
		return
	}

	sessions, err := h.repo.ListSessions(r.Context(), deviceID)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err, "device_id", deviceID)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns one session of the calling device.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sess)
}

// ownedSession loads a session and writes 404 unless it belongs to the
// calling device.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request, sessionID string) (*domain.Session, bool) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	sess, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to get session", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	if sess == nil || deviceID == "" || sess.DeviceID != deviceID {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// ListEvents returns the persisted events of a session after a sequence, in
// the same frame format the websocket delivers.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	if _, ok := h.ownedSession(w, r, sessionID); !ok {
		return
	}

	events, err := h.repo.ListEvents(r.Context(), sessionID, after)
	if err != nil {
		slog.Error("Failed to list events", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	frames := make([]protocol.Frame, 0, len(events))
	for _, ev := range events {
		frames = append(frames, protocol.FrameFromEvent(*ev))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session_id": sessionID, "events": frames})
}

// DeleteSession stops a session's work and removes all of its state.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	lock, _ := deleteLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Deletion already in progress", "session_id", sessionID)
		Error(w, http.StatusConflict, "deletion_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		deleteLocks.Delete(sessionID)
	}()

	deviceID := identity.DeviceIDFromContext(r.Context())
	if err := h.sessions.Delete(r.Context(), deviceID, sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("Failed to delete session", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	slog.Info("Session deleted via API", "session_id", sessionID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
