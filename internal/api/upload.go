package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentd/internal/workspace"
)

const multipartOverhead = 1 << 20

// Upload stores a multipart file (fields session_id and file) in the
// session's workspace and returns its workspace-relative path.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	sess, ok := h.ownedSession(w, r, sessionID)
	if !ok {
		return
	}
	if sess.IsClosed() {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	rel, err := h.uploads.SaveUpload(sessionID, header.Filename, file, h.maxUploadBytes)
	if err != nil {
		if errors.Is(err, workspace.ErrTooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		slog.Error("Failed to save upload", "error", err, "session_id", sessionID, "filename", header.Filename)
		Error(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"path": rel})
}
