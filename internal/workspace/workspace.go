// Package workspace manages the per-session filesystem sandbox.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrFileNotFound is returned when a referenced file does not exist inside the workspace.
	ErrFileNotFound = errors.New("file not found")
	// ErrEditorDisabled is returned when no editor launcher is configured.
	ErrEditorDisabled = errors.New("editor disabled")
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("upload too large")
)

// EditorLauncher starts the embedded code editor for a workspace.
type EditorLauncher interface {
	EnsureEditor(ctx context.Context, sessionID, workspaceDir string) (string, error)
	StopEditor(ctx context.Context, containerID string) error
}

// Editor identifies a running editor.
type Editor struct {
	ContainerID string
	URL         string
}

// Manager allocates workspaces under a root directory.
type Manager struct {
	root        string
	editors     EditorLauncher
	urlTemplate string
	nameFunc    func(sessionID string) string
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithEditor enables editor launching. The URL is built by formatting
// urlTemplate with the host name returned by nameFunc.
func WithEditor(l EditorLauncher, urlTemplate string, nameFunc func(string) string) Option {
	return func(m *Manager) {
		m.editors = l
		m.urlTemplate = urlTemplate
		m.nameFunc = nameFunc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates the root directory and returns a Manager.
func NewManager(root string, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	m := &Manager{root: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Dir returns the workspace directory of a session.
func (m *Manager) Dir(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

// Allocate creates the workspace directory of a session and returns its path.
func (m *Manager) Allocate(sessionID string) (string, error) {
	if err := validSessionID(sessionID); err != nil {
		return "", err
	}
	dir := m.Dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("allocate workspace %s: %w", sessionID, err)
	}
	return dir, nil
}

// Exists reports whether the workspace directory of a session is present.
func (m *Manager) Exists(sessionID string) bool {
	info, err := os.Stat(m.Dir(sessionID))
	return err == nil && info.IsDir()
}

// ResolveFile maps a workspace-relative path to an absolute path. Paths that
// escape the workspace or do not exist yield ErrFileNotFound.
func (m *Manager) ResolveFile(sessionID, rel string) (string, error) {
	if err := validSessionID(sessionID); err != nil {
		return "", err
	}
	dir := m.Dir(sessionID)
	p, err := m.within(dir, rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, rel)
		}
		return "", fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrFileNotFound, rel)
	}
	return p, nil
}

func (m *Manager) within(dir, rel string) (string, error) {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) {
		// Absolute paths are accepted only when they already point inside dir.
		r, err := filepath.Rel(dir, clean)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, rel)
		}
		clean = r
	}
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, rel)
	}
	return filepath.Join(dir, clean), nil
}

// SaveUpload writes r into the session's uploads directory and returns the
// workspace-relative path.
func (m *Manager) SaveUpload(sessionID, filename string, r io.Reader, maxBytes int64) (string, error) {
	if err := validSessionID(sessionID); err != nil {
		return "", err
	}
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		return "", fmt.Errorf("invalid file name %q", filename)
	}

	dir := filepath.Join(m.Dir(sessionID), "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}

	dst := filepath.Join(dir, name)
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}

	n, copyErr := io.Copy(f, io.LimitReader(r, maxBytes+1))
	closeErr := f.Close()
	if copyErr == nil && n > maxBytes {
		copyErr = ErrTooLarge
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(dst)
		if copyErr != nil {
			return "", fmt.Errorf("write upload: %w", copyErr)
		}
		return "", fmt.Errorf("close upload: %w", closeErr)
	}

	m.logger.Info("Upload saved", "session_id", sessionID, "file", name, "bytes", n)
	return filepath.ToSlash(filepath.Join("uploads", name)), nil
}

// OpenEditor ensures the editor for a session is running and returns its URL.
func (m *Manager) OpenEditor(ctx context.Context, sessionID string) (Editor, error) {
	if m.editors == nil {
		return Editor{}, ErrEditorDisabled
	}
	id, err := m.editors.EnsureEditor(ctx, sessionID, m.Dir(sessionID))
	if err != nil {
		return Editor{}, fmt.Errorf("launch editor: %w", err)
	}
	host := sessionID
	if m.nameFunc != nil {
		host = m.nameFunc(sessionID)
	}
	return Editor{ContainerID: id, URL: fmt.Sprintf(m.urlTemplate, host)}, nil
}

// Remove stops the session's editor, if any, and deletes its directory.
func (m *Manager) Remove(ctx context.Context, sessionID, editorID string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	if editorID != "" && m.editors != nil {
		if err := m.editors.StopEditor(ctx, editorID); err != nil {
			m.logger.Warn("Failed to stop editor", "session_id", sessionID, "container_id", editorID, "error", err)
		}
	}
	if err := os.RemoveAll(m.Dir(sessionID)); err != nil {
		return fmt.Errorf("remove workspace %s: %w", sessionID, err)
	}
	return nil
}

func validSessionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
