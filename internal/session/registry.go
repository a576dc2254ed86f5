// Package session implements the per-session protocol state machine, its
// ordered event emitter, the task supervisor and the registry that owns live
// sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentd/internal/agent"
	"github.com/ashureev/agentd/internal/domain"
	"github.com/ashureev/agentd/internal/settings"
	"github.com/ashureev/agentd/internal/store"
	"github.com/ashureev/agentd/internal/workspace"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// Workspace is the workspace manager surface used by sessions.
type Workspace interface {
	Allocate(sessionID string) (string, error)
	Exists(sessionID string) bool
	ResolveFile(sessionID, rel string) (string, error)
	OpenEditor(ctx context.Context, sessionID string) (workspace.Editor, error)
	Remove(ctx context.Context, sessionID, editorID string) error
}

// ModelValidator resolves a model name to its catalog entry.
type ModelValidator interface {
	ValidateModel(name string) (settings.Model, error)
}

// providerChecker is implemented by executors that can tell whether they
// serve a provider.
type providerChecker interface {
	Has(provider string) bool
}

// Config holds the timing knobs of the engine.
type Config struct {
	CancelGrace  time.Duration
	StallTimeout time.Duration
	InitTimeout  time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CancelGrace:  5 * time.Second,
		StallTimeout: 10 * time.Minute,
		InitTimeout:  30 * time.Second,
	}
}

// Deps are the collaborators of a Registry.
type Deps struct {
	Repo      store.Repository
	Workspace Workspace
	Models    ModelValidator
	Executor  agent.Executor
	Enhancer  agent.Enhancer
	Config    Config
	Logger    *slog.Logger
}

// Registry owns the live sessions of one engine instance.
type Registry struct {
	repo     store.Repository
	ws       Workspace
	models   ModelValidator
	executor agent.Executor
	enhancer agent.Enhancer
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(d Deps) *Registry {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	def := DefaultConfig()
	if d.Config.CancelGrace <= 0 {
		d.Config.CancelGrace = def.CancelGrace
	}
	if d.Config.StallTimeout <= 0 {
		d.Config.StallTimeout = def.StallTimeout
	}
	if d.Config.InitTimeout <= 0 {
		d.Config.InitTimeout = def.InitTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		repo:     d.Repo,
		ws:       d.Workspace,
		models:   d.Models,
		executor: d.Executor,
		enhancer: d.Enhancer,
		cfg:      d.Config,
		logger:   d.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Create allocates a workspace and a new session for a device.
func (r *Registry) Create(ctx context.Context, deviceID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("registry is shut down")
	}

	id := uuid.NewString()
	dir, err := r.ws.Allocate(id)
	if err != nil {
		return nil, fmt.Errorf("allocate workspace: %w", err)
	}

	now := time.Now()
	row := &domain.Session{
		ID:           id,
		DeviceID:     deviceID,
		WorkspaceDir: dir,
		Status:       domain.StatusUninitialized,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := r.repo.CreateSession(ctx, row); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s := newSession(r, row, 1)
	r.sessions[id] = s
	r.logger.Info("Session created", "session_id", id, "device_id", deviceID)
	return s, nil
}

// Resolve returns the live session or rehydrates it from the store. Sessions
// owned by another device are reported as not found.
func (r *Registry) Resolve(ctx context.Context, deviceID, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		if s.deviceID != deviceID {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return s, nil
	}
	if r.closed {
		return nil, errors.New("registry is shut down")
	}

	row, err := r.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if row == nil || row.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	last, err := r.repo.LastSequence(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load last sequence: %w", err)
	}

	// A process restart loses the executor, so the agent must be re-initialized.
	if row.Status != domain.StatusClosed && row.Status != domain.StatusUninitialized {
		row.Status = domain.StatusUninitialized
		if err := r.repo.UpdateSessionState(ctx, id, row.Status, nil); err != nil {
			r.logger.Warn("Failed to persist rehydrated status", "session_id", id, "error", err)
		}
	}

	s := newSession(r, row, last+1)
	r.sessions[id] = s
	r.logger.Info("Session rehydrated", "session_id", id, "status", row.Status, "next_sequence", last+1)
	return s, nil
}

// Get returns a live session without touching the store.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete is the administrative deletion of a session owned by deviceID: it
// stops any running task, detaches the connection, removes the workspace and
// deletes all rows.
func (r *Registry) Delete(ctx context.Context, deviceID, id string) error {
	r.mu.Lock()
	s, live := r.sessions[id]
	if live && s.deviceID != deviceID {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	editorID := ""
	if live {
		var sink Sink
		editorID, sink = s.terminate()
		if t, ok := sink.(terminator); ok {
			t.Terminate("session deleted")
		}
	} else {
		row, err := r.repo.GetSession(ctx, id)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if row == nil || row.DeviceID != deviceID {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		editorID = row.EditorID
	}

	if err := r.ws.Remove(ctx, id, editorID); err != nil {
		r.logger.Warn("Failed to remove workspace", "session_id", id, "error", err)
	}
	if err := r.repo.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	r.logger.Info("Session deleted", "session_id", id)
	return nil
}

// EditorStopped clears the cached editor binding after the idle sweeper
// stopped a session's editor.
func (r *Registry) EditorStopped(id string) {
	if s, ok := r.Get(id); ok {
		s.clearEditor()
	}
}

// Shutdown cancels all running work and waits for background tasks.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.cancelTask()
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session tasks: %w", ctx.Err())
	}
}
