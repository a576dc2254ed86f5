// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agentd/internal/domain"
)

// Repository defines the interface for persisting sessions and their event logs.
type Repository interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns the sessions of a device, newest first.
	ListSessions(ctx context.Context, deviceID string) ([]*domain.Session, error)

	// UpdateSessionState records the status and model configuration of a session.
	UpdateSessionState(ctx context.Context, sessionID string, status domain.SessionStatus, model *domain.ModelConfig) error

	// UpdateSessionName sets the display name of a session.
	UpdateSessionName(ctx context.Context, sessionID, name string) error

	// UpdateEditorID records the editor container bound to a session.
	// If expectedID is non-empty, the update only happens when the current
	// editor_id matches expectedID (optimistic locking).
	UpdateEditorID(ctx context.Context, sessionID, editorID, expectedID string) error

	// DeleteSession removes a session, its events and its conversation.
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendEvent appends an event carrying its pre-assigned sequence number and
	// returns that sequence. Appending the same sequence twice is a no-op.
	AppendEvent(ctx context.Context, event *domain.Event) (int64, error)

	// ListEvents returns events with sequence greater than afterSequence, in order.
	ListEvents(ctx context.Context, sessionID string, afterSequence int64) ([]*domain.Event, error)

	// LastSequence returns the highest persisted sequence of a session, or 0.
	LastSequence(ctx context.Context, sessionID string) (int64, error)

	// GetConversation returns the persisted conversation turns of a session.
	GetConversation(ctx context.Context, sessionID string) ([]domain.StoredMessage, error)

	// SaveConversation replaces the persisted conversation turns of a session.
	SaveConversation(ctx context.Context, sessionID string, messages []domain.StoredMessage) error

	// GetIdleEditorSessions returns sessions holding an editor container whose
	// last activity is older than ttl.
	GetIdleEditorSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
