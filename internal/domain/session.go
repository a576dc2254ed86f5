// Package domain contains core domain types for the agent session engine.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusUninitialized SessionStatus = "UNINITIALIZED"
	StatusInitializing  SessionStatus = "INITIALIZING"
	StatusReady         SessionStatus = "READY"
	StatusProcessing    SessionStatus = "PROCESSING"
	StatusClosed        SessionStatus = "CLOSED"
)

// ToolArgs carries the free-form tool switches requested by the client.
type ToolArgs map[string]any

// Enabled reports whether the named switch is set to true.
func (a ToolArgs) Enabled(key string) bool {
	v, ok := a[key].(bool)
	return ok && v
}

// ReviewerEnabled reports whether the reviewer loop was requested.
func (a ToolArgs) ReviewerEnabled() bool {
	return a.Enabled("enable_reviewer")
}

// ModelConfig is the model selection made by init_agent.
type ModelConfig struct {
	Provider       string   `json:"provider"`
	ModelName      string   `json:"model_name"`
	ThinkingTokens int      `json:"thinking_tokens"`
	ToolArgs       ToolArgs `json:"tool_args,omitempty"`
}

// Session is the persisted view of one logical conversation.
type Session struct {
	ID           string        `json:"id"`
	DeviceID     string        `json:"device_id"`
	WorkspaceDir string        `json:"workspace_dir"`
	Name         string        `json:"name"`
	Status       SessionStatus `json:"status"`
	Model        *ModelConfig  `json:"model_config,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
	EditorID     string        `json:"-"`
}

// IsClosed reports whether the session reached its terminal state.
func (s *Session) IsClosed() bool {
	return s.Status == StatusClosed
}
