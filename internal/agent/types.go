// Package agent contains the Agent Executor contracts and the executors that
// back them: a remote gRPC agent and direct Anthropic/OpenAI model loops.
package agent

import (
	"encoding/json"
	"sync"

	"github.com/ashureev/agentd/internal/domain"
)

// ActionKind categorizes executor output.
type ActionKind string

const (
	// ActionTextDelta is an incremental piece of response text.
	ActionTextDelta ActionKind = "text_delta"
	// ActionText is a complete block of response text.
	ActionText ActionKind = "text"
	// ActionThinking is a chunk of model reasoning.
	ActionThinking ActionKind = "thinking"
	// ActionToolCall is a tool invocation with its input.
	ActionToolCall ActionKind = "tool_call"
	// ActionToolResult is the outcome of a tool invocation.
	ActionToolResult ActionKind = "tool_result"
)

// Action is one unit of executor output.
type Action struct {
	Kind      ActionKind
	Text      string
	ToolName  string
	ToolUseID string
	ToolInput json.RawMessage
	Output    string
	IsError   bool
}

// RunRequest is the context handed to an executor for one task.
type RunRequest struct {
	SessionID    string
	TaskID       string
	Kind         domain.TaskKind
	WorkspaceDir string
	Model        domain.ModelConfig
	History      []domain.StoredMessage
	Prompt       string
	// Files are absolute paths inside WorkspaceDir.
	Files []string
}

// EnhanceRequest asks for a rewritten prompt.
type EnhanceRequest struct {
	Model        domain.ModelConfig
	WorkspaceDir string
	Text         string
	Files        []string
}

// CancelFlag is the cooperative cancellation signal of one task.
type CancelFlag struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelFlag returns an unset flag.
func NewCancelFlag() *CancelFlag {
	return &CancelFlag{ch: make(chan struct{})}
}

// Cancel sets the flag. Calling it more than once is a no-op.
func (f *CancelFlag) Cancel() {
	f.once.Do(func() { close(f.ch) })
}

// Done is closed once the flag is set.
func (f *CancelFlag) Done() <-chan struct{} {
	return f.ch
}

// Cancelled reports whether the flag is set.
func (f *CancelFlag) Cancelled() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}
