package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/agentd/internal/domain"
)

// EventType names an outbound event variant.
type EventType string

const (
	EventConnectionEstablished EventType = "connection-established"
	EventAgentInitialized      EventType = "agent-initialized"
	EventProcessingStarted     EventType = "processing-started"
	EventResponseDelta         EventType = "response-delta"
	EventResponseText          EventType = "response-text"
	EventThinking              EventType = "thinking"
	EventToolInvoked           EventType = "tool-invoked"
	EventToolResult            EventType = "tool-result"
	EventStreamComplete        EventType = "stream-complete"
	EventError                 EventType = "error"
	EventSystem                EventType = "system"
	EventPromptGenerated       EventType = "prompt-generated"
	EventPong                  EventType = "pong"
)

// ErrorCode is the stable identifier carried by error events.
type ErrorCode string

const (
	CodeMalformedFrame      ErrorCode = "MalformedFrame"
	CodeUnknownMessageType  ErrorCode = "UnknownMessageType"
	CodeInvalidRequest      ErrorCode = "InvalidRequest"
	CodeUnknownModel        ErrorCode = "UnknownModel"
	CodeMissingAPIKey       ErrorCode = "MissingApiKey"
	CodeFileNotFound        ErrorCode = "FileNotFound"
	CodeAlreadyProcessing   ErrorCode = "AlreadyProcessing"
	CodeAgentNotInitialized ErrorCode = "AgentNotInitialized"
	CodeAgentInitializing   ErrorCode = "AgentInitializing"
	CodeNoPriorQuery        ErrorCode = "NoPriorQuery"
	CodeReviewNotRequested  ErrorCode = "ReviewNotRequested"
	CodeSessionClosed       ErrorCode = "SessionClosed"
	CodeInitTimeout         ErrorCode = "InitTimeout"
	CodeStallTimeout        ErrorCode = "StallTimeout"
	CodeExecutionFailed     ErrorCode = "ExecutionFailed"
	CodeEnhanceFailed       ErrorCode = "EnhanceFailed"
	CodeFatal               ErrorCode = "Fatal"
)

// Event is one outbound event variant.
type Event interface {
	EventType() EventType
	validate() error
}

type ConnectionEstablished struct {
	Message       string `json:"message"`
	WorkspacePath string `json:"workspace_path"`
}

type AgentInitialized struct {
	Message   string `json:"message"`
	VSCodeURL string `json:"vscode_url,omitempty"`
}

type ProcessingStarted struct {
	Message string `json:"message"`
}

type ResponseDelta struct {
	Delta string `json:"delta"`
}

type ResponseText struct {
	Text string `json:"text"`
}

type Thinking struct {
	Thinking string `json:"thinking"`
}

type ToolInvoked struct {
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
	ToolInput json.RawMessage `json:"tool_input"`
}

type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error"`
}

type StreamComplete struct{}

// Error reports a rejected request or a failed task. Request names the inbound
// frame type the error is correlated with, when there is one.
type Error struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code,omitempty"`
	Request string    `json:"request,omitempty"`
}

type System struct {
	Message string `json:"message"`
	Subtype string `json:"subtype,omitempty"`
}

type PromptGenerated struct {
	Result          string `json:"result"`
	OriginalRequest string `json:"original_request"`
}

type Pong struct{}

func (ConnectionEstablished) EventType() EventType { return EventConnectionEstablished }
func (AgentInitialized) EventType() EventType      { return EventAgentInitialized }
func (ProcessingStarted) EventType() EventType     { return EventProcessingStarted }
func (ResponseDelta) EventType() EventType         { return EventResponseDelta }
func (ResponseText) EventType() EventType          { return EventResponseText }
func (Thinking) EventType() EventType              { return EventThinking }
func (ToolInvoked) EventType() EventType           { return EventToolInvoked }
func (ToolResult) EventType() EventType            { return EventToolResult }
func (StreamComplete) EventType() EventType        { return EventStreamComplete }
func (Error) EventType() EventType                 { return EventError }
func (System) EventType() EventType                { return EventSystem }
func (PromptGenerated) EventType() EventType       { return EventPromptGenerated }
func (Pong) EventType() EventType                  { return EventPong }

var errMissingField = errors.New("missing required field")

func (e ConnectionEstablished) validate() error {
	if e.WorkspacePath == "" {
		return fmt.Errorf("%w: workspace_path", errMissingField)
	}
	return nil
}

func (AgentInitialized) validate() error  { return nil }
func (ProcessingStarted) validate() error { return nil }
func (ResponseDelta) validate() error     { return nil }
func (ResponseText) validate() error      { return nil }
func (Thinking) validate() error          { return nil }

func (e ToolInvoked) validate() error {
	if e.ToolName == "" {
		return fmt.Errorf("%w: tool_name", errMissingField)
	}
	if e.ToolUseID == "" {
		return fmt.Errorf("%w: tool_use_id", errMissingField)
	}
	if len(e.ToolInput) > 0 && !json.Valid(e.ToolInput) {
		return fmt.Errorf("tool_input is not valid JSON")
	}
	return nil
}

func (e ToolResult) validate() error {
	if e.ToolUseID == "" {
		return fmt.Errorf("%w: tool_use_id", errMissingField)
	}
	return nil
}

func (StreamComplete) validate() error { return nil }

func (e Error) validate() error {
	if e.Message == "" {
		return fmt.Errorf("%w: message", errMissingField)
	}
	return nil
}

func (e System) validate() error {
	if e.Message == "" {
		return fmt.Errorf("%w: message", errMissingField)
	}
	return nil
}

func (PromptGenerated) validate() error { return nil }
func (Pong) validate() error            { return nil }

// IsCritical reports whether events of this type may never be dropped or
// coalesced on the outbound path.
func IsCritical(t EventType) bool {
	switch t {
	case EventResponseDelta, EventThinking:
		return false
	default:
		return true
	}
}

// Coalescable reports whether consecutive events of this type may be merged.
func Coalescable(t EventType) bool {
	return t == EventResponseDelta
}

// EncodeEvent validates ev and returns its JSON content.
func EncodeEvent(ev Event) (json.RawMessage, error) {
	if ev == nil {
		return nil, errors.New("nil event")
	}
	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", ev.EventType(), err)
	}
	if ti, ok := ev.(ToolInvoked); ok && len(ti.ToolInput) == 0 {
		ti.ToolInput = json.RawMessage("{}")
		ev = ti
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	return data, nil
}

// DecodeEvent reconstructs the variant of a persisted or received event.
func DecodeEvent(t EventType, content json.RawMessage) (Event, error) {
	var ev Event
	switch t {
	case EventConnectionEstablished:
		ev = &ConnectionEstablished{}
	case EventAgentInitialized:
		ev = &AgentInitialized{}
	case EventProcessingStarted:
		ev = &ProcessingStarted{}
	case EventResponseDelta:
		ev = &ResponseDelta{}
	case EventResponseText:
		ev = &ResponseText{}
	case EventThinking:
		ev = &Thinking{}
	case EventToolInvoked:
		ev = &ToolInvoked{}
	case EventToolResult:
		ev = &ToolResult{}
	case EventStreamComplete:
		ev = &StreamComplete{}
	case EventError:
		ev = &Error{}
	case EventSystem:
		ev = &System{}
	case EventPromptGenerated:
		ev = &PromptGenerated{}
	case EventPong:
		ev = &Pong{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(content) > 0 && string(content) != "null" {
		if err := json.Unmarshal(content, ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", t, err)
		}
	}
	return deref(ev), nil
}

func deref(ev Event) Event {
	switch v := ev.(type) {
	case *ConnectionEstablished:
		return *v
	case *AgentInitialized:
		return *v
	case *ProcessingStarted:
		return *v
	case *ResponseDelta:
		return *v
	case *ResponseText:
		return *v
	case *Thinking:
		return *v
	case *ToolInvoked:
		return *v
	case *ToolResult:
		return *v
	case *StreamComplete:
		return *v
	case *Error:
		return *v
	case *System:
		return *v
	case *PromptGenerated:
		return *v
	case *Pong:
		return *v
	}
	return ev
}

// Frame is the outbound wire format: the envelope plus event metadata.
// Ephemeral frames (pong) carry no sequence.
type Frame struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	SessionID string          `json:"session_id,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// FrameFromEvent converts a stored event into its wire frame.
func FrameFromEvent(ev domain.Event) Frame {
	ts := ev.Timestamp
	content := ev.Payload
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	return Frame{
		Type:      ev.Type,
		Content:   content,
		SessionID: ev.SessionID,
		Sequence:  ev.Sequence,
		Timestamp: &ts,
	}
}

// EphemeralFrame builds a frame that is not part of the session log.
func EphemeralFrame(sessionID string, ev Event) (Frame, error) {
	content, err := EncodeEvent(ev)
	if err != nil {
		return Frame{}, err
	}
	now := time.Now().UTC()
	return Frame{
		Type:      string(ev.EventType()),
		Content:   content,
		SessionID: sessionID,
		Timestamp: &now,
	}, nil
}
