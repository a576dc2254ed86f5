// Package protocol defines the wire messages exchanged between clients and the
// session engine over a websocket.
//
// Every frame in both directions is a JSON envelope {"type", "content"}. Inbound
// frames decode into one Request variant, outbound frames carry one Event variant
// plus the sequencing metadata assigned by the engine.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/agentd/internal/domain"
)

// RequestType names an inbound frame.
type RequestType string

const (
	ReqInitAgent     RequestType = "init_agent"
	ReqQuery         RequestType = "query"
	ReqEditQuery     RequestType = "edit_query"
	ReqReviewResult  RequestType = "review_result"
	ReqEnhancePrompt RequestType = "enhance_prompt"
	ReqInterrupt     RequestType = "interrupt"
	ReqCancel        RequestType = "cancel"
	ReqPing          RequestType = "ping"
)

// Envelope is the wire format of an inbound frame.
type Envelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Request is a decoded inbound frame.
type Request interface {
	RequestType() RequestType
}

// InitAgent selects the model for a session.
type InitAgent struct {
	ModelName      string          `json:"model_name"`
	ToolArgs       domain.ToolArgs `json:"tool_args"`
	ThinkingTokens int             `json:"thinking_tokens"`
}

// Query asks the agent to work on a new user turn.
type Query struct {
	Text   string   `json:"text"`
	Resume bool     `json:"resume"`
	Files  []string `json:"files"`
}

// EditQuery replaces the most recent user turn and reruns it.
type EditQuery struct {
	Text   string   `json:"text"`
	Resume bool     `json:"resume"`
	Files  []string `json:"files"`
}

// ReviewResult feeds the user's verdict back into the reviewer loop.
type ReviewResult struct {
	UserInput string `json:"user_input"`
}

// EnhancePrompt asks for a rewritten prompt without touching the conversation.
type EnhancePrompt struct {
	ModelName string   `json:"model_name"`
	Text      string   `json:"text"`
	Files     []string `json:"files"`
}

// Interrupt stops the running task. The "cancel" frame decodes to the same type.
type Interrupt struct{}

// Ping is answered with pong in any state.
type Ping struct{}

func (InitAgent) RequestType() RequestType     { return ReqInitAgent }
func (Query) RequestType() RequestType         { return ReqQuery }
func (EditQuery) RequestType() RequestType     { return ReqEditQuery }
func (ReviewResult) RequestType() RequestType  { return ReqReviewResult }
func (EnhancePrompt) RequestType() RequestType { return ReqEnhancePrompt }
func (Interrupt) RequestType() RequestType     { return ReqInterrupt }
func (Ping) RequestType() RequestType          { return ReqPing }

// FrameError is a protocol-level rejection of an inbound frame. The connection
// stays open and session state is untouched.
type FrameError struct {
	Code    ErrorCode
	Request string
	Message string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DecodeRequest parses and validates one inbound frame.
func DecodeRequest(data []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &FrameError{Code: CodeMalformedFrame, Message: "invalid JSON frame: " + err.Error()}
	}
	if env.Type == "" {
		return nil, &FrameError{Code: CodeMalformedFrame, Message: "frame has no type"}
	}

	var req Request
	switch RequestType(env.Type) {
	case ReqInitAgent:
		var r InitAgent
		if err := decodeContent(env, &r); err != nil {
			return nil, err
		}
		req = r
	case ReqQuery:
		var r Query
		if err := decodeContent(env, &r); err != nil {
			return nil, err
		}
		if strings.TrimSpace(r.Text) == "" {
			return nil, invalid(env.Type, "query text is required")
		}
		req = r
	case ReqEditQuery:
		var r EditQuery
		if err := decodeContent(env, &r); err != nil {
			return nil, err
		}
		if strings.TrimSpace(r.Text) == "" {
			return nil, invalid(env.Type, "query text is required")
		}
		req = r
	case ReqReviewResult:
		var r ReviewResult
		if err := decodeContent(env, &r); err != nil {
			return nil, err
		}
		if strings.TrimSpace(r.UserInput) == "" {
			return nil, invalid(env.Type, "user_input is required")
		}
		req = r
	case ReqEnhancePrompt:
		var r EnhancePrompt
		if err := decodeContent(env, &r); err != nil {
			return nil, err
		}
		if strings.TrimSpace(r.Text) == "" {
			return nil, invalid(env.Type, "text is required")
		}
		req = r
	case ReqInterrupt, ReqCancel:
		req = Interrupt{}
	case ReqPing:
		req = Ping{}
	default:
		return nil, &FrameError{
			Code:    CodeUnknownMessageType,
			Request: env.Type,
			Message: fmt.Sprintf("unknown message type %q", env.Type),
		}
	}
	return req, nil
}

func decodeContent(env Envelope, v any) error {
	if len(env.Content) == 0 || string(env.Content) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Content, v); err != nil {
		return &FrameError{Code: CodeMalformedFrame, Request: env.Type, Message: "invalid content: " + err.Error()}
	}
	return nil
}

func invalid(reqType, msg string) error {
	return &FrameError{Code: CodeInvalidRequest, Request: reqType, Message: msg}
}

// EncodeRequest builds an inbound frame; used by clients.
func EncodeRequest(req Request) ([]byte, error) {
	content, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.RequestType(), err)
	}
	return json.Marshal(Envelope{Type: string(req.RequestType()), Content: content})
}
