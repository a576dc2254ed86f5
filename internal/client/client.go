// Package client is a Go client for the agent session websocket protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/agentd/internal/domain"
	"github.com/ashureev/agentd/internal/protocol"
)

// DefaultModel is used when Options.ModelName is empty.
const DefaultModel = "claude-sonnet-4-5"

// ErrAgent wraps error events reported by the server.
var ErrAgent = errors.New("agent error")

// Options configures a Client.
type Options struct {
	BaseURL        string
	DeviceID       string
	ModelName      string
	SessionID      string // resume an existing session when set
	ToolArgs       domain.ToolArgs
	ThinkingTokens int
	Logger         *slog.Logger
}

// Client holds one websocket connection bound to one session.
type Client struct {
	opts   Options
	logger *slog.Logger

	conn atomic.Pointer[websocket.Conn]

	// mu serializes request/response exchanges and guards the fields below.
	mu            sync.Mutex
	sessionID     string
	workspacePath string
	lastSeq       int64
	initialized   bool
	turns         int
}

// New validates opts and returns an unconnected client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if opts.DeviceID == "" {
		opts.DeviceID = "agentctl"
	}
	if opts.ModelName == "" {
		opts.ModelName = DefaultModel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if _, err := WSURL(opts.BaseURL, opts.DeviceID, opts.SessionID, 0); err != nil {
		return nil, err
	}
	return &Client{opts: opts, logger: opts.Logger, sessionID: opts.SessionID}, nil
}

// WSURL converts an http(s) base URL into the websocket endpoint URL.
func WSURL(base, deviceID, sessionID string, lastSeq int64) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path += "/ws"

	q := url.Values{}
	q.Set("device_id", deviceID)
	if sessionID != "" {
		q.Set("session_id", sessionID)
		if lastSeq > 0 {
			q.Set("last_seq", strconv.FormatInt(lastSeq, 10))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SessionID returns the session bound to the connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// WorkspacePath returns the server-side workspace directory of the session.
func (c *Client) WorkspacePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspacePath
}

// LastSequence returns the highest event sequence received.
func (c *Client) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Connect dials the server, waits for connection-established and
// initializes the agent. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn.Load() != nil && c.initialized {
		return nil
	}

	target, err := WSURL(c.opts.BaseURL, c.opts.DeviceID, c.sessionID, c.lastSeq)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", target, err)
	}
	conn.SetReadLimit(4 << 20)
	c.conn.Store(conn)

	if err := c.handshakeLocked(ctx); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		c.conn.Store(nil)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) handshakeLocked(ctx context.Context) error {
	// Replayed events precede connection-established on a resumed session.
	for {
		f, err := c.readLocked(ctx)
		if err != nil {
			return err
		}
		if f.Type != string(protocol.EventConnectionEstablished) {
			continue
		}
		var ce protocol.ConnectionEstablished
		if err := json.Unmarshal(f.Content, &ce); err != nil {
			return fmt.Errorf("decode connection-established: %w", err)
		}
		c.sessionID = f.SessionID
		c.workspacePath = ce.WorkspacePath
		c.logger.Debug("Connected", "session_id", f.SessionID, "workspace", ce.WorkspacePath)
		break
	}

	if err := c.writeLocked(ctx, protocol.InitAgent{
		ModelName:      c.opts.ModelName,
		ToolArgs:       c.opts.ToolArgs,
		ThinkingTokens: c.opts.ThinkingTokens,
	}); err != nil {
		return err
	}
	for {
		f, err := c.readLocked(ctx)
		if err != nil {
			return err
		}
		switch protocol.EventType(f.Type) {
		case protocol.EventAgentInitialized:
			c.initialized = true
			c.logger.Debug("Agent initialized", "model", c.opts.ModelName)
			return nil
		case protocol.EventError:
			return errorFromFrame(f)
		}
	}
}

// SendMessage sends a query and returns the accumulated response text once
// the stream completes. Follow-up messages resume the conversation.
func (c *Client) SendMessage(ctx context.Context, text string) (string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLocked(ctx, protocol.Query{Text: text, Resume: c.turns > 0}); err != nil {
		return "", err
	}

	var reply strings.Builder
	for {
		f, err := c.readLocked(ctx)
		if err != nil {
			return reply.String(), err
		}
		switch protocol.EventType(f.Type) {
		case protocol.EventResponseDelta:
			var d protocol.ResponseDelta
			if err := json.Unmarshal(f.Content, &d); err == nil {
				reply.WriteString(d.Delta)
			}
		case protocol.EventResponseText:
			var t protocol.ResponseText
			if err := json.Unmarshal(f.Content, &t); err == nil {
				reply.WriteString(t.Text)
			}
		case protocol.EventToolInvoked:
			var ti protocol.ToolInvoked
			if err := json.Unmarshal(f.Content, &ti); err == nil {
				c.logger.Debug("Agent using tool", "tool", ti.ToolName)
			}
		case protocol.EventToolResult:
			var tr protocol.ToolResult
			if err := json.Unmarshal(f.Content, &tr); err == nil && tr.IsError {
				c.logger.Warn("Tool error", "output", truncate(tr.Output, 200))
			}
		case protocol.EventStreamComplete:
			c.turns++
			c.logger.Debug("Received complete response", "chars", reply.Len())
			return reply.String(), nil
		case protocol.EventError:
			return reply.String(), errorFromFrame(f)
		}
	}
}

// Interrupt asks the server to stop the running task. It may be called while
// SendMessage is waiting for the response.
func (c *Client) Interrupt(ctx context.Context) error {
	conn := c.conn.Load()
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := protocol.EncodeRequest(protocol.Interrupt{})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the websocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn.Swap(nil)
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client closed")
	c.initialized = false
	c.logger.Debug("WebSocket connection closed")
	return err
}

// readLocked returns the next new frame, skipping duplicates already seen.
func (c *Client) readLocked(ctx context.Context) (protocol.Frame, error) {
	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, c.conn.Load(), &f); err != nil {
			return protocol.Frame{}, fmt.Errorf("read frame: %w", err)
		}
		if f.Sequence > 0 {
			if f.Sequence <= c.lastSeq {
				continue
			}
			c.lastSeq = f.Sequence
		}
		return f, nil
	}
}

func (c *Client) writeLocked(ctx context.Context, req protocol.Request) error {
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := c.conn.Load().Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", req.RequestType(), err)
	}
	return nil
}

func errorFromFrame(f protocol.Frame) error {
	var e protocol.Error
	if err := json.Unmarshal(f.Content, &e); err != nil || e.Message == "" {
		return fmt.Errorf("%w: unknown error", ErrAgent)
	}
	if e.Code != "" {
		return fmt.Errorf("%w: %s (%s)", ErrAgent, e.Message, e.Code)
	}
	return fmt.Errorf("%w: %s", ErrAgent, e.Message)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// SplitMessage splits text into chunks of at most n runes, for relays with
// message length limits.
func SplitMessage(text string, n int) []string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return []string{text}
	}
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/n+1)
	for len(runes) > 0 {
		end := min(n, len(runes))
		chunks = append(chunks, string(runes[:end]))
		runes = runes[end:]
	}
	return chunks
}
