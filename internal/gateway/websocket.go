// Package gateway terminates client websockets and binds them to sessions.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agentd/internal/identity"
	"github.com/ashureev/agentd/internal/protocol"
	"github.com/ashureev/agentd/internal/session"
)

// Options configures the websocket handler.
type Options struct {
	AllowedOrigin     string
	IsDev             bool
	MaxFrameBytes     int64
	CoalesceThreshold int
	Logger            *slog.Logger
}

// Handler upgrades /ws requests and runs the connection loop.
type Handler struct {
	reg  *session.Registry
	opts Options
	log  *slog.Logger
}

// NewHandler creates a websocket handler backed by reg.
func NewHandler(reg *session.Registry, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 1 << 20
	}
	return &Handler{reg: reg, opts: opts, log: opts.Logger}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	sessionID := identity.SessionIDFromRequest(r)
	lastSeen := identity.LastSeenFromRequest(r)
	logger := h.log.With("device_id", deviceID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	s, err := h.session(r.Context(), deviceID, sessionID, &lastSeen)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		logger.Error("Failed to open session", "session_id", sessionID, "error", err)
		http.Error(w, "failed to open session", http.StatusInternalServerError)
		return
	}
	logger = logger.With("session_id", s.ID())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(h.opts.MaxFrameBytes)

	// Writes are bounded by the connection's own lifetime, not the upgrade request.
	conn := newConn(context.WithoutCancel(r.Context()), ws, h.opts.CoalesceThreshold, logger)
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	old, err := s.Attach(r.Context(), conn, lastSeen)
	if err != nil {
		logger.Error("Failed to attach connection", "error", err)
		conn.Close(websocket.StatusInternalError, "replay failed")
		return
	}
	if prev, ok := old.(*Conn); ok {
		go prev.Close(websocket.StatusPolicyViolation, "session replaced")
	}
	defer s.Detach(conn)

	s.Connected()
	logger.Info("WebSocket connected", "last_seen", lastSeen, "status", s.Status())

	h.readLoop(conn, s, logger)
	conn.flush(time.Second)
	logger.Info("WebSocket disconnected", "status", s.Status())
}

// session resolves the target session, creating one when none was named.
// Replaying a fresh session from zero is harmless, so lastSeen is reset.
func (h *Handler) session(ctx context.Context, deviceID, sessionID string, lastSeen *int64) (*session.Session, error) {
	if sessionID == "" {
		*lastSeen = 0
		return h.reg.Create(ctx, deviceID)
	}
	return h.reg.Resolve(ctx, deviceID, sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	h.log.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

func (h *Handler) readLoop(conn *Conn, s *session.Session, logger *slog.Logger) {
	for {
		_, data, err := conn.ws.Read(conn.ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) == websocket.StatusMessageTooBig:
				logger.Warn("WebSocket frame too large", "limit", h.opts.MaxFrameBytes)
			case websocket.CloseStatus(err) != -1, conn.ctx.Err() != nil:
				logger.Debug("WebSocket closed", "error", err)
			default:
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		req, err := protocol.DecodeRequest(data)
		if err != nil {
			var fe *protocol.FrameError
			if !errors.As(err, &fe) {
				fe = &protocol.FrameError{Code: protocol.CodeMalformedFrame, Message: err.Error()}
			}
			s.Reject(fe)
			continue
		}
		s.Handle(conn, req)
	}
}
