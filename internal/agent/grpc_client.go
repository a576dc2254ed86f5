package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Remote agent methods. Messages on both sides are google.protobuf.Struct.
const (
	RunMethod     = "/agentd.agent.v1.AgentExecutor/Run"
	EnhanceMethod = "/agentd.agent.v1.AgentExecutor/Enhance"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errRemoteAction             = errors.New("remote agent returned error")
)

var runStreamDesc = &grpc.StreamDesc{StreamName: "Run", ServerStreams: true}

// GrpcExecutor runs tasks on a remote agent process over gRPC.
type GrpcExecutor struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcExecutor connects to the remote agent and fails fast if it is not reachable.
func NewGrpcExecutor(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to remote agent at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("remote agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to remote agent", "address", cfg.Address)

	return &GrpcExecutor{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcExecutor) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks if the remote agent reports SERVING.
func (c *GrpcExecutor) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("remote agent status %s", resp.GetStatus())
	}
	return nil
}

// Run implements Executor. Cancellation cancels the stream, which the remote
// agent observes as a cancelled RPC.
func (c *GrpcExecutor) Run(ctx context.Context, req RunRequest, cancel *CancelFlag) iter.Seq2[Action, error] {
	return func(yield func(Action, error) bool) {
		ctx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			select {
			case <-cancel.Done():
				stop()
			case <-ctx.Done():
			}
		}()

		msg, err := encodeRunRequest(req)
		if err != nil {
			yield(Action{}, err)
			return
		}

		c.logger.Debug("Starting remote run", "session_id", req.SessionID, "task_id", req.TaskID)

		stream, err := c.conn.NewStream(ctx, runStreamDesc, RunMethod)
		if err != nil {
			yield(Action{}, classifyRPCError("run request failed", err))
			return
		}
		if err := stream.SendMsg(msg); err != nil && !errors.Is(err, io.EOF) {
			yield(Action{}, classifyRPCError("send run request", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(Action{}, classifyRPCError("close run request", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if cancel.Cancelled() {
					return
				}
				yield(Action{}, classifyRPCError("run stream error", err))
				return
			}

			action, err := decodeAction(resp)
			if err != nil {
				yield(Action{}, err)
				return
			}
			if cancel.Cancelled() {
				return
			}
			if !yield(action, nil) {
				return
			}
		}
	}
}

// Enhance implements Enhancer.
func (c *GrpcExecutor) Enhance(ctx context.Context, req EnhanceRequest) (string, error) {
	msg, err := structpb.NewStruct(map[string]any{
		"model":         req.Model.ModelName,
		"text":          req.Text,
		"files":         stringsToAny(req.Files),
		"workspace_dir": req.WorkspaceDir,
	})
	if err != nil {
		return "", fmt.Errorf("encode enhance request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, EnhanceMethod, msg, resp); err != nil {
		return "", classifyRPCError("enhance request failed", err)
	}
	result := resp.GetFields()["result"].GetStringValue()
	if result == "" {
		return "", fmt.Errorf("%w: empty enhancement", errRemoteAction)
	}
	return result, nil
}

func encodeRunRequest(req RunRequest) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{"role": m.Role, "content": m.Content})
	}
	toolArgs := map[string]any{}
	for k, v := range req.Model.ToolArgs {
		toolArgs[k] = v
	}

	msg, err := structpb.NewStruct(map[string]any{
		"session_id":      req.SessionID,
		"task_id":         req.TaskID,
		"kind":            string(req.Kind),
		"workspace_dir":   req.WorkspaceDir,
		"model":           req.Model.ModelName,
		"thinking_tokens": req.Model.ThinkingTokens,
		"tool_args":       toolArgs,
		"history":         history,
		"prompt":          req.Prompt,
		"files":           stringsToAny(req.Files),
	})
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}
	return msg, nil
}

// decodeAction converts one streamed Struct into an Action. Recognized kinds
// are the ActionKind values plus "error", which carries message and fatal.
func decodeAction(s *structpb.Struct) (Action, error) {
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }

	kind := str("kind")
	switch ActionKind(kind) {
	case ActionTextDelta, ActionText, ActionThinking:
		return Action{Kind: ActionKind(kind), Text: str("text")}, nil
	case ActionToolCall:
		input := json.RawMessage("{}")
		if v, ok := f["tool_input"]; ok {
			b, err := json.Marshal(v.AsInterface())
			if err != nil {
				return Action{}, fmt.Errorf("decode tool_input: %w", err)
			}
			input = b
		}
		return Action{Kind: ActionToolCall, ToolName: str("tool_name"), ToolUseID: str("tool_use_id"), ToolInput: input}, nil
	case ActionToolResult:
		return Action{
			Kind:      ActionToolResult,
			ToolUseID: str("tool_use_id"),
			Output:    str("output"),
			IsError:   f["is_error"].GetBoolValue(),
		}, nil
	}

	if kind == "error" {
		err := fmt.Errorf("%w: %s", errRemoteAction, str("message"))
		if f["fatal"].GetBoolValue() {
			err = fmt.Errorf("%w: %w", ErrFatal, err)
		}
		return Action{}, err
	}
	return Action{}, fmt.Errorf("%w: unknown action kind %q", errRemoteAction, kind)
}

// classifyRPCError treats an unreachable agent as fatal.
func classifyRPCError(what string, err error) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.Unavailable {
		return fmt.Errorf("%w: %s: %w", ErrFatal, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
