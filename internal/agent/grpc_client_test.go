package agent

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/agentd/internal/domain"
)

type streamHandler func(method string, stream grpc.ServerStream) error

func startRemoteAgent(t *testing.T, handler streamHandler) *GrpcExecutor {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		return handler(method, stream)
	}))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcClientConfig("passthrough:///bufnet")
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	exec, err := NewGrpcExecutor(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	return exec
}

func send(t *testing.T, stream grpc.ServerStream, fields map[string]any) error {
	t.Helper()
	msg, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return stream.SendMsg(msg)
}

func testRunRequest() RunRequest {
	return RunRequest{
		SessionID: "s1",
		TaskID:    "t1",
		Kind:      domain.TaskQuery,
		Model:     domain.ModelConfig{Provider: "remote", ModelName: "m", ToolArgs: domain.ToolArgs{"enable_reviewer": true}},
		History:   []domain.StoredMessage{{Role: domain.RoleUser, Content: "earlier"}},
		Prompt:    "list files",
	}
}

func TestGrpcExecutorRunStreamsActions(t *testing.T) {
	var gotReq *structpb.Struct
	exec := startRemoteAgent(t, func(method string, stream grpc.ServerStream) error {
		if method != RunMethod {
			return nil
		}
		gotReq = &structpb.Struct{}
		if err := stream.RecvMsg(gotReq); err != nil {
			return err
		}
		for _, m := range []map[string]any{
			{"kind": "text_delta", "text": "Hel"},
			{"kind": "tool_call", "tool_name": "bash", "tool_use_id": "tu1", "tool_input": map[string]any{"cmd": "ls"}},
			{"kind": "tool_result", "tool_use_id": "tu1", "output": "a.txt", "is_error": false},
			{"kind": "text_delta", "text": "lo"},
		} {
			if err := send(t, stream, m); err != nil {
				return err
			}
		}
		return nil
	})

	var actions []Action
	for a, err := range exec.Run(context.Background(), testRunRequest(), NewCancelFlag()) {
		require.NoError(t, err)
		actions = append(actions, a)
	}

	require.Len(t, actions, 4)
	assert.Equal(t, Action{Kind: ActionTextDelta, Text: "Hel"}, actions[0])
	assert.Equal(t, ActionToolCall, actions[1].Kind)
	assert.Equal(t, "bash", actions[1].ToolName)
	assert.JSONEq(t, `{"cmd":"ls"}`, string(actions[1].ToolInput))
	assert.Equal(t, Action{Kind: ActionToolResult, ToolUseID: "tu1", Output: "a.txt"}, actions[2])

	require.NotNil(t, gotReq)
	fields := gotReq.GetFields()
	assert.Equal(t, "list files", fields["prompt"].GetStringValue())
	assert.Equal(t, "query", fields["kind"].GetStringValue())
	assert.True(t, fields["tool_args"].GetStructValue().GetFields()["enable_reviewer"].GetBoolValue())
	assert.Len(t, fields["history"].GetListValue().GetValues(), 1)
}

func TestGrpcExecutorStopsOnCancel(t *testing.T) {
	exec := startRemoteAgent(t, func(_ string, stream grpc.ServerStream) error {
		if err := stream.RecvMsg(&structpb.Struct{}); err != nil {
			return err
		}
		if err := send(t, stream, map[string]any{"kind": "text_delta", "text": "working"}); err != nil {
			return err
		}
		<-stream.Context().Done()
		return stream.Context().Err()
	})

	flag := NewCancelFlag()
	count := 0
	for _, err := range exec.Run(context.Background(), testRunRequest(), flag) {
		require.NoError(t, err)
		count++
		flag.Cancel()
	}
	assert.Equal(t, 1, count)
}

func TestGrpcExecutorRemoteErrors(t *testing.T) {
	fatal := true
	exec := startRemoteAgent(t, func(_ string, stream grpc.ServerStream) error {
		if err := stream.RecvMsg(&structpb.Struct{}); err != nil {
			return err
		}
		return send(t, stream, map[string]any{"kind": "error", "message": "workspace gone", "fatal": fatal})
	})

	var runErr error
	for _, err := range exec.Run(context.Background(), testRunRequest(), NewCancelFlag()) {
		runErr = err
	}
	require.ErrorIs(t, runErr, ErrFatal)
	assert.Contains(t, runErr.Error(), "workspace gone")

	fatal = false
	runErr = nil
	for _, err := range exec.Run(context.Background(), testRunRequest(), NewCancelFlag()) {
		runErr = err
	}
	require.Error(t, runErr)
	assert.NotErrorIs(t, runErr, ErrFatal)
}

func TestGrpcExecutorEnhanceAndHealth(t *testing.T) {
	exec := startRemoteAgent(t, func(method string, stream grpc.ServerStream) error {
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		if method != EnhanceMethod {
			return nil
		}
		return send(t, stream, map[string]any{"result": "Better: " + req.GetFields()["text"].GetStringValue()})
	})

	out, err := exec.Enhance(context.Background(), EnhanceRequest{Model: domain.ModelConfig{ModelName: "m"}, Text: "fix it"})
	require.NoError(t, err)
	assert.Equal(t, "Better: fix it", out)

	require.NoError(t, exec.Health(context.Background()))
}
