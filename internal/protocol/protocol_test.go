package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/agentd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequestVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
		want  Request
	}{
		{
			name:  "init agent",
			frame: `{"type":"init_agent","content":{"model_name":"m1","tool_args":{"enable_reviewer":true},"thinking_tokens":2048}}`,
			want:  InitAgent{ModelName: "m1", ToolArgs: domain.ToolArgs{"enable_reviewer": true}, ThinkingTokens: 2048},
		},
		{
			name:  "query",
			frame: `{"type":"query","content":{"text":"hello","resume":true,"files":["a.txt"]}}`,
			want:  Query{Text: "hello", Resume: true, Files: []string{"a.txt"}},
		},
		{
			name:  "edit query",
			frame: `{"type":"edit_query","content":{"text":"again"}}`,
			want:  EditQuery{Text: "again"},
		},
		{
			name:  "review result",
			frame: `{"type":"review_result","content":{"user_input":"looks good"}}`,
			want:  ReviewResult{UserInput: "looks good"},
		},
		{
			name:  "enhance prompt",
			frame: `{"type":"enhance_prompt","content":{"model_name":"m1","text":"make it better"}}`,
			want:  EnhancePrompt{ModelName: "m1", Text: "make it better"},
		},
		{name: "interrupt", frame: `{"type":"interrupt","content":{}}`, want: Interrupt{}},
		{name: "cancel is an alias", frame: `{"type":"cancel"}`, want: Interrupt{}},
		{name: "ping", frame: `{"type":"ping","content":null}`, want: Ping{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeRequest([]byte(tc.frame))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeRequestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		frame string
		code  ErrorCode
	}{
		{`not json`, CodeMalformedFrame},
		{`{"content":{}}`, CodeMalformedFrame},
		{`{"type":"dance"}`, CodeUnknownMessageType},
		{`{"type":"query","content":{"text":"   "}}`, CodeInvalidRequest},
		{`{"type":"query","content":{"text":5}}`, CodeMalformedFrame},
		{`{"type":"review_result","content":{}}`, CodeInvalidRequest},
	}

	for _, tc := range tests {
		_, err := DecodeRequest([]byte(tc.frame))
		var fe *FrameError
		require.True(t, errors.As(err, &fe), "frame %s", tc.frame)
		assert.Equal(t, tc.code, fe.Code, "frame %s", tc.frame)
	}
}

func TestEncodeRequestRoundTripsThroughDecode(t *testing.T) {
	t.Parallel()

	data, err := EncodeRequest(Query{Text: "hi", Files: []string{}})
	require.NoError(t, err)
	got, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, Query{Text: "hi", Files: []string{}}, got)
}

func TestEncodeEventValidatesAtConstruction(t *testing.T) {
	t.Parallel()

	_, err := EncodeEvent(ToolInvoked{ToolName: "bash"})
	require.Error(t, err)

	_, err = EncodeEvent(Error{})
	require.Error(t, err)

	_, err = EncodeEvent(ConnectionEstablished{Message: "hi"})
	require.Error(t, err)

	data, err := EncodeEvent(ToolInvoked{ToolName: "bash", ToolUseID: "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tool_name":"bash","tool_use_id":"t1","tool_input":{}}`, string(data))
}

func TestDecodeEventReturnsValueVariants(t *testing.T) {
	t.Parallel()

	ev, err := DecodeEvent(EventToolResult, json.RawMessage(`{"tool_use_id":"x","output":"boom","is_error":true}`))
	require.NoError(t, err)
	assert.Equal(t, ToolResult{ToolUseID: "x", Output: "boom", IsError: true}, ev)

	ev, err = DecodeEvent(EventStreamComplete, nil)
	require.NoError(t, err)
	assert.Equal(t, StreamComplete{}, ev)

	_, err = DecodeEvent("mystery", nil)
	require.Error(t, err)
}

func TestCriticality(t *testing.T) {
	t.Parallel()

	for _, typ := range []EventType{EventError, EventStreamComplete, EventAgentInitialized, EventConnectionEstablished, EventToolResult} {
		assert.True(t, IsCritical(typ), typ)
	}
	assert.False(t, IsCritical(EventResponseDelta))
	assert.False(t, IsCritical(EventThinking))
	assert.True(t, Coalescable(EventResponseDelta))
	assert.False(t, Coalescable(EventThinking))
}

func TestFrameFromEvent(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	frame := FrameFromEvent(domain.Event{
		SessionID: "s1",
		Sequence:  7,
		Timestamp: ts,
		Type:      string(EventStreamComplete),
	})
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stream-complete","content":{},"session_id":"s1","sequence":7,"timestamp":"2026-01-02T03:04:05Z"}`, string(data))
}
