package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/ashureev/agentd/internal/domain"
)

// minThinkingBudget is the smallest extended-thinking budget the API accepts.
const minThinkingBudget = 1024

// KeyFunc returns the API key configured for a model name.
type KeyFunc func(modelName string) string

// AnthropicOptions configures an AnthropicExecutor.
type AnthropicOptions struct {
	Keys      KeyFunc
	BaseURL   string
	MaxTokens int64
	MaxTurns  int
	Logger    *slog.Logger
	// RequestOptions are appended to every call, mainly for tests.
	RequestOptions []option.RequestOption
}

// AnthropicExecutor runs a tool-using Messages API loop over the workspace.
type AnthropicExecutor struct {
	client *anthropic.Client
	opts   AnthropicOptions
	logger *slog.Logger
}

// NewAnthropicExecutor creates an executor backed by the Anthropic API.
func NewAnthropicExecutor(opts AnthropicOptions) *AnthropicExecutor {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var clientOpts []option.RequestOption
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	clientOpts = append(clientOpts, opts.RequestOptions...)
	client := anthropic.NewClient(clientOpts...)

	return &AnthropicExecutor{client: &client, opts: opts, logger: logger}
}

func (e *AnthropicExecutor) requestOptions(modelName string) []option.RequestOption {
	if e.opts.Keys == nil {
		return nil
	}
	if key := e.opts.Keys(modelName); key != "" {
		return []option.RequestOption{option.WithAPIKey(key)}
	}
	return nil
}

// Run implements Executor.
func (e *AnthropicExecutor) Run(ctx context.Context, req RunRequest, cancel *CancelFlag) iter.Seq2[Action, error] {
	return func(yield func(Action, error) bool) {
		messages := anthropicHistory(req.History)
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(userTurn(req))))

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(req.Model.ModelName),
			MaxTokens: e.opts.MaxTokens,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
			Tools:     anthropicTools(),
		}
		if budget := req.Model.ThinkingTokens; budget >= minThinkingBudget {
			params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
			params.MaxTokens += int64(budget)
		}

		for turn := 0; turn < e.opts.MaxTurns; turn++ {
			if cancel.Cancelled() {
				return
			}
			params.Messages = messages

			resp, err := e.client.Messages.New(ctx, params, e.requestOptions(req.Model.ModelName)...)
			if err != nil {
				if cancel.Cancelled() || ctx.Err() != nil {
					return
				}
				yield(Action{}, fmt.Errorf("anthropic api error: %w", err))
				return
			}

			var results []anthropic.ContentBlockParamUnion
			for _, block := range resp.Content {
				switch block.Type {
				case "text":
					if text := block.AsText().Text; text != "" {
						if !yield(Action{Kind: ActionText, Text: text}, nil) {
							return
						}
					}
				case "thinking":
					if thinking := block.AsThinking().Thinking; thinking != "" {
						if !yield(Action{Kind: ActionThinking, Text: thinking}, nil) {
							return
						}
					}
				case "tool_use":
					if cancel.Cancelled() {
						return
					}
					toolBlock := block.AsToolUse()
					input := json.RawMessage("{}")
					if toolBlock.Input != nil {
						if b, err := json.Marshal(toolBlock.Input); err == nil {
							input = b
						}
					}
					if !yield(Action{Kind: ActionToolCall, ToolName: toolBlock.Name, ToolUseID: toolBlock.ID, ToolInput: input}, nil) {
						return
					}
					out, isErr := runTool(req.WorkspaceDir, toolBlock.Name, input)
					if !yield(Action{Kind: ActionToolResult, ToolUseID: toolBlock.ID, Output: out, IsError: isErr}, nil) {
						return
					}
					results = append(results, anthropic.NewToolResultBlock(toolBlock.ID, out, isErr))
				}
			}

			if string(resp.StopReason) != "tool_use" || len(results) == 0 {
				return
			}
			messages = append(messages, resp.ToParam(), anthropic.NewUserMessage(results...))
			e.logger.Debug("anthropic tool turn complete", "session_id", req.SessionID, "task_id", req.TaskID, "turn", turn+1)
		}

		yield(Action{}, fmt.Errorf("agent stopped after %d model turns", e.opts.MaxTurns))
	}
}

// Enhance implements Enhancer.
func (e *AnthropicExecutor) Enhance(ctx context.Context, req EnhanceRequest) (string, error) {
	text := req.Text
	if refs := fileRefs(req.WorkspaceDir, req.Files); refs != "" {
		text += "\n\n" + refs
	}
	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model.ModelName),
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: enhanceSystemPrompt}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(text))},
	}, e.requestOptions(req.Model.ModelName)...)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("empty enhancement")
	}
	return out, nil
}

func anthropicHistory(history []domain.StoredMessage) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case domain.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return messages
}

func anthropicTools() []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(workspaceTools))
	for i, spec := range workspaceTools {
		schema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: spec.Properties,
			Required:   spec.Required,
		}
		tools[i] = anthropic.ToolUnionParamOfTool(schema, spec.Name)
		tools[i].OfTool.Description = anthropic.String(spec.Description)
	}
	return tools
}
