package agent

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ashureev/agentd/internal/domain"
)

// OpenAIOptions configures an OpenAIExecutor.
type OpenAIOptions struct {
	Keys                KeyFunc
	BaseURL             string
	MaxCompletionTokens int64
	Logger              *slog.Logger
	RequestOptions      []option.RequestOption
}

// OpenAIExecutor streams Chat Completions deltas for a task.
type OpenAIExecutor struct {
	client *openai.Client
	opts   OpenAIOptions
	logger *slog.Logger
}

// NewOpenAIExecutor creates an executor backed by the OpenAI API.
func NewOpenAIExecutor(opts OpenAIOptions) *OpenAIExecutor {
	if opts.MaxCompletionTokens <= 0 {
		opts.MaxCompletionTokens = 4096
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
	client := openai.NewClient(clientOpts...)

	return &OpenAIExecutor{client: &client, opts: opts, logger: logger}
}

func (e *OpenAIExecutor) requestOptions(modelName string) []option.RequestOption {
	if e.opts.Keys == nil {
		return nil
	}
	if key := e.opts.Keys(modelName); key != "" {
		return []option.RequestOption{option.WithAPIKey(key)}
	}
	return nil
}

// Run implements Executor.
func (e *OpenAIExecutor) Run(ctx context.Context, req RunRequest, cancel *CancelFlag) iter.Seq2[Action, error] {
	return func(yield func(Action, error) bool) {
		messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}
		messages = append(messages, openaiHistory(req.History)...)
		messages = append(messages, openai.UserMessage(userTurn(req)))

		params := openai.ChatCompletionNewParams{
			Messages:            messages,
			Model:               req.Model.ModelName,
			MaxCompletionTokens: openai.Int(e.opts.MaxCompletionTokens),
		}

		stream := e.client.Chat.Completions.NewStreaming(ctx, params, e.requestOptions(req.Model.ModelName)...)
		defer func() {
			if err := stream.Close(); err != nil {
				e.logger.Debug("openai stream close failed", "error", err)
			}
		}()

		for stream.Next() {
			if cancel.Cancelled() {
				return
			}
			for _, ch := range stream.Current().Choices {
				if ch.Delta.Content == "" {
					continue
				}
				if !yield(Action{Kind: ActionTextDelta, Text: ch.Delta.Content}, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			if cancel.Cancelled() || ctx.Err() != nil {
				return
			}
			yield(Action{}, fmt.Errorf("openai streaming error: %w", err))
		}
	}
}

// Enhance implements Enhancer.
func (e *OpenAIExecutor) Enhance(ctx context.Context, req EnhanceRequest) (string, error) {
	text := req.Text
	if refs := fileRefs(req.WorkspaceDir, req.Files); refs != "" {
		text += "\n\n" + refs
	}
	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(enhanceSystemPrompt),
			openai.UserMessage(text),
		},
		Model:               req.Model.ModelName,
		MaxCompletionTokens: openai.Int(1024),
	}, e.requestOptions(req.Model.ModelName)...)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("empty enhancement")
	}
	return out, nil
}

func openaiHistory(history []domain.StoredMessage) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case domain.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	return messages
}
