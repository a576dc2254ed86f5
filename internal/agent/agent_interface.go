package agent

import (
	"context"
	"errors"
	"iter"
)

// ErrFatal marks infrastructural executor failures that must close the session.
var ErrFatal = errors.New("fatal executor failure")

// ErrNoExecutor is returned when no executor serves a model's provider.
var ErrNoExecutor = errors.New("no executor for provider")

// Executor runs one task and yields its actions lazily. The sequence is finite
// and not restartable. Implementations observe cancel at tool-invocation and
// delta boundaries and stop yielding once it is set.
type Executor interface {
	Run(ctx context.Context, req RunRequest, cancel *CancelFlag) iter.Seq2[Action, error]
}

// Enhancer rewrites a prompt without touching any conversation state.
type Enhancer interface {
	Enhance(ctx context.Context, req EnhanceRequest) (string, error)
}

// Ensure executors implement both contracts.
var (
	_ Executor = (*GrpcExecutor)(nil)
	_ Enhancer = (*GrpcExecutor)(nil)
	_ Executor = (*AnthropicExecutor)(nil)
	_ Enhancer = (*AnthropicExecutor)(nil)
	_ Executor = (*OpenAIExecutor)(nil)
	_ Enhancer = (*OpenAIExecutor)(nil)
	_ Executor = (*Router)(nil)
	_ Enhancer = (*Router)(nil)
)
