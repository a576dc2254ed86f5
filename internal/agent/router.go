package agent

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Router dispatches to the executor registered for a model's provider.
type Router struct {
	mu        sync.RWMutex
	executors map[string]Executor
	enhancers map[string]Enhancer
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{
		executors: make(map[string]Executor),
		enhancers: make(map[string]Enhancer),
	}
}

// Register binds a provider to an executor. If e also implements Enhancer it
// serves enhance_prompt for that provider too.
func (r *Router) Register(provider string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[provider] = e
	if en, ok := e.(Enhancer); ok {
		r.enhancers[provider] = en
	}
}

// Has reports whether a provider has an executor.
func (r *Router) Has(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[provider]
	return ok
}

// Run implements Executor.
func (r *Router) Run(ctx context.Context, req RunRequest, cancel *CancelFlag) iter.Seq2[Action, error] {
	r.mu.RLock()
	e, ok := r.executors[req.Model.Provider]
	r.mu.RUnlock()
	if !ok {
		return func(yield func(Action, error) bool) {
			yield(Action{}, fmt.Errorf("%w %q", ErrNoExecutor, req.Model.Provider))
		}
	}
	return e.Run(ctx, req, cancel)
}

// Enhance implements Enhancer.
func (r *Router) Enhance(ctx context.Context, req EnhanceRequest) (string, error) {
	r.mu.RLock()
	e, ok := r.enhancers[req.Model.Provider]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w %q", ErrNoExecutor, req.Model.Provider)
	}
	return e.Enhance(ctx, req)
}
