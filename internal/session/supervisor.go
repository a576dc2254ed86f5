package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/agentd/internal/agent"
	"github.com/ashureev/agentd/internal/domain"
	"github.com/ashureev/agentd/internal/protocol"
)

// taskRun is the session's single task slot.
type taskRun struct {
	domain.QueryTask
	flag *agent.CancelFlag
}

type step struct {
	action agent.Action
	err    error
}

// supervise drives one executor run and turns its actions into events. It
// owns every terminal transition of the task.
func (s *Session) supervise(t *taskRun, req agent.RunRequest) {
	defer s.reg.wg.Done()

	ctx, cancel := context.WithCancel(s.reg.ctx)
	defer cancel()

	steps := make(chan step)
	abandon := make(chan struct{})
	defer close(abandon)

	// The producer is not tracked by the registry wait group: an executor that
	// ignores cancellation is abandoned, not awaited.
	go func() {
		defer close(steps)
		for a, err := range s.reg.executor.Run(ctx, req, t.flag) {
			select {
			case steps <- step{action: a, err: err}:
			case <-abandon:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	stall := time.NewTimer(s.reg.cfg.StallTimeout)
	defer stall.Stop()

	var reply strings.Builder
	var grace <-chan time.Time
	cancelled := t.flag.Done()

	for {
		select {
		case st, ok := <-steps:
			if !ok {
				s.complete(t, req, reply.String())
				return
			}
			if st.err != nil {
				s.failTask(t, req, st.err, reply.String())
				return
			}
			if t.flag.Cancelled() {
				continue
			}
			resetTimer(stall, s.reg.cfg.StallTimeout)
			if !s.forward(t, st.action, &reply) {
				return
			}

		case <-cancelled:
			cancelled = nil
			g := time.NewTimer(s.reg.cfg.CancelGrace)
			defer g.Stop()
			grace = g.C

		case <-grace:
			s.logger.Warn("Executor ignored cancellation, abandoning it",
				"task_id", t.ID, "grace", s.reg.cfg.CancelGrace)
			cancel()
			s.mu.Lock()
			s.finishCancelledLocked(t, req, reply.String())
			s.mu.Unlock()
			return

		case <-stall.C:
			if t.flag.Cancelled() {
				continue
			}
			cancel()
			s.stalled(t)
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// forward emits the event for one action. It returns false once the task no
// longer owns the session.
func (s *Session) forward(t *taskRun, a agent.Action, reply *strings.Builder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != t {
		return false
	}

	var ev protocol.Event
	switch a.Kind {
	case agent.ActionTextDelta:
		reply.WriteString(a.Text)
		ev = protocol.ResponseDelta{Delta: a.Text}
	case agent.ActionText:
		if reply.Len() > 0 && !strings.HasSuffix(reply.String(), "\n") {
			reply.WriteString("\n")
		}
		reply.WriteString(a.Text)
		ev = protocol.ResponseText{Text: a.Text}
	case agent.ActionThinking:
		ev = protocol.Thinking{Thinking: a.Text}
	case agent.ActionToolCall:
		ev = protocol.ToolInvoked{ToolName: a.ToolName, ToolUseID: a.ToolUseID, ToolInput: a.ToolInput}
	case agent.ActionToolResult:
		ev = protocol.ToolResult{ToolUseID: a.ToolUseID, Output: a.Output, IsError: a.IsError}
	default:
		s.logger.Debug("Ignoring unknown executor action", "kind", a.Kind)
		return true
	}

	s.emitLocked(ev)
	return s.task == t
}

func (s *Session) complete(t *taskRun, req agent.RunRequest, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != t {
		return
	}
	if t.flag.Cancelled() {
		s.finishCancelledLocked(t, req, reply)
		return
	}

	if !s.emitLocked(protocol.StreamComplete{}) {
		return
	}
	s.recordTurnLocked(req, reply)
	s.reviewPending = s.model != nil && s.model.ToolArgs.ReviewerEnabled()
	s.endTaskLocked(t, domain.TaskCompleted)
}

func (s *Session) failTask(t *taskRun, req agent.RunRequest, err error, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != t {
		return
	}

	switch {
	case errors.Is(err, agent.ErrFatal):
		s.failLocked(err)
	case t.flag.Cancelled():
		s.finishCancelledLocked(t, req, reply)
	default:
		s.logger.Warn("Task failed", "task_id", t.ID, "error", err)
		s.emitLocked(protocol.Error{
			Message: "agent execution failed: " + err.Error(),
			Code:    protocol.CodeExecutionFailed,
			Request: string(t.Kind),
		})
		s.endTaskLocked(t, domain.TaskFailed)
	}
}

func (s *Session) stalled(t *taskRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != t {
		return
	}
	s.logger.Warn("Task stalled", "task_id", t.ID, "timeout", s.reg.cfg.StallTimeout)
	s.emitLocked(protocol.Error{
		Message: fmt.Sprintf("agent produced no output for %s", s.reg.cfg.StallTimeout),
		Code:    protocol.CodeStallTimeout,
		Request: string(t.Kind),
	})
	s.endTaskLocked(t, domain.TaskFailed)
}

// finishCancelledLocked closes a cancelled task. A partial reply is kept in
// the conversation. Requires mu.
func (s *Session) finishCancelledLocked(t *taskRun, req agent.RunRequest, reply string) {
	if s.task != t {
		return
	}
	if !s.emitLocked(protocol.System{Message: "Query cancelled", Subtype: "cancelled"}) {
		return
	}
	if !s.emitLocked(protocol.StreamComplete{}) {
		return
	}
	if reply != "" {
		s.recordTurnLocked(req, reply)
	}
	s.endTaskLocked(t, domain.TaskCancelled)
}

// recordTurnLocked appends the user and assistant turns and saves the
// conversation. Requires mu.
func (s *Session) recordTurnLocked(req agent.RunRequest, reply string) {
	history := append(append([]domain.StoredMessage(nil), req.History...),
		domain.StoredMessage{Role: domain.RoleUser, Content: req.Prompt},
		domain.StoredMessage{Role: domain.RoleAssistant, Content: reply},
	)
	s.history = history
	s.historyLoaded = true
	if err := s.reg.repo.SaveConversation(context.Background(), s.id, history); err != nil {
		s.logger.Warn("Failed to save conversation", "error", err)
	}
}

// endTaskLocked releases the task slot and returns the session to READY.
// Requires mu.
func (s *Session) endTaskLocked(t *taskRun, state domain.TaskState) {
	if s.task != t {
		return
	}
	t.State = state
	s.task = nil
	s.status = domain.StatusReady
	s.persistLocked()
	s.logger.Info("Task finished", "task_id", t.ID, "state", state, "duration", time.Since(t.StartedAt))
}
