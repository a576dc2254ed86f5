package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashureev/agentd/internal/agent"
	"github.com/ashureev/agentd/internal/domain"
	"github.com/ashureev/agentd/internal/protocol"
	"github.com/ashureev/agentd/internal/settings"
	"github.com/ashureev/agentd/internal/workspace"
)

const maxNameRunes = 100

// Session is one live conversation. All state transitions happen under mu;
// event emission nests inside it (mu, then emitter.mu).
type Session struct {
	reg    *Registry
	logger *slog.Logger
	em     *emitter

	id           string
	deviceID     string
	workspaceDir string

	mu            sync.Mutex
	status        domain.SessionStatus
	model         *domain.ModelConfig
	name          string
	editorID      string
	task          *taskRun
	history       []domain.StoredMessage
	historyLoaded bool
	reviewPending bool
	initGen       uint64
}

func newSession(r *Registry, row *domain.Session, nextSeq int64) *Session {
	return &Session{
		reg:          r,
		logger:       r.logger.With("session_id", row.ID, "device_id", row.DeviceID),
		em:           newEmitter(row.ID, r.repo, nextSeq),
		id:           row.ID,
		deviceID:     row.DeviceID,
		workspaceDir: row.WorkspaceDir,
		status:       row.Status,
		model:        row.Model,
		name:         row.Name,
		editorID:     row.EditorID,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// DeviceID returns the device that owns the session.
func (s *Session) DeviceID() string { return s.deviceID }

// WorkspaceDir returns the session's workspace path.
func (s *Session) WorkspaceDir() string { return s.workspaceDir }

// Status returns the current lifecycle status.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastSequence returns the sequence of the most recent persisted event.
func (s *Session) LastSequence() int64 {
	return s.em.lastSequence()
}

// Attach binds sink as the active connection, replaying events after lastSeen
// first. The superseded sink, if any, is returned and receives nothing more.
func (s *Session) Attach(ctx context.Context, sink Sink, lastSeen int64) (Sink, error) {
	if lastSeen < 0 {
		lastSeen = 0
	}
	old, replayed, err := s.em.attach(ctx, sink, lastSeen)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Connection attached", "last_seen", lastSeen, "replayed", replayed, "superseded", old != nil)
	return old, nil
}

// Detach marks sink as gone. Running tasks keep going.
func (s *Session) Detach(sink Sink) {
	if s.em.detach(sink) {
		s.logger.Info("Connection detached", "status", s.Status())
	}
}

// Connected emits connection-established for a freshly attached connection.
func (s *Session) Connected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(protocol.ConnectionEstablished{
		Message:       "Connected to agent session",
		WorkspacePath: s.workspaceDir,
	})
}

// Handle applies one inbound request. Replies that are not part of the log
// (pong) go to from, or to the attached connection when from is nil.
func (s *Session) Handle(from Sink, req protocol.Request) {
	switch r := req.(type) {
	case protocol.Ping:
		if err := s.em.ephemeral(from, protocol.Pong{}); err != nil {
			s.logger.Warn("Failed to send pong", "error", err)
		}
	case protocol.InitAgent:
		s.initAgent(r)
	case protocol.Query:
		s.submit(protocol.ReqQuery, taskInput{kind: domain.TaskQuery, text: r.Text, files: r.Files, resume: r.Resume})
	case protocol.EditQuery:
		s.submit(protocol.ReqEditQuery, taskInput{kind: domain.TaskEdit, text: r.Text, files: r.Files, resume: r.Resume})
	case protocol.ReviewResult:
		s.submit(protocol.ReqReviewResult, taskInput{kind: domain.TaskReview, text: r.UserInput})
	case protocol.EnhancePrompt:
		s.enhance(r)
	case protocol.Interrupt:
		s.interrupt()
	default:
		// Only Request implementations from outside DecodeRequest land here.
		s.logger.Error("Unhandled request type", "type", fmt.Sprintf("%T", req))
		s.Reject(&protocol.FrameError{
			Code:    protocol.CodeUnknownMessageType,
			Request: string(req.RequestType()),
			Message: fmt.Sprintf("unhandled message type %q", req.RequestType()),
		})
	}
}

// Reject reports a protocol-level rejection of an inbound frame.
func (s *Session) Reject(fe *protocol.FrameError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectLocked(protocol.RequestType(fe.Request), fe.Code, fe.Message)
}

func (s *Session) rejectLocked(req protocol.RequestType, code protocol.ErrorCode, msg string) {
	s.logger.Debug("Request rejected", "request", req, "code", code, "message", msg)
	s.emitLocked(protocol.Error{Message: msg, Code: code, Request: string(req)})
}

// emitLocked emits ev and escalates persistence failures. Requires mu.
// Error events still reach the connection once the log is sealed.
func (s *Session) emitLocked(ev protocol.Event) bool {
	_, err := s.em.emit(ev)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrPersistence):
		s.failLocked(err)
	case errors.Is(err, errSealed):
		if _, ok := ev.(protocol.Error); ok {
			if sendErr := s.em.ephemeral(nil, ev); sendErr != nil {
				s.logger.Warn("Failed to send error", "error", sendErr)
			}
		}
	default:
		s.logger.Error("Dropping invalid event", "type", ev.EventType(), "error", err)
	}
	return false
}

// failLocked closes the session after an infrastructural failure. Requires mu.
func (s *Session) failLocked(cause error) {
	if s.status == domain.StatusClosed {
		return
	}
	s.logger.Error("Session failed", "error", cause)
	s.status = domain.StatusClosed
	if s.task != nil {
		s.task.flag.Cancel()
		s.task.State = domain.TaskFailed
		s.task = nil
	}

	ev := protocol.Error{Message: "session closed: " + cause.Error(), Code: protocol.CodeFatal}
	if _, err := s.em.emit(ev); err != nil {
		// The log itself is gone; tell whoever is listening.
		if sendErr := s.em.ephemeral(nil, ev); sendErr != nil {
			s.logger.Warn("Failed to report fatal error", "error", sendErr)
		}
	}
	s.persistLocked()
}

func (s *Session) persistLocked() {
	if err := s.reg.repo.UpdateSessionState(context.Background(), s.id, s.status, s.model); err != nil {
		s.logger.Warn("Failed to persist session state", "status", s.status, "error", err)
	}
}

func (s *Session) rejectClosedLocked(req protocol.RequestType) bool {
	if s.status == domain.StatusClosed {
		s.rejectLocked(req, protocol.CodeSessionClosed, "session is closed")
		return true
	}
	return false
}

func (s *Session) initAgent(r protocol.InitAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectClosedLocked(protocol.ReqInitAgent) {
		return
	}
	switch s.status {
	case domain.StatusInitializing:
		s.rejectLocked(protocol.ReqInitAgent, protocol.CodeAgentInitializing, "agent is already initializing")
		return
	case domain.StatusProcessing:
		s.rejectLocked(protocol.ReqInitAgent, protocol.CodeAlreadyProcessing, "cannot re-initialize while a query is processing")
		return
	}

	model, ok := s.validateModelLocked(protocol.ReqInitAgent, r.ModelName)
	if !ok {
		return
	}

	cfg := domain.ModelConfig{
		Provider:       model.Provider,
		ModelName:      model.Name,
		ThinkingTokens: r.ThinkingTokens,
		ToolArgs:       r.ToolArgs,
	}
	s.status = domain.StatusInitializing
	s.initGen++
	s.persistLocked()

	s.reg.wg.Add(1)
	go s.finishInit(s.initGen, cfg)
}

// validateModelLocked maps settings errors to protocol errors. Requires mu.
func (s *Session) validateModelLocked(req protocol.RequestType, name string) (settings.Model, bool) {
	if strings.TrimSpace(name) == "" {
		s.rejectLocked(req, protocol.CodeUnknownModel, "model_name is required")
		return settings.Model{}, false
	}
	model, err := s.reg.models.ValidateModel(name)
	switch {
	case errors.Is(err, settings.ErrUnknownModel):
		s.rejectLocked(req, protocol.CodeUnknownModel, fmt.Sprintf("unknown model %q", name))
		return settings.Model{}, false
	case errors.Is(err, settings.ErrMissingAPIKey):
		s.rejectLocked(req, protocol.CodeMissingAPIKey, fmt.Sprintf("no API key configured for model %q", name))
		return settings.Model{}, false
	case err != nil:
		s.rejectLocked(req, protocol.CodeUnknownModel, err.Error())
		return settings.Model{}, false
	}
	if pc, ok := s.reg.executor.(providerChecker); ok && !pc.Has(model.Provider) {
		s.rejectLocked(req, protocol.CodeUnknownModel, fmt.Sprintf("model %q is not served by any executor", name))
		return settings.Model{}, false
	}
	return model, true
}

type editorResult struct {
	editor workspace.Editor
	err    error
}

func (s *Session) finishInit(gen uint64, cfg domain.ModelConfig) {
	defer s.reg.wg.Done()

	ctx, cancel := context.WithTimeout(s.reg.ctx, s.reg.cfg.InitTimeout)
	defer cancel()

	done := make(chan editorResult, 1)
	go func() {
		ed, err := s.reg.ws.OpenEditor(ctx, s.id)
		done <- editorResult{editor: ed, err: err}
	}()

	var res editorResult
	timedOut := false
	select {
	case res = <-done:
		// OpenEditor may have returned because the deadline passed.
		timedOut = ctx.Err() != nil
	case <-ctx.Done():
		timedOut = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initGen != gen || s.status != domain.StatusInitializing {
		return
	}

	if timedOut {
		s.status = domain.StatusUninitialized
		s.persistLocked()
		s.rejectLocked(protocol.ReqInitAgent, protocol.CodeInitTimeout,
			fmt.Sprintf("agent did not initialize within %s", s.reg.cfg.InitTimeout))
		return
	}

	url := ""
	switch {
	case res.err == nil:
		url = res.editor.URL
		s.bindEditorLocked(res.editor.ContainerID)
	case errors.Is(res.err, workspace.ErrEditorDisabled):
	default:
		s.logger.Warn("Editor unavailable, continuing without it", "error", res.err)
	}

	s.model = &cfg
	s.status = domain.StatusReady
	s.persistLocked()
	s.emitLocked(protocol.AgentInitialized{
		Message:   fmt.Sprintf("Agent initialized with model %s", cfg.ModelName),
		VSCodeURL: url,
	})
	s.logger.Info("Agent initialized", "model", cfg.ModelName, "provider", cfg.Provider, "editor", url != "")
}

func (s *Session) bindEditorLocked(containerID string) {
	if containerID == "" || containerID == s.editorID {
		return
	}
	if err := s.reg.repo.UpdateEditorID(context.Background(), s.id, containerID, ""); err != nil {
		s.logger.Warn("Failed to record editor", "container_id", containerID, "error", err)
		return
	}
	s.editorID = containerID
}

func (s *Session) clearEditor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editorID = ""
}

type taskInput struct {
	kind   domain.TaskKind
	text   string
	files  []string
	resume bool
}

func (s *Session) submit(req protocol.RequestType, in taskInput) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectClosedLocked(req) {
		return
	}
	switch s.status {
	case domain.StatusUninitialized:
		s.rejectLocked(req, protocol.CodeAgentNotInitialized, "agent is not initialized; send init_agent first")
		return
	case domain.StatusInitializing:
		s.rejectLocked(req, protocol.CodeAgentInitializing, "agent is still initializing")
		return
	case domain.StatusProcessing:
		s.rejectLocked(req, protocol.CodeAlreadyProcessing, "a query is already being processed")
		return
	}

	if !s.reg.ws.Exists(s.id) {
		s.failLocked(errors.New("workspace is unavailable"))
		return
	}
	files := make([]string, 0, len(in.files))
	for _, f := range in.files {
		abs, err := s.reg.ws.ResolveFile(s.id, f)
		if err != nil {
			s.rejectLocked(req, protocol.CodeFileNotFound, fmt.Sprintf("file not found in workspace: %s", f))
			return
		}
		files = append(files, abs)
	}

	switch in.kind {
	case domain.TaskQuery:
		if in.resume {
			s.loadHistoryLocked()
		} else {
			s.history = nil
			s.historyLoaded = false
		}
	case domain.TaskEdit:
		s.loadHistoryLocked()
		cut := lastUserTurn(s.history)
		if cut < 0 {
			s.rejectLocked(req, protocol.CodeNoPriorQuery, "there is no previous query to edit")
			return
		}
		s.history = s.history[:cut]
	case domain.TaskReview:
		if s.model == nil || !s.model.ToolArgs.ReviewerEnabled() || !s.reviewPending {
			s.rejectLocked(req, protocol.CodeReviewNotRequested, "no review was requested")
			return
		}
	}

	t := &taskRun{
		QueryTask: domain.QueryTask{
			ID:        uuid.NewString(),
			Kind:      in.kind,
			Text:      in.text,
			Files:     files,
			Resume:    in.resume,
			State:     domain.TaskRunning,
			StartedAt: time.Now(),
		},
		flag: agent.NewCancelFlag(),
	}

	run := agent.RunRequest{
		SessionID:    s.id,
		TaskID:       t.ID,
		Kind:         in.kind,
		WorkspaceDir: s.workspaceDir,
		Model:        *s.model,
		History:      append([]domain.StoredMessage(nil), s.history...),
		Prompt:       in.text,
		Files:        files,
	}

	s.task = t
	s.status = domain.StatusProcessing
	s.reviewPending = false
	s.persistLocked()
	if s.name == "" && in.kind == domain.TaskQuery {
		s.setNameLocked(in.text)
	}

	if !s.emitLocked(protocol.ProcessingStarted{Message: "Processing your request..."}) {
		return
	}

	s.logger.Info("Task started", "task_id", t.ID, "kind", in.kind, "files", len(files))
	s.reg.wg.Add(1)
	go s.supervise(t, run)
}

func (s *Session) setNameLocked(text string) {
	name := strings.TrimSpace(text)
	if utf8.RuneCountInString(name) > maxNameRunes {
		name = string([]rune(name)[:maxNameRunes])
	}
	if err := s.reg.repo.UpdateSessionName(context.Background(), s.id, name); err != nil {
		s.logger.Warn("Failed to persist session name", "error", err)
		return
	}
	s.name = name
}

// loadHistoryLocked fills the in-memory conversation from the store once.
// A missing conversation degrades to an empty one.
func (s *Session) loadHistoryLocked() {
	if s.historyLoaded || len(s.history) > 0 {
		return
	}
	msgs, err := s.reg.repo.GetConversation(context.Background(), s.id)
	if err != nil {
		s.logger.Warn("Failed to load conversation, starting fresh", "error", err)
	}
	s.history = msgs
	s.historyLoaded = true
}

// lastUserTurn returns the index of the most recent user message, or -1.
func lastUserTurn(history []domain.StoredMessage) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}

func (s *Session) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.task == nil || s.task.State != domain.TaskRunning {
		return
	}
	s.task.State = domain.TaskCancelling
	s.task.flag.Cancel()
	s.logger.Info("Task cancellation requested", "task_id", s.task.ID)
}

func (s *Session) enhance(r protocol.EnhancePrompt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectClosedLocked(protocol.ReqEnhancePrompt) {
		return
	}
	if s.reg.enhancer == nil {
		s.rejectLocked(protocol.ReqEnhancePrompt, protocol.CodeEnhanceFailed, "prompt enhancement is not available")
		return
	}
	model, ok := s.validateModelLocked(protocol.ReqEnhancePrompt, r.ModelName)
	if !ok {
		return
	}
	files := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		abs, err := s.reg.ws.ResolveFile(s.id, f)
		if err != nil {
			s.rejectLocked(protocol.ReqEnhancePrompt, protocol.CodeFileNotFound, fmt.Sprintf("file not found in workspace: %s", f))
			return
		}
		files = append(files, abs)
	}

	req := agent.EnhanceRequest{
		Model:        domain.ModelConfig{Provider: model.Provider, ModelName: model.Name},
		WorkspaceDir: s.workspaceDir,
		Text:         r.Text,
		Files:        files,
	}
	s.reg.wg.Add(1)
	go s.runEnhance(req)
}

func (s *Session) runEnhance(req agent.EnhanceRequest) {
	defer s.reg.wg.Done()

	ctx, cancel := context.WithTimeout(s.reg.ctx, s.reg.cfg.StallTimeout)
	defer cancel()
	result, err := s.reg.enhancer.Enhance(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == domain.StatusClosed {
		return
	}
	if err != nil {
		s.logger.Warn("Prompt enhancement failed", "error", err)
		s.rejectLocked(protocol.ReqEnhancePrompt, protocol.CodeEnhanceFailed, "prompt enhancement failed: "+err.Error())
		return
	}
	s.emitLocked(protocol.PromptGenerated{Result: result, OriginalRequest: req.Text})
}

// cancelTask sets the cancellation flag of the running task, if any.
func (s *Session) cancelTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil && s.task.State == domain.TaskRunning {
		s.task.State = domain.TaskCancelling
		s.task.flag.Cancel()
	}
}

// terminator is implemented by sinks the server can disconnect.
type terminator interface {
	Terminate(reason string)
}

// terminate closes the session for deletion. It returns the editor id and
// the sink that was attached.
func (s *Session) terminate() (string, Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		s.task.flag.Cancel()
		s.task.State = domain.TaskCancelled
		s.task = nil
	}
	s.status = domain.StatusClosed
	return s.editorID, s.em.seal()
}
