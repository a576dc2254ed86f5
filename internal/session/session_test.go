package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentd/internal/agent"
	"github.com/ashureev/agentd/internal/domain"
	"github.com/ashureev/agentd/internal/protocol"
	"github.com/ashureev/agentd/internal/settings"
	"github.com/ashureev/agentd/internal/store"
	"github.com/ashureev/agentd/internal/workspace"
)

const waitTimeout = 3 * time.Second

type runFunc func(ctx context.Context, req agent.RunRequest, flag *agent.CancelFlag, yield func(agent.Action, error) bool)

type fakeExecutor struct {
	mu   sync.Mutex
	reqs []agent.RunRequest
	run  runFunc
}

func (f *fakeExecutor) Run(ctx context.Context, req agent.RunRequest, flag *agent.CancelFlag) iter.Seq2[agent.Action, error] {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	run := f.run
	f.mu.Unlock()
	return func(yield func(agent.Action, error) bool) {
		run(ctx, req, flag, yield)
	}
}

func (f *fakeExecutor) setRun(run runFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run = run
}

func (f *fakeExecutor) lastRequest(t *testing.T) agent.RunRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.reqs)
	return f.reqs[len(f.reqs)-1]
}

func replyWith(deltas ...string) runFunc {
	return func(_ context.Context, _ agent.RunRequest, _ *agent.CancelFlag, yield func(agent.Action, error) bool) {
		for _, d := range deltas {
			if !yield(agent.Action{Kind: agent.ActionTextDelta, Text: d}, nil) {
				return
			}
		}
	}
}

type fakeEnhancer struct{}

func (fakeEnhancer) Enhance(_ context.Context, req agent.EnhanceRequest) (string, error) {
	if req.Text == "fail" {
		return "", errors.New("model refused")
	}
	return "better: " + req.Text, nil
}

type recordSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (r *recordSink) Send(f protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordSink) snapshot() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Frame(nil), r.frames...)
}

func (r *recordSink) count(typ protocol.EventType) int {
	n := 0
	for _, f := range r.snapshot() {
		if f.Type == string(typ) {
			n++
		}
	}
	return n
}

func (r *recordSink) waitFor(t *testing.T, typ protocol.EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(typ) >= n }, waitTimeout, 5*time.Millisecond,
		"waiting for %d %s frames, got %v", n, typ, r.types())
}

func (r *recordSink) types() []string {
	frames := r.snapshot()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func (r *recordSink) lastError(t *testing.T) protocol.Error {
	t.Helper()
	frames := r.snapshot()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == string(protocol.EventError) {
			var e protocol.Error
			require.NoError(t, json.Unmarshal(frames[i].Content, &e))
			return e
		}
	}
	t.Fatalf("no error frame in %v", r.types())
	return protocol.Error{}
}

type flakyRepo struct {
	store.Repository
	failAppend atomic.Bool
}

func (f *flakyRepo) AppendEvent(ctx context.Context, ev *domain.Event) (int64, error) {
	if f.failAppend.Load() {
		return 0, errors.New("disk I/O error")
	}
	return f.Repository.AppendEvent(ctx, ev)
}

// slowEditorWorkspace holds OpenEditor until its context ends while block is set.
type slowEditorWorkspace struct {
	*workspace.Manager
	block atomic.Bool
}

func (w *slowEditorWorkspace) OpenEditor(ctx context.Context, sessionID string) (workspace.Editor, error) {
	if w.block.Load() {
		<-ctx.Done()
		return workspace.Editor{}, ctx.Err()
	}
	return w.Manager.OpenEditor(ctx, sessionID)
}

type harness struct {
	reg  *Registry
	repo store.Repository
	ws   *workspace.Manager
	exec *fakeExecutor
}

func testModels(t *testing.T) *settings.Provider {
	t.Helper()
	p, err := settings.New(&settings.Catalog{Models: []settings.Model{
		{Name: "test-model", Provider: settings.ProviderRemote},
		{Name: "keyed-model", Provider: settings.ProviderAnthropic, APIKeyEnv: "AGENTD_TEST_KEY"},
	}}, settings.WithLookupEnv(func(string) (string, bool) { return "", false }))
	require.NoError(t, err)
	return p
}

func newHarness(t *testing.T, run runFunc, mutate func(*Deps)) *harness {
	t.Helper()

	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "agentd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ws, err := workspace.NewManager(filepath.Join(dir, "workspaces"))
	require.NoError(t, err)

	exec := &fakeExecutor{run: run}
	d := Deps{
		Repo:      repo,
		Workspace: ws,
		Models:    testModels(t),
		Executor:  exec,
		Enhancer:  fakeEnhancer{},
	}
	if mutate != nil {
		mutate(&d)
	}
	reg := NewRegistry(d)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return &harness{reg: reg, repo: repo, ws: ws, exec: exec}
}

func (h *harness) open(t *testing.T) (*Session, *recordSink) {
	t.Helper()
	s, err := h.reg.Create(context.Background(), "device-1")
	require.NoError(t, err)
	sink := &recordSink{}
	_, err = s.Attach(context.Background(), sink, 0)
	require.NoError(t, err)
	s.Connected()
	return s, sink
}

func initAgent(t *testing.T, s *Session, sink *recordSink, args domain.ToolArgs) {
	t.Helper()
	n := sink.count(protocol.EventAgentInitialized)
	s.Handle(sink, protocol.InitAgent{ModelName: "test-model", ToolArgs: args})
	sink.waitFor(t, protocol.EventAgentInitialized, n+1)
	require.Equal(t, domain.StatusReady, s.Status())
}

func waitStatus(t *testing.T, s *Session, want domain.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want }, waitTimeout, 5*time.Millisecond,
		"status stuck at %s", s.Status())
}

func TestQueryLifecycle(t *testing.T) {
	h := newHarness(t, replyWith("Hel", "lo"), nil)
	s, sink := h.open(t)

	initAgent(t, s, sink, nil)
	s.Handle(sink, protocol.Query{Text: "say hello"})
	sink.waitFor(t, protocol.EventStreamComplete, 1)
	waitStatus(t, s, domain.StatusReady)

	assert.Equal(t, []string{
		"connection-established", "agent-initialized", "processing-started",
		"response-delta", "response-delta", "stream-complete",
	}, sink.types())
	for i, f := range sink.snapshot() {
		assert.Equal(t, int64(i+1), f.Sequence, "frame %d (%s)", i, f.Type)
		assert.Equal(t, s.ID(), f.SessionID)
	}

	conv, err := h.repo.GetConversation(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, []domain.StoredMessage{
		{Role: domain.RoleUser, Content: "say hello"},
		{Role: domain.RoleAssistant, Content: "Hello"},
	}, conv)

	row, err := h.repo.GetSession(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, "say hello", row.Name)
	assert.Equal(t, domain.StatusReady, row.Status)
	require.NotNil(t, row.Model)
	assert.Equal(t, "test-model", row.Model.ModelName)

	events, err := h.repo.ListEvents(context.Background(), s.ID(), 0)
	require.NoError(t, err)
	assert.Len(t, events, 6)
}

func TestRequestsRejectedByStatus(t *testing.T) {
	h := newHarness(t, replyWith("x"), nil)
	s, sink := h.open(t)

	s.Handle(sink, protocol.Query{Text: "too early"})
	sink.waitFor(t, protocol.EventError, 1)
	assert.Equal(t, protocol.CodeAgentNotInitialized, sink.lastError(t).Code)
	assert.Equal(t, "query", sink.lastError(t).Request)
	assert.Equal(t, domain.StatusUninitialized, s.Status())

	s.Handle(sink, protocol.InitAgent{ModelName: "nope"})
	sink.waitFor(t, protocol.EventError, 2)
	assert.Equal(t, protocol.CodeUnknownModel, sink.lastError(t).Code)
	assert.Equal(t, domain.StatusUninitialized, s.Status())

	s.Handle(sink, protocol.InitAgent{ModelName: "keyed-model"})
	sink.waitFor(t, protocol.EventError, 3)
	assert.Equal(t, protocol.CodeMissingAPIKey, sink.lastError(t).Code)
	assert.Equal(t, domain.StatusUninitialized, s.Status())

	initAgent(t, s, sink, nil)
}

func TestSecondQueryWhileProcessing(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, _ agent.RunRequest, _ *agent.CancelFlag, yield func(agent.Action, error) bool) {
		<-release
		yield(agent.Action{Kind: agent.ActionText, Text: "done"}, nil)
	}, nil)
	s, sink := h.open(t)
	initAgent(t, s, sink, nil)

	s.Handle(sink, protocol.Query{Text: "first"})
	sink.waitFor(t, protocol.EventProcessingStarted, 1)
	require.Equal(t, domain.StatusProcessing, s.Status())

	s.Handle(sink, protocol.Query{Text: "second"})
	sink.waitFor(t, protocol.EventError, 1)
	assert.Equal(t, protocol.CodeAlreadyProcessing, sink.lastError(t).Code)

	s.Handle(sink, protocol.InitAgent{ModelName: "test-model"})
	sink.waitFor(t, protocol.EventError, 2)
	assert.Equal(t, protocol.CodeAlreadyProcessing, sink.lastError(t).Code)

	s.Handle(sink, protocol.Ping{})
	sink.waitFor(t, protocol.EventPong, 1)
	frames := sink.snapshot()
	pong := frames[len(frames)-1]
	assert.Equal(t, "pong", pong.Type)
	assert.Zero(t, pong.Sequence)

	close(release)
	sink.waitFor(t, protocol.EventStreamComplete, 1)
	waitStatus(t, s, domain.StatusReady)
	assert.Equal(t, 1, sink.count(protocol.EventProcessingStarted))

	// Pong is not part of the log.
	events, err := h.repo.ListEvents(context.Background(), s.ID(), 0)
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, "pong", ev.Type)
	}
}

func TestInterruptCancelsTask(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ agent.RunRequest, flag *agent.CancelFlag, yield func(agent.Action, error) bool) {
		if !yield(agent.Action{Kind: agent.ActionTextDelta, Text: "partial"}, nil) {
			return
		}
		<-flag.Done()
		// Output after cancellation is discarded.
		yield(agent.Action{Kind: agent.ActionTextDelta, Text: "late"}, nil)
	}, nil)
	s, sink := h.open(t)
	initAgent(t, s, sink, nil)

	s.Handle(sink, protocol.Query{Text: "long job"})
	sink.waitFor(t, protocol.EventResponseDelta, 1)
	s.Handle(sink, protocol.Interrupt{})
	sink.waitFor(t, protocol.EventStreamComplete, 1)
	waitStatus(t, s, domain.StatusReady)

	types := sink.types()
	assert.Equal(t, []string{"response-delta", "system", "stream-complete"}, types[len(types)-3:])
	assert.Equal(t, 1, sink.count(protocol.EventResponseDelta))

	frames := sink.snapshot()
	var sys protocol.System
	require.NoError(t, json.Unmarshal(frames[len(frames)-2].Content, &sys))
	assert.Equal(t, "cancelled", sys.Subtype)

	// Interrupt with nothing running is a no-op.
	before := len(frames)
	s.Handle(sink, protocol.Interrupt{})
	assert.Len(t, sink.snapshot(), before)
}

func TestCancelGraceAbandonsExecutor(t *testing.T) {
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	h := newHarness(t, func(_ context.Context, _ agent.RunRequest, _ *agent.CancelFlag, yield func(agent.Action, error) bool) {
		<-stuck
	}, func(d *Deps) { d.Config.CancelGrace = 50 * time.Millisecond })
	s, sink := h.open(t)
	initAgent(t, s, sink, nil)

	s.Handle(sink, protocol.Query{Text: "ignore me"})
	sink.waitFor(t, protocol.EventProcessingStarted, 1)
	s.Handle(sink, protocol.Interrupt{})

	sink.waitFor(t, protocol.EventStreamComplete, 1)
	waitStatus(t, s, domain.StatusReady)
	assert.Equal(t, 1, sink.count(protocol.EventSystem))
}

func TestStallTimeout(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ agent.RunRequest, _ *agent.CancelFlag, _ func(agent.Action, error) bool) {
		<-ctx.Done()
	}, func(d *Deps) { d.Config.StallTimeout = 50 * time.Millisecond })
	s, sink := h.open(t)
	initAgent(t, s, sink, nil)

	s.Handle(sink, protocol.Query{Text: "hang"})
	sink.waitFor(t, protocol.EventError, 1)
	assert.Equal(t, protocol.CodeStallTimeout, sink.lastError(t).Code)
	waitStatus(t, s, domain.StatusReady)
	assert.Zero(t, sink.count(protocol.EventStreamComplete))
}

func TestExecutorErrors(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ agent.RunRequest, _ *agent.CancelFlag, yield func(agent.Action, error) bool) {
		yield(agent.Action{}, errors.New("rate limited"))
	}, nil)
	s, sink := h.open(t)
	initAgent(t, s, sink, nil)

	s.Handle(sink, protocol.Query{Text: "try"})
	sink.waitFor(t, protocol.EventError, 1)
	assert.Equal(t, protocol.CodeExecutionFailed, sink.lastError(t).Code)
	waitStatus(t, s, domain.StatusReady)

	h.exec.setRun(func(_ context.Context, _ agent.RunRequest, _ *agent.CancelFlag, yield func(agent.Action, error) bool) {
		yield(agent.Action{}, fmt.Errorf("%w: workspace vanished", agent.ErrFatal))
	})
	s.Handle(sink, protocol.Query{Text: "again"})
	sink.waitFor(t, protocol.EventError, 2)
	assert.Equal(t, protocol.CodeFatal, sink.lastError(t).Code)
	waitStatus(t, s, domain.StatusClosed)

	s.Handle(sink, protocol.Query{Text: "after close"})
	sink.waitFor(t, protocol.EventError, 3)
	assert.Equal(t, protocol.CodeSessionClosed, sink.lastError(t).Code)

	s.Handle(sink, protocol.Ping{})
	sink.waitFor(t, protocol.EventPong, 1)

	row, err := h.repo.GetSession(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, row.Status)
}

func TestPersistenceFailureClosesSession(t *testing.T) {
	var flaky *flakyRepo
	h := newHarness(t, replyWith("x"), func(d *Deps) {
		flaky = &flakyRepo{Repository: d.Repo}
		d.Repo = flaky
	})
	s, sink := h.open(t)
	initAgent(t, s, sink, nil)

	flaky.failAppend.Store(true)
	s.Handle(sink, protocol.Query{Text: "doomed"})

	sink.waitFor(t, protocol.EventError, 1)
	frames := sink.snapshot()
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.Type)
	assert.Zero(t, last.Sequence, "fatal notice cannot be sequenced without a log")
	assert.Equal(t, protocol.CodeFatal, sink.lastError(t).Code)
	assert.Equal(t, domain.StatusClosed, s.Status())
	assert.Zero(t, sink.count(protocol.EventProcessingStarted))
}

func TestClosedSessionStillAnswersRequests(t *testing.T) {
	var flaky *flakyRepo
	h := newHarness(t, replyWith("x"), func(d *Deps) {
		flaky = &flakyRepo{Repository: d.Repo}
		d.Repo = flaky
	})
	s, sink := h.open(t)
	initAgent(t, s, sink, nil)

	flaky.failAppend.Store(true)
	s.Handle(sink, protocol.Query{Text: "doomed"})
	sink.waitFor(t, protocol.EventError, 1)
	require.Equal(t, domain.StatusClosed, s.Status())

	s.Handle(sink, protocol.Query{Text: "anyone there?"})
	sink.waitFor(t, protocol.EventError, 2)
	assert.Equal(t, protocol.CodeSessionClosed, sink.lastError(t).Code)

	s.Handle(sink, protocol.InitAgent{ModelName: "test-model"})
	sink.waitFor(t, protocol.EventError, 3)
	got := sink.lastError(t)
	assert.Equal(t, protocol.CodeSessionClosed, got.Code)
	assert.Equal(t, string(protocol.ReqInitAgent), got.Request)

	frames := sink.snapshot()
	assert.Zero(t, frames[len(frames)-1].Sequence)
}

func TestInitAgentTimeout(t *testing.T) {
	var ws *slowEditorWorkspace
	h := newHarness(t, replyWith("x"), func(d *Deps) {
		ws = &slowEditorWorkspace{Manager: d.Workspace.(*workspace.Manager)}
		ws.block.Store(true)
		d.Workspace = ws
		d.Config.InitTimeout = 20 * time.Millisecond
	})
	s, sink := h.open(t)

	s.Handle(sink, protocol.InitAgent{ModelName: "test-model"})
	sink.waitFor(t, protocol.EventError, 1)
	got := sink.lastError(t)
	assert.Equal(t, protocol.CodeInitTimeout, got.Code)
	assert.Equal(t, string(protocol.ReqInitAgent), got.Request)
	assert.Equal(t, domain.StatusUninitialized, s.Status())
	assert.Zero(t, sink.count(protocol.EventAgentInitialized))

	row, err := h.repo.GetSession(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUninitialized, row.Status)

	// A retry succeeds once the editor answers.
	ws.block.Store(false)
	initAgent(t, s, sink, nil)
}

func TestReconnectAfterDisconnectMidTask(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, _ agent.RunRequest, _ *agent.CancelFlag, yield func(agent.Action, error) bool) {
		<-release
		yield(agent.Action{Kind: agent.ActionTextDelta, Text: "done"}, nil)
	}, nil)
	s, first := h.open(t)
	initAgent(t, s, first, nil)

	s.Handle(first, protocol.Query{Text: "long job"})
	first.waitFor(t, protocol.EventProcessingStarted, 1)
	seen := s.LastSequence()
	s.Detach(first)
	require.Equal(t, domain.StatusProcessing, s.Status())

	close(release)
	waitStatus(t, s, domain.StatusReady)
	require.Eventually(t, func() bool { return s.LastSequence() == seen+2 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 0, first.count(protocol.EventStreamComplete), "detached connection must not receive events")

	second := &recordSink{}
	_, err := s.Attach(context.Background(), second, seen)
	require.NoError(t, err)
	assert.Equal(t, []string{"response-delta", "stream-complete"}, second.types())
	assert.Equal(t, seen+1, second.snapshot()[0].Sequence)
}

func TestResolveRejectsForeignDevice(t *testing.T) {
	h := newHarness(t, replyWith("x"), nil)
	s, _ := h.open(t)
	ctx := context.Background()

	_, err := h.reg.Resolve(ctx, "device-2", s.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, h.reg.Delete(ctx, "device-2", s.ID()), ErrSessionNotFound)
	_, ok := h.reg.Get(s.ID())
	assert.True(t, ok, "foreign delete must not evict the session")
	assert.True(t, h.ws.Exists(s.ID()))

	// The same holds for sessions that are only in the store.
	reg := NewRegistry(Deps{Repo: h.repo, Workspace: h.ws, Models: testModels(t), Executor: h.exec})
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	_, err = reg.Resolve(ctx, "device-2", s.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, reg.Delete(ctx, "device-2", s.ID()), ErrSessionNotFound)

	got, err := reg.Resolve(ctx, "device-1", s.ID())
	require.NoError(t, err)
	assert.Equal(t, "device-1", got.DeviceID())
}

func TestReattachReplaysMissedEvents(t *testing.T) {
	h := newHarness(t, replyWith("a", "b"), nil)
	s, first := h.open(t)
	initAgent(t, s, first, nil)
	s.Handle(first, protocol.Query{Text: "q"})
	first.waitFor(t, protocol.EventStreamComplete, 1)
	waitStatus(t, s, domain.StatusReady)
	total := len(first.snapshot())

	second := &recordSink{}
	old, err := s.Attach(context.Background(), second, 2)
	require.NoError(t, err)
	assert.Same(t, first, old)

	replayed := second.snapshot()
	require.Len(t, replayed, total-2)
	for i, f := range replayed {
		assert.Equal(t, int64(i+3), f.Sequence)
	}

	s.Connected()
	second.waitFor(t, protocol.EventConnectionEstablished, 1)
	assert.Len(t, first.snapshot(), total, "superseded connection must not receive new events")
	assert.Equal(t, int64(total+1), s.LastSequence())

	// Detaching a superseded sink leaves the active one in place.
	s.Detach(first)
	assert.True(t, s.em.attached())
	s.Detach(second)
	assert.False(t, s.em.attached())
}

func TestResolveRehydratesFromStore(t *testing.T) {
	h := newHarness(t, replyWith("hi"), nil)
	s, sink := h.open(t)
	initAgent(t, s, sink, nil)
	s.Handle(sink, protocol.Query{Text: "q"})
	sink.waitFor(t, protocol.EventStreamComplete, 1)
	waitStatus(t, s, domain.StatusReady)
	last := s.LastSequence()

	reg := NewRegistry(Deps{Repo: h.repo, Workspace: h.ws, Models: testModels(t), Executor: h.exec})
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	got, err := reg.Resolve(context.Background(), "device-1", s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUninitialized, got.Status())
	assert.Equal(t, last, got.LastSequence())

	again, err := reg.Resolve(context.Background(), "device-1", s.ID())
	require.NoError(t, err)
	assert.Same(t, got, again)

	fresh := &recordSink{}
	_, err = got.Attach(context.Background(), fresh, 0)
	require.NoError(t, err)
	assert.Len(t, fresh.snapshot(), int(last))
	got.Connected()
	assert.Equal(t, last+1, got.LastSequence())

	// Resume picks up the stored conversation.
	initAgent(t, got, fresh, nil)
	got.Handle(fresh, protocol.Query{Text: "follow up", Resume: true})
	fresh.waitFor(t, protocol.EventStreamComplete, 2)
	req := h.exec.lastRequest(t)
	assert.Equal(t, []domain.StoredMessage{
		{Role: domain.RoleUser, Content: "q"},
		{Role: domain.RoleAssistant, Content: "hi"},
	}, req.History)

	_, err = reg.Resolve(context.Background(), "device-1", "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEditQueryReplacesLastTurn(t *testing.T) {
	h := newHarness(t, replyWith("A"), nil)
	s, sink := h.open(t)
	initAgent(t, s, sink, nil)

	s.Handle(sink, protocol.EditQuery{Text: "nothing to edit"})
	sink.waitFor(t, protocol.EventError, 1)
	assert.Equal(t, protocol.CodeNoPriorQuery, sink.lastError(t).Code)

	s.Handle(sink, protocol.Query{Text: "first"})
	sink.waitFor(t, protocol.EventStreamComplete, 1)
	waitStatus(t, s, domain.StatusReady)

	h.exec.setRun(replyWith("B"))
	s.Handle(sink, protocol.EditQuery{Text: "second", Resume: true})
	sink.waitFor(t, protocol.EventStreamComplete, 2)
	waitStatus(t, s, domain.StatusReady)

	req := h.exec.lastRequest(t)
	assert.Equal(t, domain.TaskEdit, req.Kind)
	assert.Empty(t, req.History)

	conv, err := h.repo.GetConversation(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, []domain.StoredMessage{
		{Role: domain.RoleUser, Content: "second"},
		{Role: domain.RoleAssistant, Content: "B"},
	}, conv)
}

func TestReviewResultRequiresPendingReview(t *testing.T) {
	h := newHarness(t, replyWith("patched"), nil)
	s, sink := h.open(t)
	initAgent(t, s, sink, domain.ToolArgs{"enable_reviewer": true})

	s.Handle(sink, protocol.ReviewResult{UserInput: "lgtm"})
	sink.waitFor(t, protocol.EventError, 1)
	assert.Equal(t, protocol.CodeReviewNotRequested, sink.lastError(t).Code)

	s.Handle(sink, protocol.Query{Text: "fix the bug"})
	sink.waitFor(t, protocol.EventStreamComplete, 1)
	waitStatus(t, s, domain.StatusReady)

	s.Handle(sink, protocol.ReviewResult{UserInput: "tests still fail"})
	sink.waitFor(t, protocol.EventStreamComplete, 2)
	waitStatus(t, s, domain.StatusReady)
	assert.Equal(t, domain.TaskReview, h.exec.lastRequest(t).Kind)
	assert.Equal(t, "tests still fail", h.exec.lastRequest(t).Prompt)
}

func TestQueryFiles(t *testing.T) {
	h := newHarness(t, replyWith("ok"), nil)
	s, sink := h.open(t)
	initAgent(t, s, sink, nil)

	s.Handle(sink, protocol.Query{Text: "read it", Files: []string{"missing.txt"}})
	sink.waitFor(t, protocol.EventError, 1)
	assert.Equal(t, protocol.CodeFileNotFound, sink.lastError(t).Code)
	assert.Equal(t, domain.StatusReady, s.Status())

	path := filepath.Join(s.WorkspaceDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	s.Handle(sink, protocol.Query{Text: "read it", Files: []string{"notes.txt"}})
	sink.waitFor(t, protocol.EventStreamComplete, 1)
	assert.Equal(t, []string{path}, h.exec.lastRequest(t).Files)
}

func TestEnhancePrompt(t *testing.T) {
	h := newHarness(t, replyWith("x"), nil)
	s, sink := h.open(t)

	// Enhancement does not need an initialized agent.
	s.Handle(sink, protocol.EnhancePrompt{ModelName: "test-model", Text: "fix it"})
	sink.waitFor(t, protocol.EventPromptGenerated, 1)
	frames := sink.snapshot()
	var pg protocol.PromptGenerated
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Content, &pg))
	assert.Equal(t, protocol.PromptGenerated{Result: "better: fix it", OriginalRequest: "fix it"}, pg)
	assert.Equal(t, domain.StatusUninitialized, s.Status())

	s.Handle(sink, protocol.EnhancePrompt{ModelName: "test-model", Text: "fail"})
	sink.waitFor(t, protocol.EventError, 1)
	assert.Equal(t, protocol.CodeEnhanceFailed, sink.lastError(t).Code)
}

func TestRejectReportsFrameErrors(t *testing.T) {
	h := newHarness(t, replyWith("x"), nil)
	s, sink := h.open(t)

	_, err := protocol.DecodeRequest([]byte(`{"type":"teleport"}`))
	var fe *protocol.FrameError
	require.ErrorAs(t, err, &fe)
	s.Reject(fe)

	sink.waitFor(t, protocol.EventError, 1)
	got := sink.lastError(t)
	assert.Equal(t, protocol.CodeUnknownMessageType, got.Code)
	assert.Equal(t, "teleport", got.Request)
	assert.Equal(t, domain.StatusUninitialized, s.Status())
}

type teleportRequest struct{}

func (teleportRequest) RequestType() protocol.RequestType { return "teleport" }

func TestHandleUnknownRequestType(t *testing.T) {
	h := newHarness(t, replyWith("x"), nil)
	s, sink := h.open(t)

	s.Handle(sink, teleportRequest{})
	sink.waitFor(t, protocol.EventError, 1)
	got := sink.lastError(t)
	assert.Equal(t, protocol.CodeUnknownMessageType, got.Code)
	assert.Equal(t, "teleport", got.Request)
	assert.Equal(t, domain.StatusUninitialized, s.Status())
}

func TestRegistryDelete(t *testing.T) {
	h := newHarness(t, replyWith("x"), nil)
	s, sink := h.open(t)
	require.True(t, h.ws.Exists(s.ID()))

	require.NoError(t, h.reg.Delete(context.Background(), "device-1", s.ID()))
	assert.False(t, h.ws.Exists(s.ID()))
	_, ok := h.reg.Get(s.ID())
	assert.False(t, ok)

	row, err := h.repo.GetSession(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Nil(t, row)

	n := len(sink.snapshot())
	s.Handle(sink, protocol.Query{Text: "hello?"})
	assert.Len(t, sink.snapshot(), n, "deleted session must stay silent")

	require.ErrorIs(t, h.reg.Delete(context.Background(), "device-1", s.ID()), ErrSessionNotFound)
}
