package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/agentd/internal/domain"
	"github.com/ashureev/agentd/internal/protocol"
	"github.com/ashureev/agentd/internal/store"
)

var (
	// ErrPersistence wraps event-log write failures. They are fatal to the session.
	ErrPersistence = errors.New("event log unavailable")
	errSealed      = errors.New("session event log sealed")
)

// Sink receives outbound frames for one connection. Send must not block.
type Sink interface {
	Send(frame protocol.Frame)
}

// emitter is the single authority for sequence assignment in a session. Each
// event is appended to the store before it is forwarded to the attached sink;
// holding mu across both keeps log order and delivery order identical.
type emitter struct {
	mu        sync.Mutex
	sessionID string
	repo      store.Repository
	nextSeq   int64
	sink      Sink
	sealed    bool
}

func newEmitter(sessionID string, repo store.Repository, nextSeq int64) *emitter {
	return &emitter{sessionID: sessionID, repo: repo, nextSeq: nextSeq}
}

// emit validates, sequences, persists and forwards ev.
func (e *emitter) emit(ev protocol.Event) (int64, error) {
	content, err := protocol.EncodeEvent(ev)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return 0, errSealed
	}

	rec := &domain.Event{
		SessionID: e.sessionID,
		Sequence:  e.nextSeq,
		Timestamp: time.Now().UTC(),
		Type:      string(ev.EventType()),
		Payload:   content,
	}
	// Persistence outlives the connection that triggered the event.
	if _, err := e.repo.AppendEvent(context.Background(), rec); err != nil {
		e.sealed = true
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	e.nextSeq++

	if e.sink != nil {
		e.sink.Send(protocol.FrameFromEvent(*rec))
	}
	return rec.Sequence, nil
}

// ephemeral sends ev to sink, or to the attached sink when sink is nil,
// without sequencing or persisting it.
func (e *emitter) ephemeral(sink Sink, ev protocol.Event) error {
	frame, err := protocol.EphemeralFrame(e.sessionID, ev)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if sink == nil {
		sink = e.sink
	}
	if sink != nil {
		sink.Send(frame)
	}
	return nil
}

// attach replays persisted events after lastSeen into sink and makes it the
// active sink. Live events are blocked for the duration, so they follow the
// replay batch. The superseded sink, if any, is returned.
func (e *emitter) attach(ctx context.Context, sink Sink, lastSeen int64) (Sink, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	events, err := e.repo.ListEvents(ctx, e.sessionID, lastSeen)
	if err != nil {
		return nil, 0, fmt.Errorf("load replay: %w", err)
	}
	for _, ev := range events {
		sink.Send(protocol.FrameFromEvent(*ev))
	}

	old := e.sink
	e.sink = sink
	if old == sink {
		old = nil
	}
	return old, len(events), nil
}

// detach clears the active sink if it is still sink.
func (e *emitter) detach(sink Sink) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink != sink {
		return false
	}
	e.sink = nil
	return true
}

// seal stops all further emission and drops the active sink.
func (e *emitter) seal() Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sealed = true
	old := e.sink
	e.sink = nil
	return old
}

func (e *emitter) lastSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextSeq - 1
}

func (e *emitter) attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink != nil
}
