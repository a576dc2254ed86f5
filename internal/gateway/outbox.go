package gateway

import (
	"encoding/json"
	"sync"

	"github.com/ashureev/agentd/internal/protocol"
)

// outbox is the unbounded per-connection queue between the session emitter
// and the websocket writer. push never blocks; once the backlog reaches the
// threshold, adjacent response deltas are merged so a slow reader bounds
// memory by the text size rather than the frame count.
type outbox struct {
	mu        sync.Mutex
	frames    []protocol.Frame
	threshold int
	notify    chan struct{}
	closed    bool
	coalesced int
}

func newOutbox(threshold int) *outbox {
	if threshold <= 0 {
		threshold = 64
	}
	return &outbox{threshold: threshold, notify: make(chan struct{}, 1)}
}

func (o *outbox) push(f protocol.Frame) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if len(o.frames) >= o.threshold && o.mergeLocked(f) {
		o.coalesced++
	} else {
		o.frames = append(o.frames, f)
	}
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// mergeLocked folds f into the last queued frame when both are deltas.
// The merged frame takes f's sequence and timestamp.
func (o *outbox) mergeLocked(f protocol.Frame) bool {
	if !protocol.Coalescable(protocol.EventType(f.Type)) || f.Sequence == 0 {
		return false
	}
	last := &o.frames[len(o.frames)-1]
	if last.Type != f.Type || last.Sequence == 0 {
		return false
	}

	var prev, next protocol.ResponseDelta
	if json.Unmarshal(last.Content, &prev) != nil || json.Unmarshal(f.Content, &next) != nil {
		return false
	}
	content, err := json.Marshal(protocol.ResponseDelta{Delta: prev.Delta + next.Delta})
	if err != nil {
		return false
	}
	last.Content = content
	last.Sequence = f.Sequence
	last.Timestamp = f.Timestamp
	return true
}

// take removes and returns everything queued.
func (o *outbox) take() []protocol.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.frames
	o.frames = nil
	return out
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.frames = nil
}

func (o *outbox) stats() (queued, coalesced int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames), o.coalesced
}
