package engine

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pigeonchat/callengine/internal/signaling"
)

// EventKind discriminates engine notifications.
type EventKind string

const (
	EventStateChanged        EventKind = "state_changed"
	EventIncomingCall        EventKind = "incoming_call"
	EventCallEnded           EventKind = "call_ended"
	EventError               EventKind = "error"
	EventRemoteStreamUpdated EventKind = "remote_stream_updated"
)

// Event is one presentation-facing notification.
type Event struct {
	Kind EventKind
	Call Info

	// CallerID and CallType are set on incoming_call.
	CallerID string
	CallType signaling.CallType

	// Reason is set on call_ended.
	Reason EndReason

	// Err is set on error events.
	Err *CallError

	// RemoteTrack is set on remote_stream_updated; nil means the remote
	// stream went away (cleanup).
	RemoteTrack *webrtc.TrackRemote
}

const eventBuffer = 16

// notifier fans events out to every subscriber. A subscriber that stops
// reading loses events rather than blocking the engine.
type notifier struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[chan Event]struct{})}
}

func (n *notifier) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *notifier) publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for ch := range n.subs {
		delete(n.subs, ch)
		close(ch)
	}
}
