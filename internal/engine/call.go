package engine

import (
	"context"

	"github.com/pigeonchat/callengine/internal/media"
	"github.com/pigeonchat/callengine/internal/negotiator"
	"github.com/pigeonchat/callengine/internal/signaling"
)

// State is the lifecycle state of a call.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

// Role fixes which negotiation steps are legal for this end of the call.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// EndReason says why a call reached ended.
type EndReason string

const (
	EndReasonHangup   EndReason = "hangup"
	EndReasonDeclined EndReason = "declined"
	EndReasonTimeout  EndReason = "timeout"
	EndReasonFailed   EndReason = "failed"
)

// call is the loop-owned state of the current call attempt. Only the run
// loop goroutine touches it.
type call struct {
	// id is empty for the initiator until the relay's initiated arrives.
	id string
	// attemptID correlates async completions (media acquisition, negotiator
	// callbacks) with the call attempt they belong to, so work finishing
	// after a hangup cannot touch a newer call.
	attemptID      string
	role           Role
	callType       signaling.CallType
	peer           string
	conversationID string

	state  State
	facing media.Facing

	muted        bool
	videoEnabled bool
	speakerOn    bool

	neg    *negotiator.Negotiator
	stream *media.Stream

	// remoteOffer is the receiver's pending offer, applied when the user
	// answers.
	remoteOffer *signaling.SDP

	acquireCancel context.CancelFunc

	iceRestartAttempted bool
}

func (c *call) video() bool {
	return c.callType == signaling.CallTypeVideo
}

// Info is an immutable snapshot of call state handed to callers and carried
// on events.
type Info struct {
	CallID       string
	Peer         string
	Role         Role
	CallType     signaling.CallType
	State        State
	Muted        bool
	VideoEnabled bool
	SpeakerOn    bool
}

func (c *call) info() Info {
	if c == nil {
		return Info{State: StateIdle}
	}
	return Info{
		CallID:       c.id,
		Peer:         c.peer,
		Role:         c.role,
		CallType:     c.callType,
		State:        c.state,
		Muted:        c.muted,
		VideoEnabled: c.videoEnabled,
		SpeakerOn:    c.speakerOn,
	}
}
