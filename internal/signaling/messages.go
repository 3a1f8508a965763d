package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type Type string

// Client -> relay.
const (
	TypeInitiate     Type = "initiate"
	TypeAccept       Type = "accept"
	TypeDecline      Type = "decline"
	TypeHangup       Type = "hangup"
	TypeICECandidate Type = "ice_candidate"
	TypeRenegotiate  Type = "renegotiate"
)

// Relay -> client.
const (
	TypeInitiated       Type = "initiated"
	TypeIncoming        Type = "incoming"
	TypeAccepted        Type = "accepted"
	TypeAcceptConfirmed Type = "accept_confirmed"
	TypeDeclined        Type = "declined"
	TypeEnded           Type = "ended"
	TypeTimeout         Type = "timeout"
	TypeError           Type = "error"
)

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) *SDP {
	return &SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the envelope for everything exchanged with the relay. Exactly
// one Type-appropriate subset of fields is populated; Validate enforces it.
type Message struct {
	Type Type `json:"type"`

	CallID         string   `json:"callId,omitempty"`
	TargetUserID   string   `json:"targetUserId,omitempty"`
	CallerID       string   `json:"callerId,omitempty"`
	CallType       CallType `json:"callType,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Reason string `json:"reason,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes and validates one wire message.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// Encode validates and marshals the message for the wire.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeInitiate:
		if m.TargetUserID == "" {
			return fmt.Errorf("initiate message missing targetUserId")
		}
		if !m.CallType.Valid() {
			return fmt.Errorf("initiate message has callType=%q", m.CallType)
		}
		if err := requireSDP(m, "offer"); err != nil {
			return err
		}
		if m.CallID != "" || m.CallerID != "" || m.Candidate != nil {
			return fmt.Errorf("initiate message has unexpected fields")
		}
	case TypeInitiated:
		if err := requireCallID(m); err != nil {
			return err
		}
		if m.SDP != nil || m.Candidate != nil || m.CallType != "" {
			return fmt.Errorf("initiated message has unexpected fields")
		}
	case TypeIncoming:
		if err := requireCallID(m); err != nil {
			return err
		}
		if m.CallerID == "" {
			return fmt.Errorf("incoming message missing callerId")
		}
		if !m.CallType.Valid() {
			return fmt.Errorf("incoming message has callType=%q", m.CallType)
		}
		if err := requireSDP(m, "offer"); err != nil {
			return err
		}
	case TypeAccept, TypeAccepted:
		if err := requireCallID(m); err != nil {
			return err
		}
		if err := requireSDP(m, "answer"); err != nil {
			return err
		}
		if m.TargetUserID != "" || m.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case TypeAcceptConfirmed:
		if err := requireCallID(m); err != nil {
			return err
		}
		if m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("accept_confirmed message has unexpected fields")
		}
	case TypeDecline, TypeDeclined, TypeHangup, TypeEnded, TypeTimeout:
		if err := requireCallID(m); err != nil {
			return err
		}
		if m.SDP != nil || m.Candidate != nil || m.TargetUserID != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case TypeICECandidate:
		if err := requireCallID(m); err != nil {
			return err
		}
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("ice_candidate message missing candidate")
		}
		if m.SDP != nil {
			return fmt.Errorf("ice_candidate message has unexpected fields")
		}
	case TypeRenegotiate:
		if err := requireCallID(m); err != nil {
			return err
		}
		if m.SDP == nil || (m.SDP.Type != "offer" && m.SDP.Type != "answer") {
			return fmt.Errorf("renegotiate message missing sdp offer/answer")
		}
		if m.Candidate != nil {
			return fmt.Errorf("renegotiate message has unexpected fields")
		}
	case TypeError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
		if m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("error message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func requireCallID(m Message) error {
	if m.CallID == "" {
		return fmt.Errorf("%s message missing callId", m.Type)
	}
	return nil
}

func requireSDP(m Message, want string) error {
	if m.SDP == nil {
		return fmt.Errorf("%s message missing sdp", m.Type)
	}
	if m.SDP.Type != want {
		return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
	}
	return nil
}
