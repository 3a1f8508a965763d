package engine

import (
	"errors"
	"fmt"

	"github.com/pigeonchat/callengine/internal/media"
)

var (
	// ErrAlreadyInCall rejects start/answer attempts while another call is in
	// flight. The engine handles one call at a time.
	ErrAlreadyInCall = errors.New("engine: already in a call")
	// ErrNotRinging rejects answer/decline without a ringing incoming call.
	ErrNotRinging = errors.New("engine: no ringing call")
	// ErrNoCall rejects media controls without a call that holds a stream.
	ErrNoCall = errors.New("engine: no call in progress")
	// ErrVoiceCall rejects video controls on a voice call.
	ErrVoiceCall = errors.New("engine: not a video call")

	ErrClosed = errors.New("engine: closed")
)

// ErrorCode classifies call failures for the presentation layer.
type ErrorCode string

const (
	CodeUserDenied         ErrorCode = "user_denied"
	CodeDeviceUnavailable  ErrorCode = "device_unavailable"
	CodeTransportUnavail   ErrorCode = "transport_unavailable"
	CodeNegotiationFailure ErrorCode = "negotiation_failure"
	CodeIceFailure         ErrorCode = "ice_failure"

	// CodeRemoteRejection is a normal terminal outcome (decline, timeout,
	// remote hangup), not a fault. It is carried on call-ended events rather
	// than error events.
	CodeRemoteRejection ErrorCode = "remote_rejection"
)

// CallError is the one error type the engine surfaces for call failures.
type CallError struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func callErr(code ErrorCode, op string, err error) *CallError {
	return &CallError{Code: code, Op: op, Err: err}
}

// mediaErrorCode maps media acquisition failures onto the taxonomy.
func mediaErrorCode(err error) ErrorCode {
	if errors.Is(err, media.ErrPermissionDenied) {
		return CodeUserDenied
	}
	return CodeDeviceUnavailable
}
