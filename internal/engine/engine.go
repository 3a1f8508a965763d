// Package engine is the call orchestrator: one state machine per engine,
// one call at a time, every mutation on a single run-loop goroutine fed by
// the public API and the signaling subscription.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/pigeonchat/callengine/internal/media"
	"github.com/pigeonchat/callengine/internal/metrics"
	"github.com/pigeonchat/callengine/internal/negotiator"
	"github.com/pigeonchat/callengine/internal/signaling"
)

// Transport is the borrowed signaling channel. The engine does not manage
// its lifecycle; it only requires it to be connected before emitting, which
// Send enforces with a bounded wait.
type Transport interface {
	Send(ctx context.Context, msg signaling.Message) error
	Subscribe() (<-chan signaling.Message, func())
}

// Config carries the negotiation knobs the engine passes down per call.
type Config struct {
	ICEServers []webrtc.ICEServer

	CandidateQueueSize    int
	CandidateRedrainDelay time.Duration

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// Net overrides the network stack for tests (in-memory vnet).
	Net transport.Net
}

type command struct {
	fn    func() error
	errCh chan error
}

// Engine drives the call lifecycle. Construct with New, release with Close.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	transport Transport
	source    media.Source
	api       *webrtc.API
	notifier  *notifier

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	done   chan struct{}

	closeOnce sync.Once

	// call is owned by the run loop.
	call *call

	infoMu sync.Mutex
	info   Info
}

// New builds the engine and starts its run loop.
func New(cfg Config, tp Transport, source media.Source, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	api, err := negotiator.NewAPI(negotiator.APIConfig{
		ICEDisconnectedTimeout: cfg.ICEDisconnectedTimeout,
		ICEFailedTimeout:       cfg.ICEFailedTimeout,
		ICEKeepaliveInterval:   cfg.ICEKeepaliveInterval,
		Net:                    cfg.Net,
	}, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		metrics:   m,
		transport: tp,
		source:    source,
		api:       api,
		notifier:  newNotifier(),
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan command),
		done:      make(chan struct{}),
		info:      Info{State: StateIdle},
	}
	go e.run()
	return e, nil
}

func (e *Engine) run() {
	msgs, unsub := e.transport.Subscribe()
	defer unsub()

	for {
		select {
		case <-e.ctx.Done():
			if c := e.call; c != nil {
				if c.id != "" {
					e.sendFinal(signaling.Message{Type: signaling.TypeHangup, CallID: c.id, Reason: string(EndReasonHangup)})
				}
				e.endCall(c, EndReasonHangup, nil)
			}
			e.notifier.close()
			close(e.done)
			return
		case cmd := <-e.cmds:
			cmd.errCh <- cmd.fn()
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			// SignalsReceived is counted by the transport on receipt.
			e.handleSignal(msg)
		}
	}
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(fn func() error) error {
	cmd := command{fn: fn, errCh: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.done:
		return ErrClosed
	}
	select {
	case err := <-cmd.errCh:
		return err
	case <-e.done:
		return ErrClosed
	}
}

// post schedules fn on the loop without waiting. Reports whether the loop
// accepted it.
func (e *Engine) post(fn func()) bool {
	cmd := command{fn: func() error { fn(); return nil }, errCh: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// Close tears down any in-flight call and stops the run loop.
func (e *Engine) Close() error {
	e.closeOnce.Do(e.cancel)
	<-e.done
	return nil
}

// State returns a snapshot of the current call.
func (e *Engine) State() Info {
	e.infoMu.Lock()
	defer e.infoMu.Unlock()
	return e.info
}

// Subscribe registers an event listener. Multiple subscribers each receive
// every event; cancel releases the channel.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.notifier.subscribe()
}

// StartCall places a voice call to target.
func (e *Engine) StartCall(target string) error {
	return e.do(func() error {
		return e.startCall(target, signaling.CallTypeVoice, media.FacingFront)
	})
}

// StartVideoCall places a video call to target using the given camera.
func (e *Engine) StartVideoCall(target string, facing media.Facing) error {
	return e.do(func() error {
		return e.startCall(target, signaling.CallTypeVideo, facing)
	})
}

// AnswerCall accepts the ringing incoming call.
func (e *Engine) AnswerCall() error {
	return e.do(e.answerCall)
}

// DeclineCall rejects the ringing incoming call.
func (e *Engine) DeclineCall(reason string) error {
	return e.do(func() error { return e.declineCall(reason) })
}

// HangupCall ends the current call. Without a call it does nothing.
func (e *Engine) HangupCall() error {
	return e.do(e.hangupCall)
}

// SetMuted pauses or resumes the outbound audio track.
func (e *Engine) SetMuted(muted bool) error {
	return e.do(func() error { return e.setMuted(muted) })
}

// ToggleMute flips the mute flag and returns the new value.
func (e *Engine) ToggleMute() (bool, error) {
	var muted bool
	err := e.do(func() error {
		c := e.call
		if c == nil || c.stream == nil {
			return ErrNoCall
		}
		if err := e.setMuted(!c.muted); err != nil {
			return err
		}
		muted = c.muted
		return nil
	})
	return muted, err
}

// ToggleVideo pauses or resumes the outbound video track. Video calls only.
func (e *Engine) ToggleVideo() (bool, error) {
	var enabled bool
	err := e.do(func() error {
		c := e.call
		if c == nil || c.stream == nil {
			return ErrNoCall
		}
		if !c.video() {
			return ErrVoiceCall
		}
		next := !c.videoEnabled
		if err := c.neg.SetTrackEnabled(webrtc.RTPCodecTypeVideo, next); err != nil {
			return callErr(CodeNegotiationFailure, "toggle video", err)
		}
		c.videoEnabled = next
		enabled = next
		e.publishState(c)
		return nil
	})
	return enabled, err
}

// SwitchCamera swaps to the opposite camera by replacing the outbound video
// track in place. The established connection is not renegotiated.
func (e *Engine) SwitchCamera() error {
	return e.do(func() error {
		c := e.call
		if c == nil || c.stream == nil {
			return ErrNoCall
		}
		if !c.video() {
			return ErrVoiceCall
		}
		track, err := c.stream.SwitchCamera(e.ctx)
		if err != nil {
			return callErr(mediaErrorCode(err), "switch camera", err)
		}
		if err := c.neg.ReplaceVideoTrack(track); err != nil {
			return callErr(CodeNegotiationFailure, "switch camera", err)
		}
		c.facing = c.stream.Facing()
		return nil
	})
}

// ToggleSpeaker flips the speaker flag and returns the new value. Output
// routing is the presentation layer's job; the engine tracks and announces
// the flag.
func (e *Engine) ToggleSpeaker() (bool, error) {
	var on bool
	err := e.do(func() error {
		c := e.call
		if c == nil {
			return ErrNoCall
		}
		c.speakerOn = !c.speakerOn
		on = c.speakerOn
		e.publishState(c)
		return nil
	})
	return on, err
}

func (e *Engine) startCall(target string, callType signaling.CallType, facing media.Facing) error {
	if e.call != nil {
		return ErrAlreadyInCall
	}
	if target == "" {
		return errors.New("engine: empty target user id")
	}

	neg, err := e.newNegotiator()
	if err != nil {
		return callErr(CodeNegotiationFailure, "start call", err)
	}

	c := &call{
		attemptID:    uuid.NewString(),
		role:         RoleInitiator,
		callType:     callType,
		peer:         target,
		state:        StateIdle,
		facing:       facing,
		videoEnabled: callType == signaling.CallTypeVideo,
		neg:          neg,
	}
	e.call = c
	e.wireNegotiator(c)
	e.metrics.Inc(metrics.CallsStarted)
	e.logger.Info("starting call", "target", target, "call_type", callType)
	e.setState(c, StateInitiating)

	e.beginAcquisition(c, c.video(), facing, e.finishStart)
	return nil
}

// finishStart runs on the loop once the initiator's media is up: attach
// tracks, create the offer, emit initiate.
func (e *Engine) finishStart(c *call, stream *media.Stream) {
	c.stream = stream
	if err := e.attachLocalTracks(c); err != nil {
		e.failCall(c, callErr(CodeNegotiationFailure, "attach tracks", err))
		return
	}

	offer, err := c.neg.CreateOffer(false)
	if err != nil {
		e.failCall(c, callErr(CodeNegotiationFailure, "create offer", err))
		return
	}

	msg := signaling.Message{
		Type:           signaling.TypeInitiate,
		TargetUserID:   c.peer,
		CallType:       c.callType,
		ConversationID: c.conversationID,
		SDP:            signaling.SDPFromPion(offer),
	}
	if err := e.send(msg); err != nil {
		e.failCall(c, callErr(CodeTransportUnavail, "send initiate", err))
	}
}

func (e *Engine) answerCall() error {
	c := e.call
	if c == nil || c.role != RoleReceiver || c.state != StateRinging {
		return ErrNotRinging
	}

	e.logger.Info("answering call", "call_id", c.id, "caller", c.peer)
	e.setState(c, StateConnecting)
	e.beginAcquisition(c, c.video(), c.facing, e.finishAnswer)
	return nil
}

// finishAnswer runs on the loop once the receiver's media is up: attach
// tracks, apply the stored offer (draining queued candidates), answer, emit
// accept, flush the outbound queue.
func (e *Engine) finishAnswer(c *call, stream *media.Stream) {
	c.stream = stream
	if err := e.attachLocalTracks(c); err != nil {
		e.failCall(c, callErr(CodeNegotiationFailure, "attach tracks", err))
		return
	}

	offer, err := c.remoteOffer.ToPion()
	if err != nil {
		e.failCall(c, callErr(CodeNegotiationFailure, "parse offer", err))
		return
	}
	if err := c.neg.SetRemoteDescription(offer); err != nil {
		e.failCall(c, callErr(CodeNegotiationFailure, "apply offer", err))
		return
	}

	answer, err := c.neg.CreateAnswer()
	if err != nil {
		e.failCall(c, callErr(CodeNegotiationFailure, "create answer", err))
		return
	}

	msg := signaling.Message{
		Type:   signaling.TypeAccept,
		CallID: c.id,
		SDP:    signaling.SDPFromPion(answer),
	}
	if err := e.send(msg); err != nil {
		e.failCall(c, callErr(CodeTransportUnavail, "send accept", err))
		return
	}

	c.neg.FlushLocal(e.candidateSender(c.id))
	e.metrics.Inc(metrics.CallsAnswered)
}

func (e *Engine) declineCall(reason string) error {
	c := e.call
	if c == nil || c.role != RoleReceiver || c.state != StateRinging {
		return ErrNotRinging
	}
	if reason == "" {
		reason = string(EndReasonDeclined)
	}

	// Best effort: the relay still times the call out if this is lost.
	_ = e.send(signaling.Message{Type: signaling.TypeDecline, CallID: c.id, Reason: reason})
	e.metrics.Inc(metrics.CallsDeclined)
	e.endCall(c, EndReasonDeclined, nil)
	return nil
}

func (e *Engine) hangupCall() error {
	c := e.call
	if c == nil {
		return nil
	}
	if c.id != "" {
		_ = e.send(signaling.Message{Type: signaling.TypeHangup, CallID: c.id, Reason: string(EndReasonHangup)})
	}
	e.endCall(c, EndReasonHangup, nil)
	return nil
}

func (e *Engine) setMuted(muted bool) error {
	c := e.call
	if c == nil || c.stream == nil {
		return ErrNoCall
	}
	if c.muted == muted {
		return nil
	}
	if err := c.neg.SetTrackEnabled(webrtc.RTPCodecTypeAudio, !muted); err != nil {
		return callErr(CodeNegotiationFailure, "set muted", err)
	}
	c.muted = muted
	e.publishState(c)
	return nil
}

func (e *Engine) newNegotiator() (*negotiator.Negotiator, error) {
	return negotiator.New(e.api, negotiator.Config{
		ICEServers:   e.cfg.ICEServers,
		QueueSize:    e.cfg.CandidateQueueSize,
		RedrainDelay: e.cfg.CandidateRedrainDelay,
	}, e.logger, e.metrics)
}

// wireNegotiator routes negotiator callbacks onto the loop, tagged with the
// attempt they belong to so late callbacks cannot touch a newer call.
func (e *Engine) wireNegotiator(c *call) {
	attemptID := c.attemptID

	c.neg.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.post(func() { e.handleICEState(attemptID, state) })
	})

	c.neg.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		e.post(func() {
			cur := e.call
			if cur == nil || cur.attemptID != attemptID {
				return
			}
			e.publish(Event{Kind: EventRemoteStreamUpdated, Call: cur.info(), RemoteTrack: track})
		})
	})
}

// beginAcquisition captures local media on a helper goroutine and posts the
// outcome back to the loop. Hangup/decline cancels the capture; a stream
// that completes after cancellation is released immediately.
func (e *Engine) beginAcquisition(c *call, video bool, facing media.Facing, done func(*call, *media.Stream)) {
	ctx, cancel := context.WithCancel(e.ctx)
	c.acquireCancel = cancel
	attemptID := c.attemptID

	go func() {
		stream, err := e.source.Acquire(ctx, video, facing)
		delivered := e.post(func() {
			cur := e.call
			if cur == nil || cur.attemptID != attemptID {
				if stream != nil {
					_ = stream.Close()
				}
				return
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				e.failCall(cur, callErr(mediaErrorCode(err), "acquire media", err))
				return
			}
			done(cur, stream)
		})
		if !delivered && stream != nil {
			_ = stream.Close()
		}
	}()
}

func (e *Engine) attachLocalTracks(c *call) error {
	var attached bool
	if track := c.stream.Audio(); track != nil {
		if _, err := c.neg.AddTrack(track); err != nil {
			return err
		}
		attached = true
	}
	if track := c.stream.Video(); track != nil {
		if _, err := c.neg.AddTrack(track); err != nil {
			return err
		}
		attached = true
	}
	if !attached {
		// Receive-only call: keep the SDP m-lines valid.
		return c.neg.AddRecvOnlyTransceivers(c.video())
	}
	return nil
}

func (e *Engine) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeInitiated:
		e.handleInitiated(msg)
	case signaling.TypeIncoming:
		e.handleIncoming(msg)
	case signaling.TypeAccepted:
		e.handleAccepted(msg)
	case signaling.TypeAcceptConfirmed:
		e.handleAcceptConfirmed(msg)
	case signaling.TypeDeclined:
		e.handleRemoteEnd(msg, EndReasonDeclined)
	case signaling.TypeEnded:
		e.handleRemoteEnd(msg, EndReasonHangup)
	case signaling.TypeTimeout:
		e.handleRemoteEnd(msg, EndReasonTimeout)
	case signaling.TypeICECandidate:
		e.handleCandidate(msg)
	case signaling.TypeRenegotiate:
		e.handleRenegotiate(msg)
	case signaling.TypeError:
		e.handleServerError(msg)
	default:
		e.logger.Debug("ignoring signal", "type", msg.Type)
	}
}

func (e *Engine) handleInitiated(msg signaling.Message) {
	c := e.call
	if c == nil || c.role != RoleInitiator || c.state != StateInitiating || c.id != "" {
		e.logger.Debug("ignoring initiated", "call_id", msg.CallID)
		return
	}

	c.id = msg.CallID
	e.logger.Info("call id assigned", "call_id", c.id)
	e.publishState(c)
	flushed := c.neg.FlushLocal(e.candidateSender(c.id))
	if flushed > 0 {
		e.logger.Debug("flushed queued candidates", "count", flushed, "call_id", c.id)
	}
}

func (e *Engine) handleIncoming(msg signaling.Message) {
	if msg.SDP == nil {
		e.logger.Warn("incoming call without sdp", "call_id", msg.CallID)
		return
	}
	if e.call != nil {
		// Busy: reject so the caller is not left ringing until the relay
		// timeout.
		e.logger.Info("declining incoming call while busy", "call_id", msg.CallID, "caller", msg.CallerID)
		_ = e.send(signaling.Message{Type: signaling.TypeDecline, CallID: msg.CallID, Reason: "busy"})
		return
	}

	neg, err := e.newNegotiator()
	if err != nil {
		e.logger.Error("cannot create negotiator for incoming call", "call_id", msg.CallID, "err", err)
		_ = e.send(signaling.Message{Type: signaling.TypeDecline, CallID: msg.CallID, Reason: "error"})
		return
	}

	// The negotiator exists before the user answers so inbound candidates
	// have somewhere to queue.
	c := &call{
		attemptID:      uuid.NewString(),
		id:             msg.CallID,
		role:           RoleReceiver,
		callType:       msg.CallType,
		peer:           msg.CallerID,
		conversationID: msg.ConversationID,
		state:          StateIdle,
		facing:         media.FacingFront,
		videoEnabled:   msg.CallType == signaling.CallTypeVideo,
		remoteOffer:    msg.SDP,
		neg:            neg,
	}
	e.call = c
	e.wireNegotiator(c)
	e.logger.Info("incoming call", "call_id", c.id, "caller", c.peer, "call_type", c.callType)
	e.publish(Event{Kind: EventIncomingCall, Call: c.info(), CallerID: c.peer, CallType: c.callType})
	e.setState(c, StateRinging)
}

func (e *Engine) handleAccepted(msg signaling.Message) {
	c := e.call
	if c == nil || c.role != RoleInitiator || c.state != StateInitiating || c.id != msg.CallID {
		e.logger.Debug("ignoring accepted", "call_id", msg.CallID)
		return
	}

	if msg.SDP == nil {
		e.failCall(c, callErr(CodeNegotiationFailure, "parse answer", errors.New("accepted signal without sdp")))
		return
	}
	answer, err := msg.SDP.ToPion()
	if err != nil {
		e.failCall(c, callErr(CodeNegotiationFailure, "parse answer", err))
		return
	}
	if err := c.neg.SetRemoteDescription(answer); err != nil {
		e.failCall(c, callErr(CodeNegotiationFailure, "apply answer", err))
		return
	}
	e.goActive(c, "accepted")
}

func (e *Engine) handleAcceptConfirmed(msg signaling.Message) {
	c := e.call
	if c == nil || c.role != RoleReceiver || c.state != StateConnecting || c.id != msg.CallID {
		e.logger.Debug("ignoring accept_confirmed", "call_id", msg.CallID)
		return
	}
	e.goActive(c, "accept_confirmed")
}

func (e *Engine) handleRemoteEnd(msg signaling.Message, reason EndReason) {
	c := e.call
	if c == nil || c.id != msg.CallID {
		// Duplicate delivery after cleanup is a no-op.
		e.logger.Debug("ignoring remote end", "type", msg.Type, "call_id", msg.CallID)
		return
	}
	e.logger.Info("call ended by remote", "call_id", c.id, "reason", msg.Reason, "kind", reason)
	e.endCall(c, reason, nil)
}

func (e *Engine) handleCandidate(msg signaling.Message) {
	c := e.call
	if c == nil || c.id != msg.CallID {
		e.logger.Debug("ignoring candidate", "call_id", msg.CallID)
		return
	}
	c.neg.AddRemoteCandidate(msg.Candidate.ToPion())
}

func (e *Engine) handleRenegotiate(msg signaling.Message) {
	c := e.call
	if c == nil || c.id != msg.CallID {
		e.logger.Debug("ignoring renegotiate", "call_id", msg.CallID)
		return
	}

	if msg.SDP == nil {
		e.logger.Warn("renegotiate without sdp", "call_id", c.id)
		return
	}
	desc, err := msg.SDP.ToPion()
	if err != nil {
		e.logger.Warn("renegotiate with bad sdp", "call_id", c.id, "err", err)
		return
	}

	if desc.Type == webrtc.SDPTypeOffer {
		if err := c.neg.SetRemoteDescription(desc); err != nil {
			e.failCall(c, callErr(CodeNegotiationFailure, "apply renegotiation offer", err))
			return
		}
		answer, err := c.neg.CreateAnswer()
		if err != nil {
			e.failCall(c, callErr(CodeNegotiationFailure, "answer renegotiation", err))
			return
		}
		_ = e.send(signaling.Message{
			Type:   signaling.TypeRenegotiate,
			CallID: c.id,
			SDP:    signaling.SDPFromPion(answer),
		})
		return
	}

	if err := c.neg.SetRemoteDescription(desc); err != nil {
		e.failCall(c, callErr(CodeNegotiationFailure, "apply renegotiation answer", err))
	}
}

func (e *Engine) handleServerError(msg signaling.Message) {
	cerr := callErr(ErrorCode(msg.Code), "signaling", errors.New(msg.Message))
	c := e.call
	if c == nil {
		e.publish(Event{Kind: EventError, Call: Info{State: StateIdle}, Err: cerr})
		return
	}
	e.endCall(c, EndReasonFailed, cerr)
}

// handleICEState reacts to ICE transitions for the tagged call attempt.
// A failure before active gets one restart attempt; after active, or when
// the retry fails too, the call is torn down.
func (e *Engine) handleICEState(attemptID string, state webrtc.ICEConnectionState) {
	c := e.call
	if c == nil || c.attemptID != attemptID {
		return
	}

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		e.goActive(c, "ice")
	case webrtc.ICEConnectionStateDisconnected:
		e.logger.Warn("ice disconnected, waiting for recovery", "call_id", c.id)
	case webrtc.ICEConnectionStateFailed:
		if c.state != StateActive && !c.iceRestartAttempted && c.id != "" {
			c.iceRestartAttempted = true
			offer, err := c.neg.CreateOffer(true)
			if err == nil {
				sendErr := e.send(signaling.Message{
					Type:   signaling.TypeRenegotiate,
					CallID: c.id,
					SDP:    signaling.SDPFromPion(offer),
				})
				if sendErr == nil {
					e.metrics.Inc(metrics.IceRestarts)
					e.logger.Info("ice restart offered", "call_id", c.id)
					return
				}
			}
		}
		e.failCall(c, callErr(CodeIceFailure, "ice", errors.New("ice connection failed")))
	}
}

// goActive is the first-signal-wins transition to active. It fires on
// whichever of accepted, accept_confirmed, or ICE connected arrives first;
// the rest are no-ops.
func (e *Engine) goActive(c *call, trigger string) {
	switch c.state {
	case StateInitiating, StateConnecting:
	default:
		return
	}
	e.logger.Info("call active", "call_id", c.id, "trigger", trigger)
	e.setState(c, StateActive)
}

// failCall notifies the counterpart best-effort, then ends the call with the
// error attached.
func (e *Engine) failCall(c *call, cerr *CallError) {
	e.metrics.Inc(metrics.CallsFailed)
	e.logger.Error("call failed", "call_id", c.id, "code", cerr.Code, "err", cerr.Err)

	if c.id != "" {
		typ := signaling.TypeHangup
		if c.role == RoleReceiver && (c.state == StateRinging || c.state == StateConnecting) {
			typ = signaling.TypeDecline
		}
		_ = e.send(signaling.Message{Type: typ, CallID: c.id, Reason: "error"})
	}
	e.endCall(c, EndReasonFailed, cerr)
}

// endCall runs the terminal transition: ended, notifications, cleanup, idle.
func (e *Engine) endCall(c *call, reason EndReason, cerr *CallError) {
	if e.call != c {
		return
	}

	e.metrics.Inc(metrics.CallsEnded)
	e.setState(c, StateEnded)
	if cerr != nil {
		e.publish(Event{Kind: EventError, Call: c.info(), Err: cerr})
	}
	e.publish(Event{Kind: EventCallEnded, Call: c.info(), Reason: reason})
	e.cleanup(c)
}

// cleanup releases everything the call owned and returns the engine to idle.
// Closing the negotiator detaches its handlers before closing the peer
// connection and clears both candidate queues.
func (e *Engine) cleanup(c *call) {
	if c.acquireCancel != nil {
		c.acquireCancel()
		c.acquireCancel = nil
	}
	if c.neg != nil {
		_ = c.neg.Close()
	}
	if c.stream != nil {
		_ = c.stream.Close()
	}

	e.call = nil
	idle := Info{State: StateIdle}
	e.updateInfo(idle)
	e.publish(Event{Kind: EventRemoteStreamUpdated, Call: idle, RemoteTrack: nil})
	e.publish(Event{Kind: EventStateChanged, Call: idle})
}

func (e *Engine) candidateSender(callID string) func(webrtc.ICECandidateInit) {
	return func(init webrtc.ICECandidateInit) {
		err := e.send(signaling.Message{
			Type:      signaling.TypeICECandidate,
			CallID:    callID,
			Candidate: signaling.CandidateFromPion(init),
		})
		if err != nil {
			e.logger.Warn("candidate send failed", "call_id", callID, "err", err)
		}
	}
}

func (e *Engine) send(msg signaling.Message) error {
	if err := e.transport.Send(e.ctx, msg); err != nil {
		e.logger.Warn("signal send failed", "type", msg.Type, "err", err)
		return err
	}
	return nil
}

// sendFinal is the shutdown-path send; the loop context is already
// cancelled, so it gets its own short deadline.
func (e *Engine) sendFinal(msg signaling.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = e.transport.Send(ctx, msg)
}

func (e *Engine) setState(c *call, s State) {
	c.state = s
	e.publishState(c)
}

func (e *Engine) publishState(c *call) {
	info := c.info()
	e.updateInfo(info)
	e.publish(Event{Kind: EventStateChanged, Call: info})
}

func (e *Engine) updateInfo(info Info) {
	e.infoMu.Lock()
	e.info = info
	e.infoMu.Unlock()
}

func (e *Engine) publish(ev Event) {
	e.notifier.publish(ev)
}
