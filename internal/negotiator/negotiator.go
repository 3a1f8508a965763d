package negotiator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pigeonchat/callengine/internal/metrics"
)

var (
	ErrClosed           = errors.New("negotiator: closed")
	ErrNoRemote         = errors.New("negotiator: remote description not set")
	ErrRemoteAlreadySet = errors.New("negotiator: remote description already set")
	ErrNoVideoSender    = errors.New("negotiator: no video sender")
)

// Config carries per-negotiator knobs.
type Config struct {
	ICEServers []webrtc.ICEServer

	// QueueSize bounds each candidate queue.
	QueueSize int
	// RedrainDelay is how long after the first remote-queue drain the second
	// defensive drain pass runs. Zero disables the second pass.
	RedrainDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Negotiator owns one PeerConnection and the negotiation state around it.
// All methods are safe for concurrent use, though the engine serializes
// negotiation operations per call anyway.
type Negotiator struct {
	pc      *webrtc.PeerConnection
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	// sendMu orders outbound candidate emission: FlushLocal holds it while
	// draining the queue, so a candidate generated mid-flush cannot jump
	// ahead of older queued ones.
	sendMu sync.Mutex

	mu            sync.Mutex
	remoteSet     bool
	localFlushed  bool
	sendCandidate func(webrtc.ICECandidateInit)
	localPending  *candidateQueue
	remotePending *candidateQueue
	mutedTracks   map[*webrtc.RTPSender]webrtc.TrackLocal
	closed        bool

	onICEState    func(webrtc.ICEConnectionState)
	onRemoteTrack func(*webrtc.TrackRemote)

	closeOnce sync.Once
	closeErr  error
}

// New creates a Negotiator around a fresh PeerConnection from api.
func New(api *webrtc.API, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Negotiator, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := &Negotiator{
		pc:            pc,
		logger:        logger.With("component", "negotiator"),
		metrics:       m,
		cfg:           cfg,
		localPending:  newCandidateQueue(cfg.QueueSize),
		remotePending: newCandidateQueue(cfg.QueueSize),
		mutedTracks:   make(map[*webrtc.RTPSender]webrtc.TrackLocal),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.handleLocalCandidate(c.ToJSON())
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.mu.Lock()
		fn := n.onICEState
		n.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.mu.Lock()
		fn := n.onRemoteTrack
		n.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	return n, nil
}

// OnICEConnectionStateChange registers the connection-state observer.
func (n *Negotiator) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	n.mu.Lock()
	n.onICEState = fn
	n.mu.Unlock()
}

// OnRemoteTrack registers the remote-track observer.
func (n *Negotiator) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	n.mu.Lock()
	n.onRemoteTrack = fn
	n.mu.Unlock()
}

func (n *Negotiator) handleLocalCandidate(init webrtc.ICECandidateInit) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if n.localFlushed && n.sendCandidate != nil {
		send := n.sendCandidate
		n.mu.Unlock()
		n.sendMu.Lock()
		send(init)
		n.sendMu.Unlock()
		return
	}
	ok := n.localPending.Enqueue(init)
	n.mu.Unlock()

	if ok {
		n.metrics.Inc(metrics.CandidatesQueuedLocal)
	} else {
		n.metrics.Inc(metrics.CandidatesDropped)
		n.logger.Warn("local candidate queue full, dropping candidate")
	}
}

// FlushLocal drains every queued local candidate into send (in generation
// order) and routes all future candidates straight to send. The first call
// wins; repeat calls are no-ops and return 0.
func (n *Negotiator) FlushLocal(send func(webrtc.ICECandidateInit)) int {
	n.sendMu.Lock()
	defer n.sendMu.Unlock()

	n.mu.Lock()
	if n.closed || n.localFlushed {
		n.mu.Unlock()
		return 0
	}
	n.localFlushed = true
	n.sendCandidate = send
	drained := n.localPending.Drain()
	n.mu.Unlock()

	// A candidate arriving now sees localFlushed and takes the direct path,
	// where it blocks on sendMu until the drain below is done.
	for _, c := range drained {
		send(c)
	}
	n.metrics.Add(metrics.CandidatesFlushedLocal, uint64(len(drained)))
	return len(drained)
}

// AddRemoteCandidate applies c if the remote description is set, otherwise
// queues it. Malformed/empty candidates are discarded with a diagnostic;
// they are neither queued nor treated as errors.
func (n *Negotiator) AddRemoteCandidate(c webrtc.ICECandidateInit) {
	if strings.TrimSpace(c.Candidate) == "" {
		n.metrics.Inc(metrics.CandidatesDropped)
		n.logger.Debug("discarding empty remote candidate")
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if !n.remoteSet {
		ok := n.remotePending.Enqueue(c)
		n.mu.Unlock()
		if ok {
			n.metrics.Inc(metrics.CandidatesQueuedRemote)
		} else {
			n.metrics.Inc(metrics.CandidatesDropped)
			n.logger.Warn("remote candidate queue full, dropping candidate")
		}
		return
	}
	n.mu.Unlock()

	n.applyRemoteCandidate(c)
}

func (n *Negotiator) applyRemoteCandidate(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		n.metrics.Inc(metrics.CandidatesDropped)
		n.logger.Warn("failed to apply remote candidate", "err", err)
		return
	}
	n.metrics.Inc(metrics.CandidatesAppliedRemote)
}

// CreateOffer creates an offer (optionally with an ICE restart) and installs
// it as the local description.
func (n *Negotiator) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := n.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

// CreateAnswer creates an answer to the applied remote offer and installs it
// as the local description.
func (n *Negotiator) CreateAnswer() (webrtc.SessionDescription, error) {
	n.mu.Lock()
	remoteSet := n.remoteSet
	n.mu.Unlock()
	if !remoteSet {
		return webrtc.SessionDescription{}, ErrNoRemote
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the counterpart's description, then drains the
// remote candidate queue in arrival order. A second drain pass runs after
// RedrainDelay to catch candidates that raced the first drain.
func (n *Negotiator) SetRemoteDescription(desc webrtc.SessionDescription) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.remoteSet {
		// Renegotiation: offers are always allowed, answers only while a
		// local offer is pending. Queue state is already live either way.
		if desc.Type != webrtc.SDPTypeOffer && n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
			n.mu.Unlock()
			return ErrRemoteAlreadySet
		}
		n.mu.Unlock()
		if err := n.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		return nil
	}
	n.mu.Unlock()

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	n.mu.Lock()
	n.remoteSet = true
	drained := n.remotePending.Drain()
	n.mu.Unlock()

	for _, c := range drained {
		n.applyRemoteCandidate(c)
	}

	if n.cfg.RedrainDelay > 0 {
		time.AfterFunc(n.cfg.RedrainDelay, n.redrainRemote)
	}
	return nil
}

// redrainRemote is the defensive second pass over the remote queue, catching
// candidates enqueued in the window during the first drain.
func (n *Negotiator) redrainRemote() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	drained := n.remotePending.Drain()
	n.mu.Unlock()

	for _, c := range drained {
		n.applyRemoteCandidate(c)
	}
}

// RemoteDescriptionSet reports whether the counterpart's description has been
// applied.
func (n *Negotiator) RemoteDescriptionSet() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteSet
}

// PendingRemote returns how many inbound candidates are currently queued.
func (n *Negotiator) PendingRemote() int {
	return n.remotePending.Len()
}

// AddTrack attaches a local track for sending.
func (n *Negotiator) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := n.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	return sender, nil
}

// AddRecvOnlyTransceivers ensures offers/answers carry valid audio (and,
// optionally, video) m-lines even when no local media was attached.
func (n *Negotiator) AddRecvOnlyTransceivers(video bool) error {
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if _, err := n.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init); err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	if video {
		if _, err := n.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

// SetTrackEnabled pauses or resumes outbound tracks of the given kind by
// replacing the sender's track with nil (and back). Track replacement does
// not renegotiate, which is the point: mute must never disturb the
// established connection.
func (n *Negotiator) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	for _, sender := range n.pc.GetSenders() {
		if enabled {
			orig, ok := n.mutedTracks[sender]
			if !ok || orig.Kind() != kind {
				continue
			}
			if err := sender.ReplaceTrack(orig); err != nil {
				return fmt.Errorf("restore %s track: %w", kind, err)
			}
			delete(n.mutedTracks, sender)
			continue
		}

		track := sender.Track()
		if track == nil || track.Kind() != kind {
			continue
		}
		if err := sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("pause %s track: %w", kind, err)
		}
		n.mutedTracks[sender] = track
	}
	return nil
}

// ReplaceVideoTrack swaps the outbound video track in place (camera switch)
// without renegotiating.
func (n *Negotiator) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	for _, sender := range n.pc.GetSenders() {
		current := sender.Track()
		if current != nil && current.Kind() == webrtc.RTPCodecTypeVideo {
			if err := sender.ReplaceTrack(track); err != nil {
				return fmt.Errorf("replace video track: %w", err)
			}
			return nil
		}
		// The sender may be video but currently muted.
		if orig, ok := n.mutedTracks[sender]; ok && orig.Kind() == webrtc.RTPCodecTypeVideo {
			n.mutedTracks[sender] = track
			return nil
		}
	}
	return ErrNoVideoSender
}

// ICEConnectionState returns the current ICE connection state.
func (n *Negotiator) ICEConnectionState() webrtc.ICEConnectionState {
	return n.pc.ICEConnectionState()
}

// Close detaches every handler before closing the PeerConnection, so no late
// pion callback can reach into a cleaned-up call, then clears both queues.
// Idempotent.
func (n *Negotiator) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.onICEState = nil
		n.onRemoteTrack = nil
		n.sendCandidate = nil
		n.mu.Unlock()

		n.pc.OnICECandidate(nil)
		n.pc.OnICEConnectionStateChange(nil)
		n.pc.OnTrack(nil)

		n.localPending.Close()
		n.remotePending.Close()

		n.closeErr = n.pc.Close()
	})
	return n.closeErr
}
