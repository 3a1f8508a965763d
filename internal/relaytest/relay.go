// Package relaytest is an in-process signaling relay speaking the engine's
// wire protocol. It backs the engine integration tests and the loopback demo;
// it is not a production server.
package relaytest

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pigeonchat/callengine/internal/ratelimit"
	"github.com/pigeonchat/callengine/internal/signaling"
)

const (
	defaultRingTimeout  = 30 * time.Second
	defaultMessageBurst = 64
	defaultMessageRate  = 32
)

type Config struct {
	// RingTimeout is how long an unanswered call rings before the relay
	// times it out. The relay, not the clients, is the timeout authority.
	RingTimeout time.Duration

	// MessageBurst/MessageRate cap signaling messages per connection
	// (token bucket capacity and refill per second). Messages over the
	// budget are dropped.
	MessageBurst int64
	MessageRate  int64

	Logger *slog.Logger
}

// Server routes signaling messages between connected users and owns call id
// assignment and ring timeouts.
type Server struct {
	cfg         Config
	ringTimeout time.Duration
	logger      *slog.Logger
	router      chi.Router
	upgrader    websocket.Upgrader

	mu     sync.Mutex
	users  map[string]*conn
	calls  map[string]*relayCall
	closed bool
}

type conn struct {
	userID  string
	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex
	ws      *websocket.Conn
}

func (c *conn) send(msg signaling.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

type relayCall struct {
	id       string
	caller   string
	callee   string
	accepted bool
	ring     *time.Timer
}

func (rc *relayCall) other(userID string) string {
	if userID == rc.caller {
		return rc.callee
	}
	return rc.caller
}

func NewServer(cfg Config) *Server {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = defaultMessageBurst
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = defaultMessageRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:         cfg,
		ringTimeout: cfg.RingTimeout,
		logger:      cfg.Logger.With("component", "relay"),
		users:       make(map[string]*conn),
		calls:       make(map[string]*relayCall),
	}

	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Close disconnects every user and stops pending ring timers.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, rc := range s.calls {
		if rc.ring != nil {
			rc.ring.Stop()
		}
	}
	s.calls = map[string]*relayCall{}
	for _, c := range s.users {
		_ = c.ws.Close()
	}
	s.users = map[string]*conn{}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{
		userID:  userID,
		ws:      ws,
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{}, s.cfg.MessageBurst, s.cfg.MessageRate),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	if old, ok := s.users[userID]; ok {
		_ = old.ws.Close()
	}
	s.users[userID] = c
	s.mu.Unlock()

	s.logger.Info("user connected", "user", userID)
	s.readLoop(c)

	s.mu.Lock()
	if s.users[userID] == c {
		delete(s.users, userID)
	}
	s.mu.Unlock()
	_ = ws.Close()
	s.logger.Info("user disconnected", "user", userID)
}

func (s *Server) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow(1) {
			s.logger.Warn("dropping message over rate budget", "user", c.userID)
			continue
		}
		msg, err := signaling.Parse(data)
		if err != nil {
			s.logger.Warn("discarding malformed message", "user", c.userID, "err", err)
			continue
		}
		s.handleMessage(c, msg)
	}
}

func (s *Server) handleMessage(c *conn, msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeInitiate:
		s.handleInitiate(c, msg)
	case signaling.TypeAccept:
		s.handleAccept(c, msg)
	case signaling.TypeDecline:
		s.endCall(c, msg.CallID, signaling.TypeDeclined, msg.Reason)
	case signaling.TypeHangup:
		s.endCall(c, msg.CallID, signaling.TypeEnded, msg.Reason)
	case signaling.TypeICECandidate, signaling.TypeRenegotiate:
		s.forward(c, msg)
	default:
		s.sendError(c, "bad_request", "unexpected message type "+string(msg.Type))
	}
}

// handleInitiate mints the call id, acks the caller, and rings the callee.
func (s *Server) handleInitiate(c *conn, msg signaling.Message) {
	callID := uuid.NewString()

	s.mu.Lock()
	callee, online := s.users[msg.TargetUserID]
	if !online {
		s.mu.Unlock()
		s.sendError(c, "user_unavailable", "user "+msg.TargetUserID+" is not connected")
		return
	}

	rc := &relayCall{id: callID, caller: c.userID, callee: msg.TargetUserID}
	rc.ring = time.AfterFunc(s.ringTimeout, func() { s.ringTimedOut(callID) })
	s.calls[callID] = rc
	s.mu.Unlock()

	s.logger.Info("call initiated", "call_id", callID, "caller", c.userID, "callee", msg.TargetUserID)

	if err := c.send(signaling.Message{Type: signaling.TypeInitiated, CallID: callID}); err != nil {
		s.dropCall(callID)
		return
	}
	err := callee.send(signaling.Message{
		Type:           signaling.TypeIncoming,
		CallID:         callID,
		CallerID:       c.userID,
		CallType:       msg.CallType,
		ConversationID: msg.ConversationID,
		SDP:            msg.SDP,
	})
	if err != nil {
		s.dropCall(callID)
		s.sendError(c, "user_unavailable", "could not reach "+msg.TargetUserID)
	}
}

// handleAccept forwards the answer to the caller and confirms to the callee.
func (s *Server) handleAccept(c *conn, msg signaling.Message) {
	s.mu.Lock()
	rc, ok := s.calls[msg.CallID]
	if !ok || rc.callee != c.userID {
		s.mu.Unlock()
		s.sendError(c, "unknown_call", "no such call "+msg.CallID)
		return
	}
	rc.accepted = true
	if rc.ring != nil {
		rc.ring.Stop()
	}
	caller := s.users[rc.caller]
	s.mu.Unlock()

	if caller == nil {
		s.dropCall(msg.CallID)
		s.sendError(c, "user_unavailable", "caller went away")
		return
	}

	s.logger.Info("call accepted", "call_id", msg.CallID, "callee", c.userID)
	_ = caller.send(signaling.Message{Type: signaling.TypeAccepted, CallID: msg.CallID, SDP: msg.SDP})
	_ = c.send(signaling.Message{Type: signaling.TypeAcceptConfirmed, CallID: msg.CallID})
}

// endCall relays decline/hangup to the counterpart and forgets the call.
func (s *Server) endCall(c *conn, callID string, outType signaling.Type, reason string) {
	s.mu.Lock()
	rc, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if rc.ring != nil {
		rc.ring.Stop()
	}
	delete(s.calls, callID)
	peer := s.users[rc.other(c.userID)]
	s.mu.Unlock()

	s.logger.Info("call ended", "call_id", callID, "by", c.userID, "reason", reason)
	if peer != nil {
		_ = peer.send(signaling.Message{Type: outType, CallID: callID, Reason: reason})
	}
}

// forward relays candidates and renegotiation SDP to the counterpart.
func (s *Server) forward(c *conn, msg signaling.Message) {
	s.mu.Lock()
	rc, ok := s.calls[msg.CallID]
	var peer *conn
	if ok {
		peer = s.users[rc.other(c.userID)]
	}
	s.mu.Unlock()

	if !ok || peer == nil {
		s.logger.Debug("dropping message for unknown call", "type", msg.Type, "call_id", msg.CallID)
		return
	}
	_ = peer.send(msg)
}

// ringTimedOut fires when nobody answered: both parties get a timeout.
func (s *Server) ringTimedOut(callID string) {
	s.mu.Lock()
	rc, ok := s.calls[callID]
	if !ok || rc.accepted {
		s.mu.Unlock()
		return
	}
	delete(s.calls, callID)
	caller := s.users[rc.caller]
	callee := s.users[rc.callee]
	s.mu.Unlock()

	s.logger.Info("call timed out", "call_id", callID)
	out := signaling.Message{Type: signaling.TypeTimeout, CallID: callID, Reason: "timeout"}
	if caller != nil {
		_ = caller.send(out)
	}
	if callee != nil {
		_ = callee.send(out)
	}
}

func (s *Server) dropCall(callID string) {
	s.mu.Lock()
	if rc, ok := s.calls[callID]; ok {
		if rc.ring != nil {
			rc.ring.Stop()
		}
		delete(s.calls, callID)
	}
	s.mu.Unlock()
}

func (s *Server) sendError(c *conn, code, message string) {
	err := c.send(signaling.Message{Type: signaling.TypeError, Code: code, Message: message})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("error send failed", "user", c.userID, "err", err)
	}
}
