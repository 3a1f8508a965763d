package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pigeonchat/callengine/internal/metrics"
)

var (
	ErrNotConnected = errors.New("signaling: transport not connected")
	ErrClosed       = errors.New("signaling: client closed")
)

const (
	// subscriberBuffer is per-subscriber; a subscriber that falls this far
	// behind starts losing messages (counted in SignalsDropped).
	subscriberBuffer = 32

	reconnectBackoffMin = 500 * time.Millisecond
	reconnectBackoffMax = 10 * time.Second
)

// ClientConfig carries the transport knobs the Client needs.
type ClientConfig struct {
	// URL is the relay WebSocket endpoint.
	URL string
	// UserID identifies this client to the relay (sent as a query parameter;
	// the connection itself is assumed to be authenticated upstream).
	UserID string

	WaitTimeout     time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 256 * 1024
	}
	return c
}

// Client is the engine's persistent connection to the signaling relay.
//
// The engine borrows the connection; it never owns its lifecycle. Connect (or
// Run, which reconnects with backoff) is driven by the host application, and
// the engine only consults Connected/WaitConnected before emitting.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{} // closed while a connection is up
	connDone  chan struct{} // closed when the current connection goes away
	outgoing  chan []byte
	subs      map[chan Message]struct{}
	closed    bool

	done chan struct{}
}

func NewClient(cfg ClientConfig, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "signaling"),
		metrics:   m,
		connected: make(chan struct{}),
		subs:      make(map[chan Message]struct{}),
		done:      make(chan struct{}),
	}
}

// Connect performs a single dial attempt and starts the read/write pumps.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", c.cfg.UserID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	conn.SetReadLimit(c.cfg.MaxMessageBytes)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("signaling: already connected")
	}
	c.conn = conn
	c.connDone = make(chan struct{})
	c.outgoing = make(chan []byte, 16)
	close(c.connected)
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn, c.outgoing)

	c.logger.Info("connected to relay", "url", c.cfg.URL, "user_id", c.cfg.UserID)
	return nil
}

// Run keeps the client connected until ctx is cancelled or Close is called,
// redialing with exponential backoff after each disconnect.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectBackoffMin
	for {
		if err := c.Connect(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("relay dial failed", "err", err, "retry_in", backoff)
		} else {
			backoff = reconnectBackoffMin
			select {
			case <-c.disconnectedChan():
				c.metrics.Inc(metrics.TransportReconnects)
				c.logger.Warn("relay connection lost", "retry_in", backoff)
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return nil
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WaitConnected blocks until the transport is connected, the configured wait
// timeout elapses, or ctx is cancelled.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connected
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	default:
	}

	timer := time.NewTimer(c.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Send validates and emits one message. It waits (bounded) for the transport
// to be connected first; delivery past that point is fire-and-forget, as call
// state is driven by the corresponding inbound event rather than by the send
// completing.
func (c *Client) Send(ctx context.Context, msg Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	if err := c.WaitConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	out := c.outgoing
	c.mu.Unlock()
	if out == nil {
		return ErrNotConnected
	}

	select {
	case out <- payload:
		c.metrics.Inc(metrics.SignalsSent)
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a new inbound-message subscriber. Multiple subscribers
// each receive every message; cancel must be called to release the channel.
func (c *Client) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Close tears down the connection and all subscriptions. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer c.dropConn(conn)

	pongWait := c.cfg.PingInterval * 10 / 9
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := Parse(data)
		if err != nil {
			c.metrics.Inc(metrics.SignalsDropped)
			c.logger.Warn("discarding malformed signal", "err", err)
			continue
		}
		c.metrics.Inc(metrics.SignalsReceived)
		c.fanOut(msg)
	}
}

func (c *Client) writePump(conn *websocket.Conn, outgoing <-chan []byte) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.dropConn(conn)
	}()

	for {
		select {
		case payload, ok := <-outgoing:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) fanOut(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- msg:
		default:
			c.metrics.Inc(metrics.SignalsDropped)
			c.logger.Warn("subscriber lagging, dropping signal", "type", msg.Type, "call_id", msg.CallID)
		}
	}
}

// dropConn clears the registered connection if it is still the one the pump
// was started for, so a later reconnect is not torn down by a stale pump.
func (c *Client) dropConn(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.outgoing = nil
		c.connected = make(chan struct{})
		close(c.connDone)
	}
	c.mu.Unlock()
}

// disconnectedChan returns a channel that is closed once the current
// connection goes away. If no connection is up it returns a closed channel.
func (c *Client) disconnectedChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.connDone
}
