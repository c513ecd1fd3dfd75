// Package server manages individual WebSocket connections, their read and
// write pumps, per-connection state, and lifecycle control.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherrelay/internal/protocol"
)

// ErrAlreadyAuthenticated is returned by MarkAuthenticated when the
// connection has already been bound to an identity.
var ErrAlreadyAuthenticated = errors.New("connection already authenticated")

const sendBufferSize = 256

// Client is one live WebSocket connection. It carries the per-connection
// state the protocol handler mutates (authentication, identity,
// subscriptions) and the liveness flag the hub's sweep inspects.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	probe       chan struct{}
	hub         *Hub
	addr        string
	logger      *zap.Logger
	rateLimiter *rateLimiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool
	finishing atomic.Bool
	alive     atomic.Bool

	mu            sync.Mutex
	authenticated bool
	userID        string
	subscriptions map[string]struct{}
}

// NewClient creates an unauthenticated client for conn. conn may be nil in
// tests that drive the protocol without a network connection.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	ctx, cancel := context.WithCancel(hub.ctx)
	id := uuid.NewString()

	c := &Client{
		id:            id,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		probe:         make(chan struct{}, 1),
		hub:           hub,
		addr:          addr,
		logger:        hub.logger.With(zap.String("conn_id", id), zap.String("remote_addr", addr)),
		rateLimiter:   newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]struct{}),
	}
	c.alive.Store(true)
	return c
}

// MarkAuthenticated binds the connection to userID. It fails if the
// connection is already authenticated.
func (c *Client) MarkAuthenticated(userID string) error {
	if userID == "" {
		return errors.New("empty user id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authenticated {
		return ErrAlreadyAuthenticated
	}
	c.authenticated = true
	c.userID = userID
	return nil
}

// IsAuthenticated reports whether an identity is bound to the connection.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// UserID returns the bound identity, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Subscribe records chatID in the connection's subscription set.
func (c *Client) Subscribe(chatID string) {
	c.mu.Lock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[string]struct{})
	}
	c.subscriptions[chatID] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe removes chatID from the connection's subscription set.
func (c *Client) Unsubscribe(chatID string) {
	c.mu.Lock()
	delete(c.subscriptions, chatID)
	c.mu.Unlock()
}

// IsSubscribed reports whether chatID is in the subscription set.
func (c *Client) IsSubscribed(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[chatID]
	return ok
}

// Subscriptions returns a snapshot of the subscription set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

// MarkAlive records a probe acknowledgement.
func (c *Client) MarkAlive() {
	c.alive.Store(true)
}

// ResetAlive clears the liveness flag and returns its previous value.
func (c *Client) ResetAlive() bool {
	return c.alive.Swap(false)
}

// isOpen reports whether messages may still be queued to the client.
func (c *Client) isOpen() bool {
	return !c.closed.Load() && !c.finishing.Load()
}

// queue enqueues an outbound frame without blocking. It returns false when
// the client is closed or its buffer is full.
func (c *Client) queue(payload []byte) bool {
	if !c.isOpen() {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// sendProbe asks the write pump to emit a ping.
func (c *Client) sendProbe() {
	select {
	case c.probe <- struct{}{}:
	default:
	}
}

// Close terminates the connection immediately. It is safe to call more than
// once and from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				c.logger.Debug("close connection", zap.Error(err))
			}
		}
	})
}

// finish queues a final frame and asks the write pump to close the
// connection once it has been flushed. No further frames are accepted.
func (c *Client) finish(payload []byte) {
	if !c.isOpen() {
		return
	}
	c.finishing.Store(true)
	select {
	case c.send <- payload:
	default:
		c.Close()
		return
	}
	select {
	case c.send <- nil:
	default:
		c.Close()
	}
}

// setupReadConnection configures the read deadline and the pong handler
// that acknowledges liveness probes.
func (c *Client) setupReadConnection() {
	readWait := 2*c.hub.cfg.LivenessInterval + c.hub.cfg.WriteWait
	if err := c.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		c.logger.Debug("set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		c.MarkAlive()
		if err := c.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			c.logger.Debug("set read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs why the read loop is ending.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Info("message exceeded maximum size", zap.Int64("max_bytes", c.hub.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Debug("client disconnected", zap.Error(err))
	case isExpectedCloseError(err):
		c.logger.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Info("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Debug("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next inbound message may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Debug("rate limit exceeded",
			zap.Int("burst", c.hub.cfg.RateLimit.Burst),
			zap.Duration("refill_interval", c.hub.cfg.RateLimit.RefillInterval))
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		if !c.finishing.Load() {
			c.Close()
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.replyError(protocol.ErrKindRateLimited)
			continue
		}

		if !c.handleMessage(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.Close()

	for {
		select {
		case message := <-c.send:
			if message == nil {
				c.writeCloseMessage()
				return
			}
			if !c.writeTextMessage(message) {
				return
			}
		case <-c.probe:
			if !c.writePing() {
				return
			}
		case <-c.ctx.Done():
			c.writeCloseMessage()
			return
		}
	}
}

func (c *Client) writeDeadline() time.Time {
	return time.Now().Add(c.hub.cfg.WriteWait)
}

// writeCloseMessage sends a normal-closure close frame, best effort.
func (c *Client) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, c.writeDeadline()); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("write close message", zap.Error(err))
	}
}

// writeTextMessage writes one JSON frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(c.writeDeadline()); err != nil {
		c.logger.Debug("set write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Info("write message", zap.Error(err))
		}
		return false
	}
	return true
}

// writePing sends a liveness probe.
func (c *Client) writePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, c.writeDeadline()); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("write ping", zap.Error(err))
		}
		return false
	}
	return true
}
