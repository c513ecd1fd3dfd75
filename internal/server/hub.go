// Package server coordinates client registration, liveness sweeps, and
// fan-out for the relay via the Hub type.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherrelay/internal/config"
	"github.com/Tyrowin/cipherrelay/internal/identity"
	"github.com/Tyrowin/cipherrelay/internal/store"
)

// Hub owns every live connection. Its event loop registers and unregisters
// clients and runs the liveness sweep; conversation membership lives in
// Rooms and is read concurrently by publishing connections.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	cfg      config.Config
	rooms    *Rooms
	gate     authGate
	store    store.Store
	metrics  *Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHub creates a hub that authenticates with verifier and persists through
// st. Call Run in its own goroutine before accepting connections.
func NewHub(cfg config.Config, verifier identity.Verifier, st store.Store, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.Sanitize()
	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)

	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		cfg:        cfg,
		rooms:      NewRooms(metrics),
		gate:       authGate{verifier: verifier, timeout: cfg.CollaboratorTimeout},
		store:      st,
		metrics:    metrics,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return origins.check(r)
			},
		},
	}
}

// Rooms returns the conversation registry.
func (h *Hub) Rooms() *Rooms { return h.rooms }

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration")
				continue
			}
			h.addClient(client)
			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.removeClient(client)

		case <-ticker.C:
			h.sweep()
		}
	}
}

// registerClient hands c to the event loop. It returns false if the hub is
// shutting down.
func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// unregisterClient hands c to the event loop, or removes it directly once
// the loop has exited.
func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.removeClient(c)
	}
}

func (h *Hub) addClient(c *Client) {
	h.mutex.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mutex.Unlock()

	h.metrics.connections.Set(float64(count))
	c.logger.Info("client registered", zap.Int("total_clients", count))
}

// removeClient drops c from the hub and from every conversation. It is
// idempotent.
func (h *Hub) removeClient(c *Client) {
	h.mutex.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mutex.Unlock()

	left := h.rooms.PurgeAll(c)

	if ok {
		h.metrics.connections.Set(float64(count))
		c.logger.Info("client unregistered",
			zap.Int("total_clients", count),
			zap.Int("conversations_left", len(left)))
	}
}

func (h *Hub) snapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// sweep probes every connection. A connection that has not acknowledged the
// previous probe is closed and purged before the next broadcast can see it.
func (h *Hub) sweep() {
	for _, c := range h.snapshot() {
		if c.ResetAlive() {
			c.sendProbe()
			continue
		}
		h.metrics.livenessReclaims.Inc()
		c.logger.Info("terminating unresponsive client")
		c.Close()
		h.removeClient(c)
	}
}

// broadcast fans payload out to chatID's members and evicts any member whose
// send buffer is full.
func (h *Hub) broadcast(chatID string, payload []byte, exclude *Client) int {
	delivered, slow := h.rooms.Broadcast(chatID, payload, exclude)
	h.metrics.deliveries.Add(float64(delivered))
	for _, c := range slow {
		h.evictSlow(c)
	}
	return delivered
}

func (h *Hub) evictSlow(c *Client) {
	h.metrics.slowConsumerEvict.Inc()
	c.logger.Warn("closing client with full send buffer")
	c.Close()
	h.removeClient(c)
}

func (h *Hub) shutdownClients() {
	clients := h.snapshot()
	h.logger.Info("shutting down client connections", zap.Int("clients", len(clients)))
	for _, c := range clients {
		c.Close()
	}
}

// Shutdown stops the event loop, closes every connection and waits up to
// timeout for the client goroutines to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()

	deadline := time.After(timeout)
	select {
	case <-h.done:
	case <-deadline:
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-deadline:
		h.logger.Warn("hub shutdown timed out with client goroutines still running")
		return context.DeadlineExceeded
	}
}
