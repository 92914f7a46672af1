// Package ws implements the WebSocket event hub. Subscribers connect to
// /v1/events and receive operation, rollback, alert and approval events.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/opsgate/internal/protocol"
)

const (
	subprotocol     = "opsgate-events-v1"
	sendBuffer      = 32
	writeTimeout    = 5 * time.Second
	defaultInterval = 30 * time.Second
)

// Hub fans events out to every connected subscriber. A subscriber whose
// buffer is full misses the event rather than slowing the publisher.
type Hub struct {
	tokens    []string // Accepted bearer tokens. Empty = no auth.
	heartbeat time.Duration
	hello     func() protocol.HelloPayload
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	send chan []byte
}

// NewHub creates a hub accepting the given API keys.
func NewHub(tokens []string, logger *slog.Logger) *Hub {
	return &Hub{
		tokens:    tokens,
		heartbeat: defaultInterval,
		logger:    logger,
		clients:   make(map[*client]struct{}),
	}
}

// WithHello sets the payload sent to each new subscriber.
func (h *Hub) WithHello(fn func() protocol.HelloPayload) *Hub {
	h.hello = fn
	return h
}

// WithHeartbeat overrides the ping interval.
func (h *Hub) WithHeartbeat(d time.Duration) *Hub {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish wraps payload in an envelope and broadcasts it.
func (h *Hub) Publish(msgType protocol.MessageType, requestID string, payload any) {
	env, err := protocol.NewEnvelope(msgType, requestID, payload)
	if err != nil {
		h.logger.Warn("encoding event", slog.String("type", string(msgType)), slog.String("error", err.Error()))
		return
	}
	h.Broadcast(env)
}

// Broadcast sends env to every subscriber without blocking.
func (h *Hub) Broadcast(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("subscriber buffer full, event dropped", slog.String("type", string(env.Type)))
		}
	}
}

func (h *Hub) authorized(r *http.Request) bool {
	if len(h.tokens) == 0 {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return false
	}
	ok := false
	for _, t := range h.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			ok = true
		}
	}
	return ok
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	h.serve(r.Context(), conn)
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) {
	c := &client{send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	// Subscribers never send; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx = conn.CloseRead(ctx)

	if h.hello != nil {
		env, _ := protocol.NewEnvelope(protocol.MsgHello, "", h.hello())
		data, _ := json.Marshal(env)
		if err := h.write(ctx, conn, data); err != nil {
			return
		}
	}

	h.logger.Debug("event subscriber connected")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event subscriber disconnected")
			return
		case data := <-c.send:
			if err := h.write(ctx, conn, data); err != nil {
				h.logger.Debug("event write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.Debug("heartbeat ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
