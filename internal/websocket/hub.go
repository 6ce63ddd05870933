// Package websocket pushes license state changes to the desktop shell.
// The shell keeps one connection open to /ws; the hub broadcasts an
// envelope whenever the validator or the background scheduler produces a
// fresh outcome, so the UI never polls the status endpoint.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"mwbcli/internal/config"
	"mwbcli/internal/infrastructure"
	"mwbcli/internal/license"
)

// Envelope types sent to the shell.
const (
	TypeConnection    = "connection"
	TypeLicenseStatus = "license:status"
	TypeError         = "error"
)

// Envelope is the wire format for every hub message.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// Hub tracks connected shell clients and fans broadcasts out to them. A
// slow client whose send buffer fills is dropped rather than allowed to
// stall the broadcast loop.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	running bool
	quit    chan struct{}

	logger *slog.Logger

	totalConnections int64
	messagesSent     int64
	dropped          int64
}

// NewHub creates a hub. Run or Start must be called before clients
// register.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
	}
}

// Start launches the hub loop on its own goroutine.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.Run()
}

// Run is the hub's main loop. It owns the clients map mutations.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("hub shutting down")
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// Stop shuts the hub down and closes every client connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Register queues a client for registration with the hub loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// ClientCount returns the number of connected shell clients. The health
// service reports it.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishLicenseStatus broadcasts a validation outcome to the shell. It
// satisfies the status sink the scheduler and validator publish through.
func (h *Hub) PublishLicenseStatus(outcome *license.ValidationOutcome) {
	if outcome == nil {
		return
	}
	h.send(Envelope{
		Type:      TypeLicenseStatus,
		Data:      outcome,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// PublishError pushes a one-off error notice to the shell, used for
// conditions the UI should surface outside a validation pass.
func (h *Hub) PublishError(code, message string) {
	h.send(Envelope{
		Type: TypeError,
		Data: map[string]string{
			"code":    code,
			"message": message,
		},
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (h *Hub) send(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("envelope marshal failed",
			slog.String("type", env.Type),
			slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- payload:
	case <-h.quit:
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.totalConnections++
	h.mu.Unlock()

	ctx := context.Background()
	if client.traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, client.traceID)
	}
	h.logger.InfoContext(ctx, "client connected",
		slog.String("client_id", client.id),
		slog.String("remote_addr", client.remoteAddr),
		slog.Int("total_clients", count))

	welcome := Envelope{
		Type: TypeConnection,
		Data: map[string]string{
			"status":    "connected",
			"message":   "Connected to " + config.AppName,
			"client_id": client.id,
		},
		Timestamp: time.Now().Format(time.RFC3339),
		TraceID:   client.traceID,
	}
	if payload, err := json.Marshal(welcome); err == nil {
		select {
		case client.send <- payload:
		default:
			h.logger.WarnContext(ctx, "welcome dropped, client buffer full",
				slog.String("client_id", client.id))
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	h.logger.Info("client disconnected",
		slog.String("client_id", client.id),
		slog.Duration("connected_for", time.Since(client.connectedAt)),
		slog.Int("total_clients", len(h.clients)))
}

func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- message:
			h.mu.Lock()
			h.messagesSent++
			h.mu.Unlock()
		default:
			// Slow consumer; drop it so the rest keep receiving.
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.dropped++
			h.mu.Unlock()

			h.logger.Warn("client buffer full, disconnecting",
				slog.String("client_id", client.id))
		}
	}
}

// Stats returns hub counters for the health endpoint.
func (h *Hub) Stats() map[string]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int64{
		"active_clients":    int64(len(h.clients)),
		"total_connections": h.totalConnections,
		"messages_sent":     h.messagesSent,
		"clients_dropped":   h.dropped,
	}
}
