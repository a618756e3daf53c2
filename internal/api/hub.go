package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/events/bus"
)

// StreamMessage is one observer event as sent to WebSocket clients.
type StreamMessage struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans the events of one bus subject out to every connected client.
// A single bus subscription feeds a single loop, so every client sees the
// events in publish order.
type Hub struct {
	bus     bus.EventBus
	subject string

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub for subject.
func NewHub(b bus.EventBus, subject string, log *logger.Logger) *Hub {
	return &Hub{
		bus:        b,
		subject:    subject,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run subscribes to the bus and serves clients until ctx is done. Run may
// only be called once.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	sub, err := h.bus.Subscribe(h.subject, func(evCtx context.Context, event *bus.Event) error {
		data, err := json.Marshal(StreamMessage{
			Type:      event.Type,
			Payload:   event.Data,
			Timestamp: event.Timestamp,
		})
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- data:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	h.logger.Info("event stream hub started", zap.String("subject", h.subject))
	defer h.logger.Info("event stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.broadcastMessage(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage queues data for every client. A client whose buffer is
// full is disconnected rather than skipped, so no client ever sees a gap.
func (h *Hub) broadcastMessage(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client too slow, disconnecting", zap.String("client_id", client.ID))
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(ctx context.Context, client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
