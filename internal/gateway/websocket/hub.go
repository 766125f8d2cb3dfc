// Package websocket serves the /kernel control plane: one WebSocket per
// client, flat JSON command frames in, response and broadcast frames out.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/pkg/kernel"
)

// Hub manages all connected kernel clients.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *kernel.Event

	dispatcher *kernel.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub routing commands through the given dispatcher.
func NewHub(dispatcher *kernel.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *kernel.Event, 256),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "kernel-hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("kernel hub started")
	defer h.logger.Info("kernel hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// BindBus forwards the curated broadcast set from the event bus to every
// connected client. Other subjects stay internal.
func (h *Hub) BindBus(eventBus bus.EventBus) error {
	_, err := eventBus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		if !kernel.Broadcastable(event.Type) {
			return nil
		}
		fields := make(map[string]any, len(event.Data)+1)
		for k, v := range event.Data {
			fields[k] = v
		}
		fields["__eventId"] = event.Seq
		h.Broadcast(kernel.NewEvent(event.Type, fields))
		return nil
	})
	return err
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

func (h *Hub) broadcastEvent(event *kernel.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal broadcast event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends an event frame to all connected clients.
func (h *Hub) Broadcast(event *kernel.Event) {
	h.broadcast <- event
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
