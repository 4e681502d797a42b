package ws

import (
	"encoding/json"
	"sync"
	"time"

	"cvcounter/internal/events"
	"cvcounter/internal/log"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// client wraps one connection. gorilla allows a single concurrent writer,
// so broadcasts and pings funnel through write.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub fans counter events out to WebSocket clients. Each client watches one
// location and receives that location's count, notification and status
// events as JSON text frames.
type Hub struct {
	// clients maps location -> set of connections
	clients map[string]map[*client]bool
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]bool),
		logger:  log.WithComponent("ws"),
	}
}

// Run subscribes the hub to the event bus. The returned function detaches it.
func (h *Hub) Run(bus *events.Bus) func() {
	return bus.Subscribe(func(ev *events.Event) {
		h.Broadcast(ev)
	})
}

func (h *Hub) register(location string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[location] == nil {
		h.clients[location] = make(map[*client]bool)
	}
	h.clients[location][c] = true
	h.logger.Debug().Str("location", location).Int("clients", len(h.clients[location])).Msg("client registered")
}

func (h *Hub) unregister(location string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[location]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, location)
		}
	}
}

// HasClients reports whether any client watches location.
func (h *Hub) HasClients(location string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[location]
	return ok && len(conns) > 0
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Broadcast sends the event to every client watching its location. Dead
// connections are dropped on write failure.
func (h *Hub) Broadcast(ev *events.Event) {
	if ev == nil || !h.HasClients(ev.Location) {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", ev.Name).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients[ev.Location]))
	for c := range h.clients[ev.Location] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.logger.Debug().Err(err).Str("location", ev.Location).Msg("client write failed")
			h.unregister(ev.Location, c)
			c.conn.Close()
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for location, conns := range h.clients {
		for c := range conns {
			c.conn.Close()
		}
		delete(h.clients, location)
	}
}
