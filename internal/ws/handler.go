package ws

import (
	"net/http"
	"time"

	"cvcounter/internal/config"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard is served same-origin; cross-origin viewers are fine.
		return true
	},
}

// Handler upgrades /ws/{location} requests and registers the connection
// with the hub.
type Handler struct {
	hub      *Hub
	settings *config.Manager
}

// NewHandler creates a WebSocket handler backed by hub. settings is used to
// reject unknown locations before upgrading.
func NewHandler(hub *Hub, settings *config.Manager) *Handler {
	return &Handler{hub: hub, settings: settings}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	location := chi.URLParam(r, "location")
	if location == "" {
		http.Error(w, "location required", http.StatusBadRequest)
		return
	}
	if h.settings != nil && !h.settings.HasLocation(location) {
		http.Error(w, "unknown location", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	h.hub.register(location, c)
	go h.readPump(location, c)
}

// readPump drains client messages to detect disconnection and keeps the
// connection alive with pings. The pinger exits with the pump.
func (h *Handler) readPump(location string, c *client) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.unregister(location, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debug().Err(err).Str("location", location).Msg("read error")
			}
			return
		}
	}
}
