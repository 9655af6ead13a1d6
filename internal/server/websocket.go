package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/dagbolade/hook-gateway/internal/auth"
	"github.com/dagbolade/hook-gateway/internal/notify"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// WSMessage is what clients receive. Type is "snapshot" for the initial
// pending list, otherwise the broker topic.
type WSMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client is one websocket observer. Its broker subscription is its only
// buffer, so a slow client loses its oldest messages and nobody else's.
type Client struct {
	id   string
	conn *websocket.Conn
	sub  *notify.Subscription
	hub  *Hub
	user *auth.User

	closeOnce sync.Once
}

// Hub tracks connected clients so shutdown can close them.
type Hub struct {
	broker    Subscriber
	approvals ApprovalAdmin
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

func NewHub(broker Subscriber, approvals ApprovalAdmin) *Hub {
	return &Hub{
		broker:    broker,
		approvals: approvals,
		clients:   make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			// auth happens in middleware before the upgrade
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	log.Info().Int("clients", len(clients)).Msg("closing websocket clients")
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	log.Info().Str("client_id", c.id).Int("total", len(h.clients)).Msg("websocket client connected")
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	log.Info().Str("client_id", c.id).Int("total", total).Msg("websocket client disconnected")
}

// HandleWebSocket upgrades the request and streams every broker message
// to the client, starting with the current pending approvals.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	if h.broker == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "notifications unavailable")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		sub:  h.broker.Subscribe(),
		hub:  h,
		user: auth.GetUserFromContext(c),
	}
	if !h.register(client) {
		client.sub.Close()
		_ = conn.Close()
		return nil
	}

	var snapshot WSMessage
	if h.approvals != nil {
		pending := h.approvals.ListPending()
		snapshot = WSMessage{
			Type:      "snapshot",
			Data:      map[string]interface{}{"total": len(pending), "pending": pending},
			Timestamp: time.Now().UTC(),
		}
	}

	go client.writePump(snapshot)
	go client.readPump()
	return nil
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.sub.Close()
		_ = c.conn.Close()
		c.hub.unregister(c)
	})
}

// readPump only services control frames; clients do not send commands.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			return
		}
	}
}

func (c *Client) writePump(first WSMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	if first.Type != "" {
		if err := c.write(first); err != nil {
			return
		}
	}

	for {
		select {
		case msg, ok := <-c.sub.C():
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(WSMessage{Type: string(msg.Topic), Data: msg.Payload, Timestamp: msg.Timestamp}); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(msg WSMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}
