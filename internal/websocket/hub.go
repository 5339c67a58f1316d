// Package websocket pushes live event transitions to dashboard clients.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/argus/internal/event"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to loopback; cross-origin browsers are not a concern.
		return true
	},
}

// Client represents one connected dashboard.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	done     chan struct{}
	shutdown sync.Once
}

// close signals the write pump to finish. The send channel itself is never
// closed, so concurrent senders can race a disconnect without panicking.
func (c *Client) close() {
	c.shutdown.Do(func() { close(c.done) })
}

// trySend queues a message for the client. It reports false when the client
// is shutting down or its buffer is full.
func (c *Client) trySend(message []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- message:
		return true
	default:
		return false
	}
}

// Message is the wire envelope for all hub traffic.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// OpenEventsFunc snapshots the currently open events for the initial state
// message sent to a new client.
type OpenEventsFunc func(ctx context.Context) ([]*event.Event, error)

// Hub maintains connected clients and fans event transitions out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits
	mu         sync.RWMutex

	openEvents OpenEventsFunc
}

func NewHub(openEvents OpenEventsFunc) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		openEvents: openEvents,
	}
}

// Run owns the client set and pumps transitions from the store subscription
// until ctx ends.
func (h *Hub) Run(ctx context.Context, transitions <-chan event.Transition) {
	defer close(h.done)

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")
			go h.sendInitialState(ctx, client)

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			client.close()
			log.Info().Str("client", client.id).Msg("WebSocket client disconnected")

		case t, ok := <-transitions:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcastMessage(Message{Type: "transition", Data: t})

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case <-pingTicker.C:
			h.broadcastMessage(Message{Type: "ping", Data: map[string]int64{"timestamp": time.Now().Unix()}})
		}
	}
}

func (h *Hub) sendInitialState(ctx context.Context, client *Client) {
	welcome, err := json.Marshal(Message{Type: "welcome", Data: map[string]string{"message": "Connected to argus"}})
	if err == nil {
		client.trySend(welcome)
	}

	if h.openEvents == nil {
		return
	}
	open, err := h.openEvents(ctx)
	if err != nil {
		log.Warn().Err(err).Str("client", client.id).Msg("Could not load open events for initial state")
		return
	}
	data, err := json.Marshal(Message{Type: "openEvents", Data: open})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal initial state")
		return
	}
	if !client.trySend(data) {
		log.Warn().Str("client", client.id).Msg("Client gone or buffer full, skipping initial state")
	}
}

// HandleWebSocket upgrades an HTTP request and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		id:   uuid.NewString(),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("WebSocket broadcast channel full")
	}
}

func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.trySend(message) {
			// Slow consumer, drop it.
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			client.close()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.close()
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed WebSocket message")
			continue
		}
		switch msg.Type {
		case "ping":
			pong, err := json.Marshal(Message{Type: "pong", Data: map[string]int64{"timestamp": time.Now().Unix()}})
			if err == nil {
				c.trySend(pong)
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Received WebSocket message")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
