// Package websocket connects the host shell to the core: notification
// requests go out, lifecycle signals and dismissals come in.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rcourtman/carbscan/internal/notifications"
	"github.com/rs/zerolog/log"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Message types.
const (
	TypeWelcome               = "welcome"
	TypeState                 = "state"
	TypeNotification          = "notification"
	TypeNotificationWithdraw  = "notificationWithdraw"
	TypeBadge                 = "badge"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeLifecycle             = "lifecycle"
	TypeNotificationDismissed = "notificationDismissed"
	TypeRequestState          = "requestState"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// Client is one connected host shell.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Message is the envelope for both directions.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Hub tracks connected host shells and the notifications handed to them.
// A notification delivered while no shell is connected stays pending and is
// flushed to the next shell that connects.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	getState    func() interface{}
	onLifecycle func(backgrounded bool)

	notifMu   sync.Mutex
	pending   map[string]notifications.Request
	delivered map[string]notifications.Request
	badge     int
}

// NewHub creates a hub. getState supplies the snapshot sent on connect and
// on requestState; it may be nil.
func NewHub(getState func() interface{}) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		getState:   getState,
		pending:    make(map[string]notifications.Request),
		delivered:  make(map[string]notifications.Request),
	}
}

// SetLifecycleHandler sets the callback for lifecycle signals from shells.
func (h *Hub) SetLifecycleHandler(fn func(backgrounded bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onLifecycle = fn
}

// Run is the hub's main loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")
			h.greet(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.mu.Unlock()
				log.Info().Str("client", client.id).Msg("WebSocket client disconnected")
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; drop it.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()

		case <-pingTicker.C:
			h.broadcastMessage(Message{Type: TypePing, Data: map[string]int64{"timestamp": time.Now().Unix()}})
		}
	}
}

// greet sends the welcome, the current state, and any pending notifications.
func (h *Hub) greet(client *Client) {
	client.enqueue(Message{Type: TypeWelcome, Data: map[string]string{"client_id": client.id}})
	if h.getState != nil {
		client.enqueue(Message{Type: TypeState, Data: h.getState()})
	}

	h.notifMu.Lock()
	flushed := sortedRequests(h.pending)
	for _, req := range flushed {
		h.delivered[req.Identifier] = req
	}
	h.pending = make(map[string]notifications.Request)
	h.notifMu.Unlock()

	for _, req := range flushed {
		client.enqueue(Message{Type: TypeNotification, Data: req})
	}
	if len(flushed) > 0 {
		log.Info().Str("client", client.id).Int("count", len(flushed)).Msg("Flushed pending notifications")
	}
}

// HandleWebSocket upgrades a host shell connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
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

// ErrBroadcastFull is returned by Deliver when the broadcast queue had no
// room. The request stays pending and goes to the next shell that connects.
var ErrBroadcastFull = errors.New("websocket broadcast queue full")

// Deliver implements notifications.Center.
func (h *Hub) Deliver(req notifications.Request) error {
	h.notifMu.Lock()
	defer h.notifMu.Unlock()

	h.badge += req.BadgeIncrement
	if h.GetClientCount() == 0 {
		h.pending[req.Identifier] = req
		return nil
	}
	if !h.broadcastMessage(Message{Type: TypeNotification, Data: req}) {
		h.pending[req.Identifier] = req
		return ErrBroadcastFull
	}
	delete(h.pending, req.Identifier)
	h.delivered[req.Identifier] = req
	return nil
}

// Withdraw implements notifications.Center.
func (h *Hub) Withdraw(identifiers ...string) error {
	var presented []string
	h.notifMu.Lock()
	for _, id := range identifiers {
		delete(h.pending, id)
		if _, ok := h.delivered[id]; ok {
			delete(h.delivered, id)
			presented = append(presented, id)
		}
	}
	h.notifMu.Unlock()

	if len(presented) > 0 {
		h.broadcastMessage(Message{Type: TypeNotificationWithdraw, Data: map[string][]string{"identifiers": presented}})
	}
	return nil
}

// ClearBadge implements notifications.Center.
func (h *Hub) ClearBadge() error {
	h.notifMu.Lock()
	h.badge = 0
	h.notifMu.Unlock()
	h.broadcastMessage(Message{Type: TypeBadge, Data: map[string]int{"count": 0}})
	return nil
}

// Pending returns notifications waiting for a shell.
func (h *Hub) Pending() []notifications.Request {
	h.notifMu.Lock()
	defer h.notifMu.Unlock()
	return sortedRequests(h.pending)
}

// Delivered returns notifications handed to a shell and not yet dismissed
// or withdrawn.
func (h *Hub) Delivered() []notifications.Request {
	h.notifMu.Lock()
	defer h.notifMu.Unlock()
	return sortedRequests(h.delivered)
}

// Badge returns the current badge count.
func (h *Hub) Badge() int {
	h.notifMu.Lock()
	defer h.notifMu.Unlock()
	return h.badge
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastState pushes a fresh state snapshot to every shell.
func (h *Hub) BroadcastState(state interface{}) {
	h.broadcastMessage(Message{Type: TypeState, Data: state})
}

func (h *Hub) broadcastMessage(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return false
	}
	select {
	case h.broadcast <- data:
		return true
	default:
		log.Warn().Str("type", msg.Type).Msg("WebSocket broadcast channel full")
		return false
	}
}

func (h *Hub) dismissed(identifier string) {
	h.notifMu.Lock()
	delete(h.delivered, identifier)
	h.notifMu.Unlock()
}

func (h *Hub) lifecycleHandler() func(bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onLifecycle
}

func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("client", c.id).Str("type", msg.Type).Msg("Client send buffer full, dropping message")
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Str("client", c.id).Msg("Failed to unmarshal WebSocket message")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg inbound) {
	switch msg.Type {
	case TypePing:
		c.enqueue(Message{Type: TypePong, Data: map[string]int64{"timestamp": time.Now().Unix()}})

	case TypeLifecycle:
		var payload struct {
			Backgrounded *bool `json:"backgrounded"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Backgrounded == nil {
			log.Warn().Str("client", c.id).Msg("Ignoring malformed lifecycle message")
			return
		}
		if fn := c.hub.lifecycleHandler(); fn != nil {
			fn(*payload.Backgrounded)
		}

	case TypeNotificationDismissed:
		var payload struct {
			Identifier string `json:"identifier"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.Identifier != "" {
			c.hub.dismissed(payload.Identifier)
		}

	case TypeRequestState:
		if c.hub.getState != nil {
			c.enqueue(Message{Type: TypeState, Data: c.hub.getState()})
		}

	default:
		log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Unhandled WebSocket message")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Failed to write message")
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

// checkOrigin admits the host shell: no Origin header, or a loopback origin.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return isLoopbackHost(u.Hostname())
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func sortedRequests(m map[string]notifications.Request) []notifications.Request {
	out := make([]notifications.Request, 0, len(m))
	for _, req := range m {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var _ notifications.Center = (*Hub)(nil)
