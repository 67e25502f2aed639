package simserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/internal/auth"
	"github.com/fleetsync/fleetsync/internal/events"
)

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	rooms  map[string]bool
	roomMu sync.Mutex
}

// Hub fans events out to connected clients and tracks room membership. It is
// the server half of the protocol the connection manager speaks.
type Hub struct {
	log        *logrus.Entry
	auth       *auth.Service
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub(authService *auth.Service, log *logrus.Logger) *Hub {
	return &Hub{
		log:        log.WithField("component", "simserver.hub"),
		auth:       authService,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.WithField("userId", c.userID).Info("client connected")
			h.notifyPresence(events.UserJoined, c.userID)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.WithField("userId", c.userID).Info("client disconnected")
			h.notifyPresence(events.UserLeft, c.userID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the Run goroutine to exit.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(event string, payload interface{}) {
	env, err := events.NewEnvelope(event, payload)
	if err != nil {
		h.log.WithError(err).Error("broadcast encode failed")
		return
	}
	data, _ := json.Marshal(env)
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// BroadcastToRoom sends an event only to clients that joined the room.
func (h *Hub) BroadcastToRoom(room, event string, payload interface{}) {
	env, err := events.NewEnvelope(event, payload)
	if err != nil {
		h.log.WithError(err).Error("room broadcast encode failed")
		return
	}
	data, _ := json.Marshal(env)

	h.mu.Lock()
	for c := range h.clients {
		c.roomMu.Lock()
		member := c.rooms[room]
		c.roomMu.Unlock()
		if !member {
			continue
		}
		select {
		case c.send <- data:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) notifyPresence(event, userID string) {
	h.Broadcast(event, events.Presence{User: &events.PresenceUser{UserID: userID}})
}

// HandleWS upgrades the request and runs the handshake: the first frame must
// be an auth envelope carrying a valid token.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true }, // dev tool only
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("websocket upgrade failed")
		return
	}

	var first events.Envelope
	if err := conn.ReadJSON(&first); err != nil || first.Event != events.Auth {
		conn.Close()
		return
	}
	var hs events.Handshake
	if err := json.Unmarshal(first.Data, &hs); err != nil || hs.Token == "" {
		conn.Close()
		return
	}
	claims, err := h.auth.ValidateToken(hs.Token)
	if err != nil || claims.UserID != hs.UserID {
		h.log.WithField("userId", hs.UserID).Warn("handshake rejected")
		conn.WriteJSON(events.Envelope{Event: events.Error})
		conn.Close()
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: claims.UserID,
		rooms:  make(map[string]bool),
	}

	// Ack before registering so the ack is always the first frame the
	// client reads.
	ack, _ := events.NewEnvelope(events.Connected, map[string]string{"userId": claims.UserID})
	if err := conn.WriteJSON(ack); err != nil {
		conn.Close()
		return
	}

	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		var env events.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Event {
		case events.JoinUserRoom:
			var p struct {
				UserID string `json:"userId"`
			}
			if json.Unmarshal(env.Data, &p) == nil && p.UserID != "" {
				c.join("user:" + p.UserID)
			}
		case events.JoinRoleRoom:
			var p struct {
				Role string `json:"role"`
			}
			if json.Unmarshal(env.Data, &p) == nil && p.Role != "" {
				c.join("role:" + strings.ToUpper(p.Role))
			}
		case events.JoinRoom:
			var p events.RoomPayload
			if json.Unmarshal(env.Data, &p) == nil && p.Room != "" {
				c.join(p.Room)
			}
		case events.LeaveRoom:
			var p events.RoomPayload
			if json.Unmarshal(env.Data, &p) == nil && p.Room != "" {
				c.roomMu.Lock()
				delete(c.rooms, p.Room)
				c.roomMu.Unlock()
			}
		case events.RoomMessage:
			var p events.RoomPayload
			if json.Unmarshal(env.Data, &p) == nil && p.Room != "" && p.Event != "" {
				c.hub.BroadcastToRoom(p.Room, p.Event, json.RawMessage(p.Data))
			}
		}
	}
}

func (c *client) join(room string) {
	c.roomMu.Lock()
	c.rooms[room] = true
	c.roomMu.Unlock()
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
