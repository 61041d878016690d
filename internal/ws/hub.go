// Package ws is the real-time transport: a WebSocket hub that keeps
// per-auction subscriber rooms and per-user direct channels.
// Connections authenticate with a bearer token, then join/leave auction
// rooms explicitly; direct
// delivery (user:won, bid:refunded) reaches a user regardless of room
// membership.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"slotauction/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TokenValidator resolves a bearer token to a userID; the hub treats it
// as an opaque external adapter (session validation lives outside
// of the hard core).
type TokenValidator func(token string) (userID string, ok bool)

type outboundMsg struct {
	Type      string `json:"type"`
	AuctionID string `json:"auctionId"`
	Data      any    `json:"data"`
}

// Hub manages per-auction room subscriptions and per-user direct
// delivery. It implements eventbus.Sink.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[*conn]bool // auctionID -> conns
	byUser    map[string]map[*conn]bool // userID -> conns (may be >1 tab)
	allConn   map[*conn]bool
	validate  TokenValidator
	log       *logrus.Logger
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	mu      sync.Mutex
	userID  string
	rooms   map[string]bool
}

func NewHub(validate TokenValidator, log *logrus.Logger) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*conn]bool),
		byUser:   make(map[string]map[*conn]bool),
		allConn:  make(map[*conn]bool),
		validate: validate,
		log:      log,
	}
}

// PublishToAuction implements eventbus.Sink.
func (h *Hub) PublishToAuction(auctionID string, evt eventbus.Event) {
	b, err := json.Marshal(outboundMsg{Type: evt.Type, AuctionID: auctionID, Data: evt.Data})
	if err != nil {
		return
	}
	h.mu.RLock()
	room := h.rooms[auctionID]
	h.mu.RUnlock()
	for c := range room {
		c.enqueue(b)
	}
}

// PublishToUser implements eventbus.Sink.
func (h *Hub) PublishToUser(userID string, evt eventbus.Event) {
	b, err := json.Marshal(outboundMsg{Type: evt.Type, AuctionID: evt.AuctionID, Data: evt.Data})
	if err != nil {
		return
	}
	h.mu.RLock()
	conns := h.byUser[userID]
	h.mu.RUnlock()
	for c := range conns {
		c.enqueue(b)
	}
}

func (c *conn) enqueue(b []byte) {
	select {
	case c.send <- b:
	default:
		// slow client, drop
	}
}

// HandleWS upgrades the connection and starts its pumps. Subscription
// and authentication happen over the socket itself per the protocol in
// authenticate(token) then subscribe:auction(id).
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws: upgrade failed")
		return
	}
	c := &conn{
		ws:    wsConn,
		send:  make(chan []byte, 64),
		hub:   h,
		rooms: make(map[string]bool),
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

type inboundMsg struct {
	Action string `json:"action"`
	Token  string `json:"token"`
	ID     string `json:"id"`
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "authenticate":
			userID, ok := c.hub.validate(msg.Token)
			if !ok {
				c.enqueue(mustJSON(outboundMsg{Type: "error", Data: "invalid token"}))
				continue
			}
			c.hub.attachUser(c, userID)
			c.enqueue(mustJSON(outboundMsg{Type: "authenticated", Data: map[string]string{"userId": userID}}))
		case "subscribe:auction":
			c.hub.subscribe(c, msg.ID)
		case "unsubscribe:auction":
			c.hub.unsubscribe(c, msg.ID)
		}
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) attachUser(c *conn, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.userID != "" {
		if set, ok := h.byUser[c.userID]; ok {
			delete(set, c)
		}
	}
	c.userID = userID
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[*conn]bool)
		h.byUser[userID] = set
	}
	set[c] = true
}

func (h *Hub) subscribe(c *conn, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[auctionID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[auctionID] = room
	}
	room[c] = true
	c.mu.Lock()
	c.rooms[auctionID] = true
	c.mu.Unlock()
}

func (h *Hub) unsubscribe(c *conn, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[auctionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, auctionID)
		}
	}
	c.mu.Lock()
	delete(c.rooms, auctionID)
	c.mu.Unlock()
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allConn, c)
	for auctionID := range c.rooms {
		if room, ok := h.rooms[auctionID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, auctionID)
			}
		}
	}
	if c.userID != "" {
		if set, ok := h.byUser[c.userID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byUser, c.userID)
			}
		}
	}
	close(c.send)
}
