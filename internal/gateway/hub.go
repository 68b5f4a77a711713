package gateway

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// ClientKind separates game servers on the primary channel from players
type ClientKind int

const (
	KindServer ClientKind = iota
	KindPlayer
)

func (k ClientKind) String() string {
	if k == KindServer {
		return "server"
	}
	return "player"
}

// getClientIP extracts the real client IP, checking proxy headers first
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Client is one WebSocket connection
type Client struct {
	ID         string
	Kind       ClientKind
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	limiter    *rate.Limiter
}

// MessageHandler receives inbound envelopes and connection closes.
// Calls for one client are made sequentially from its read pump.
type MessageHandler interface {
	HandleConnect(c *Client)
	HandleMessage(c *Client, env domain.Envelope)
	HandleClose(c *Client)
}

// outbound is a message queued for delivery by the hub loop
type outbound struct {
	kind    ClientKind
	targets []string // nil means every client of kind
	data    []byte
}

// Hub owns every WebSocket client. Only the Run loop writes to or closes a
// client's send channel.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	upgrader websocket.Upgrader
	handler  MessageHandler
	rateLim  rate.Limit
	burst    int
}

// HubOptions configures a Hub
type HubOptions struct {
	MessagesPerSecond float64
	MessageBurst      int
	CheckOrigin       func(r *http.Request) bool
}

// NewHub creates a hub. SetHandler must be called before serving connections.
func NewHub(opts HubOptions) *Hub {
	limit := rate.Inf
	if opts.MessagesPerSecond > 0 {
		limit = rate.Limit(opts.MessagesPerSecond)
	}
	burst := opts.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, sendBuffer),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		rateLim: limit,
		burst:   burst,
	}
}

// SetHandler installs the receiver of inbound messages
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// Run processes registrations and deliveries until Stop is called
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("Gateway: %s %s connected from %s (%d total)", client.Kind, client.ID, client.remoteAddr, n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("Gateway: %s %s disconnected (%d total)", client.Kind, client.ID, n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for _, client := range h.recipients(msg) {
				select {
				case client.send <- msg.data:
				default:
					// Client's buffer is full, drop it
					log.Printf("Gateway: send buffer full for %s, dropping client", client.ID)
					close(client.send)
					delete(h.clients, client.ID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// recipients must be called with h.mu held
func (h *Hub) recipients(msg outbound) []*Client {
	var out []*Client
	if msg.targets != nil {
		for _, id := range msg.targets {
			if c, ok := h.clients[id]; ok {
				out = append(out, c)
			}
		}
		return out
	}
	for _, c := range h.clients {
		if c.Kind == msg.kind {
			out = append(out, c)
		}
	}
	return out
}

// Stop ends the Run loop and closes every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) enqueue(msg outbound) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func encode(event string, payload any, ack *int64) ([]byte, error) {
	env := domain.Envelope{Event: event, Ack: ack}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Send delivers an event to specific connections
func (h *Hub) Send(connIDs []string, event string, payload any) {
	h.sendAck(connIDs, event, payload, nil)
}

func (h *Hub) sendAck(connIDs []string, event string, payload any, ack *int64) {
	if len(connIDs) == 0 {
		return
	}
	data, err := encode(event, payload, ack)
	if err != nil {
		log.Printf("Gateway: error marshaling %s: %v", event, err)
		return
	}
	h.enqueue(outbound{targets: connIDs, data: data})
}

// Ack answers an inbound message that carried an ack id
func (h *Hub) Ack(connID string, ack int64, status string) {
	h.sendAck([]string{connID}, domain.EventAck, domain.AckPayload{Status: status}, &ack)
}

// Broadcast delivers an event to every client of a kind
func (h *Hub) Broadcast(kind ClientKind, event string, payload any) {
	data, err := encode(event, payload, nil)
	if err != nil {
		log.Printf("Gateway: error marshaling %s: %v", event, err)
		return
	}
	h.enqueue(outbound{kind: kind, data: data})
}

// ClientCount returns the number of connected clients of a kind
func (h *Hub) ClientCount(kind ClientKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// ServeServer upgrades a game-server connection on the primary channel
func (h *Hub) ServeServer(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, KindServer)
}

// ServePlayer upgrades a player connection
func (h *Hub) ServePlayer(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, KindPlayer)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, kind ClientKind) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Gateway: upgrade error: %v", err)
		return
	}

	client := &Client{
		ID:         uuid.NewString(),
		Kind:       kind,
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		remoteAddr: getClientIP(r),
		limiter:    rate.NewLimiter(h.rateLim, h.burst),
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

// readPump handles inbound frames in arrival order
func (c *Client) readPump() {
	defer func() {
		if c.hub.handler != nil {
			c.hub.handler.HandleClose(c)
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if c.hub.handler != nil {
		c.hub.handler.HandleConnect(c)
	}

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("Gateway: read error from %s: %v", c.ID, err)
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.Send([]string{c.ID}, domain.EventError, domain.ErrorPayload{Message: "malformed message"})
			continue
		}

		if !c.limiter.Allow() {
			c.hub.Send([]string{c.ID}, domain.EventError, domain.ErrorPayload{Message: "rate limit exceeded"})
			if env.Ack != nil {
				c.hub.Ack(c.ID, *env.Ack, domain.AckBad)
			}
			continue
		}

		if c.hub.handler != nil {
			c.hub.handler.HandleMessage(c, env)
		}
	}
}

// writePump sends queued messages and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one envelope per frame so clients can decode each frame directly
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
