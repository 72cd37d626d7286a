package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Config gates which event types the hub pushes to clients.
type Config struct {
	Enabled              bool `yaml:"enabled" mapstructure:"enabled"`
	BroadcastDetections  bool `yaml:"broadcast_detections" mapstructure:"broadcast_detections"`
	BroadcastRuleChanges bool `yaml:"broadcast_rule_changes" mapstructure:"broadcast_rule_changes"`
	BroadcastSystem      bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
	BroadcastConnections bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
}

// Hub maintains the set of active clients and fans events out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client

	config *Config
	logger *zap.Logger
	mu     sync.RWMutex

	totalConnections int64
	totalBroadcasts  int64
}

// NewHub creates a WebSocket hub; call Run on a goroutine to start it.
func NewHub(config *Config, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		config:     config,
		logger:     logger,
	}
}

// Run processes registration and broadcast traffic until the process
// exits.
func (h *Hub) Run() {
	h.logger.Info("Starting WebSocket hub", zap.String("component", "websocket"))

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.totalConnections++
	active := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("component", "websocket"),
		zap.String("client_id", client.ID),
		zap.Int("active_connections", active))

	h.BroadcastEvent(Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data: ConnectionEvent{
			Action:   "connected",
			ClientID: client.ID,
			ClientIP: client.IP,
		},
	})
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.Send)
	active := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Client disconnected",
		zap.String("component", "websocket"),
		zap.String("client_id", client.ID),
		zap.Int("active_connections", active))

	h.BroadcastEvent(Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data: ConnectionEvent{
			Action:   "disconnected",
			ClientID: client.ID,
			ClientIP: client.IP,
		},
	})
}

func (h *Hub) fanOut(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalBroadcasts++
	for client := range h.clients {
		if !client.subscribedTo(event.Type) {
			continue
		}
		select {
		case client.Send <- event:
		default:
			// Slow consumer; drop the connection rather than the hub.
			h.logger.Warn("Client send channel full, closing connection",
				zap.String("component", "websocket"),
				zap.String("client_id", client.ID))
			delete(h.clients, client)
			close(client.Send)
		}
	}
}

func (c *Client) subscribedTo(eventType EventType) bool {
	if c.Subscription == nil {
		return true
	}
	for _, t := range c.Subscription.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// BroadcastEvent queues an event for fan-out if its type is enabled in
// the hub config. Never blocks; the event is dropped when the broadcast
// channel is full.
func (h *Hub) BroadcastEvent(event Event) {
	if !h.shouldBroadcast(event.Type) {
		return
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Broadcast channel full, dropping event",
			zap.String("component", "websocket"),
			zap.String("event_type", string(event.Type)))
	}
}

func (h *Hub) shouldBroadcast(eventType EventType) bool {
	if h.config == nil {
		return false
	}
	switch eventType {
	case EventTypeDetection:
		return h.config.BroadcastDetections
	case EventTypeRuleChange:
		return h.config.BroadcastRuleChanges
	case EventTypeSystemStatus:
		return h.config.BroadcastSystem
	case EventTypeConnection:
		return h.config.BroadcastConnections
	default:
		return false
	}
}

// ConnectedClients returns the number of active connections.
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades an HTTP request and attaches the client to
// the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection",
			zap.String("component", "websocket"),
			zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan Event, 256),
		ConnectedAt: time.Now(),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	}

	h.register <- client

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write WebSocket message",
					zap.String("component", "websocket"),
					zap.String("client_id", client.ID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(client *Client) {
	defer func() {
		h.unregister <- client
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error",
					zap.String("component", "websocket"),
					zap.String("client_id", client.ID),
					zap.Error(err))
			}
			return
		}
		h.handleClientMessage(client, msg)
	}
}

func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		data, err := json.Marshal(msg.Data)
		if err != nil {
			return
		}
		var subscription SubscriptionRequest
		if err := json.Unmarshal(data, &subscription); err != nil {
			return
		}
		client.Subscription = &subscription
		h.logger.Info("Client subscription updated",
			zap.String("component", "websocket"),
			zap.String("client_id", client.ID))
	case "ping":
		select {
		case client.Send <- Event{Type: "pong", Timestamp: time.Now()}:
		default:
		}
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
