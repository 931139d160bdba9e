package services

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relaydesk/internal/models"
)

// Wire protocol message types. This set is closed: clients must ignore
// anything else.
const (
	MsgConnected          = "connected"
	MsgInitialEscalations = "initial_escalations"
	MsgEscalation         = "escalation"
	MsgEscalationRemoved  = "escalation_removed"
	MsgTakeoverSuccess    = "takeover_success"
	MsgPing               = "ping"
	MsgPong               = "pong"
	MsgError              = "error"
)

// WireMessage is the JSON envelope on the agent websocket.
type WireMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func wireMessage(msgType string, payload interface{}) WireMessage {
	return WireMessage{Type: msgType, Payload: payload, Timestamp: time.Now().UTC()}
}

// GatewayOptions tunes keepalive and backpressure behavior.
type GatewayOptions struct {
	// PingInterval is the expected client keepalive period.
	PingInterval time.Duration
	// DeadMultiplier times PingInterval of silence forces a disconnect.
	DeadMultiplier int
	// SendQueueSize bounds each connection's outbound queue; a full queue
	// drops the connection rather than buffering without bound.
	SendQueueSize int
	WriteTimeout  time.Duration
}

func (o GatewayOptions) withDefaults() GatewayOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.DeadMultiplier <= 0 {
		o.DeadMultiplier = 3
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// AgentClient is one agent's live connection.
type AgentClient struct {
	AgentID   string
	AgentName string
	Conn      *websocket.Conn
	Send      chan WireMessage
	hub       *Hub
}

// Hub is the realtime gateway: one addressable connection per logged-in
// agent. It implements EscalationNotifier for the broker. A second connect
// for the same agent replaces the first.
type Hub struct {
	clients    map[string]*AgentClient
	register   chan *AgentClient
	unregister chan *AgentClient
	mutex      sync.RWMutex

	db     *gorm.DB
	broker *EscalationBroker
	logger *logrus.Logger
	opts   GatewayOptions
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer in front
	},
}

func NewHub(db *gorm.DB, logger *logrus.Logger, opts GatewayOptions) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		clients:    make(map[string]*AgentClient),
		register:   make(chan *AgentClient),
		unregister: make(chan *AgentClient),
		db:         db,
		logger:     logger,
		opts:       opts.withDefaults(),
	}
}

// SetBroker injects the escalation broker consulted for the connect-time
// snapshot.
func (h *Hub) SetBroker(b *EscalationBroker) {
	h.broker = b
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			if old, ok := h.clients[client.AgentID]; ok {
				close(old.Send)
				old.Conn.Close()
			}
			h.clients[client.AgentID] = client
			h.mutex.Unlock()
			h.setAgentStatus(client.AgentID, client.AgentName, models.AgentOnline)
			h.logger.Infof("Agent %s connected (%d online)", client.AgentID, h.GetClientCount())

			client.Send <- wireMessage(MsgConnected, map[string]interface{}{
				"agent_id": client.AgentID,
				"message":  "Connected successfully",
			})
			if h.broker != nil {
				client.Send <- wireMessage(MsgInitialEscalations, h.broker.Snapshot())
			}

		case client := <-h.unregister:
			h.mutex.Lock()
			last := false
			if current, ok := h.clients[client.AgentID]; ok && current == client {
				delete(h.clients, client.AgentID)
				close(client.Send)
				last = true
			}
			h.mutex.Unlock()
			// A replaced connection must not clobber the presence its
			// successor just wrote; only the registered connection going
			// away means the agent is gone.
			if last {
				h.setAgentStatus(client.AgentID, client.AgentName, models.AgentOffline)
			}
			h.logger.Infof("Agent %s disconnected (%d online)", client.AgentID, h.GetClientCount())
		}
	}
}

// BroadcastEscalation delivers a new pending escalation to every connected
// agent.
func (h *Hub) BroadcastEscalation(summary EscalationSummary) {
	h.broadcast(wireMessage(MsgEscalation, summary))
}

// BroadcastRemoval tells every agent a session left the pending list, so
// their view stays consistent even when someone else acted.
func (h *Hub) BroadcastRemoval(sessionID string) {
	h.broadcast(wireMessage(MsgEscalationRemoved, map[string]string{"session_id": sessionID}))
}

// SendTakeoverSuccess confirms a claim to the winning agent only.
func (h *Hub) SendTakeoverSuccess(agentID, sessionID string) {
	h.SendToAgent(agentID, wireMessage(MsgTakeoverSuccess, map[string]interface{}{
		"session_id": sessionID,
		"message":    "Takeover successful",
	}))
}

// SendToAgent delivers one message to one agent; a full queue drops the
// connection (the client resyncs on reconnect).
func (h *Hub) SendToAgent(agentID string, msg WireMessage) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if client, ok := h.clients[agentID]; ok {
		h.enqueue(client, msg)
	}
}

func (h *Hub) broadcast(msg WireMessage) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, client := range h.clients {
		h.enqueue(client, msg)
	}
}

// enqueue pushes without blocking; overflow means the consumer is stuck and
// the connection is killed rather than buffered unboundedly. Callers hold the
// hub mutex, which is also what guards channel close on unregister.
func (h *Hub) enqueue(client *AgentClient, msg WireMessage) {
	select {
	case client.Send <- msg:
	default:
		h.logger.Warnf("Send queue full for agent %s, dropping connection", client.AgentID)
		client.Conn.Close()
	}
}

// sendToClient enqueues for a specific connection if it is still the
// registered one for its agent.
func (h *Hub) sendToClient(client *AgentClient, msg WireMessage) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if current, ok := h.clients[client.AgentID]; ok && current == client {
		h.enqueue(client, msg)
	}
}

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// IsConnected reports whether the agent currently has a live connection.
func (h *Hub) IsConnected(agentID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.clients[agentID]
	return ok
}

// ServeAgent upgrades the request and runs the connection for an already
// authenticated agent until it drops.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request, agentID, agentName string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed for agent %s: %v", agentID, err)
		return
	}

	client := &AgentClient{
		AgentID:   agentID,
		AgentName: agentName,
		Conn:      conn,
		Send:      make(chan WireMessage, h.opts.SendQueueSize),
		hub:       h,
	}

	h.register <- client

	go client.writePump()
	client.readPump()
}

// setAgentStatus upserts the agent row's presence. Busy is only ever set by
// a takeover, so a reconnect does not clobber it.
func (h *Hub) setAgentStatus(agentID, agentName, status string) {
	if h.db == nil {
		return
	}
	now := time.Now().UTC()
	agent := models.Agent{
		ID:           agentID,
		Name:         agentName,
		Status:       status,
		LastActiveAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := h.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":         status,
			"last_active_at": now,
			"updated_at":     now,
		}),
	}).Create(&agent).Error
	if err != nil {
		h.logger.Warnf("Update agent %s status: %v", agentID, err)
	}
}

func (c *AgentClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.Conn.Close()
	}()

	deadline := c.hub.opts.PingInterval * time.Duration(c.hub.opts.DeadMultiplier)
	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(deadline))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorf("WebSocket error for agent %s: %v", c.AgentID, err)
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(deadline))

		var msg WireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.sendToClient(c, wireMessage(MsgError, map[string]string{"message": "invalid message format"}))
			continue
		}

		switch msg.Type {
		case MsgPing:
			c.hub.sendToClient(c, wireMessage(MsgPong, nil))
		default:
			c.hub.logger.Debugf("Unknown message type %q from agent %s", msg.Type, c.AgentID)
		}
	}
}

func (c *AgentClient) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(msg); err != nil {
				c.hub.logger.Errorf("WriteJSON to agent %s: %v", c.AgentID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
