package channel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coursechat/internal/bus"
	"coursechat/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsBufferSize = 64

	// DefaultReplayWindow is how far back a new client is caught up.
	DefaultReplayWindow = 2 * time.Minute
)

// DefaultFeedEvents are the bus events forwarded to browsers.
var DefaultFeedEvents = []string{
	bus.EventPhaseChanged,
	bus.EventConversationUpdated,
	bus.EventNotification,
	bus.EventToolExecuted,
}

// HubConfig configures the websocket feed.
type HubConfig struct {
	Bus    *bus.EventBus
	Events []string      // default: DefaultFeedEvents
	Stop   func()        // called when a client sends {"type":"stop"}; may be nil
	Replay time.Duration // default: DefaultReplayWindow; negative disables
	Logger *slog.Logger
}

// Hub forwards bus events to connected websocket clients. A client may pass
// ?conversation_id= to receive only that conversation's events.
type Hub struct {
	bus    *bus.EventBus
	events []string
	stop   func()
	replay time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// wsClient tracks a connected websocket client.
type wsClient struct {
	conn           *websocket.Conn
	conversationID string
	sub            *bus.Subscription
	mu             sync.Mutex
}

// WSMessage is the JSON frame sent to clients.
type WSMessage struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// wsCommand is the JSON frame clients send.
type wsCommand struct {
	Type string `json:"type"` // "stop"
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the feed carries no credentials
	},
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultFeedEvents
	}
	if cfg.Replay == 0 {
		cfg.Replay = DefaultReplayWindow
	}
	return &Hub{
		bus:     cfg.Bus,
		events:  cfg.Events,
		stop:    cfg.Stop,
		replay:  cfg.Replay,
		logger:  cfg.Logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	subscribed := time.Now()
	client := &wsClient{
		conn:           conn,
		conversationID: r.URL.Query().Get("conversation_id"),
		sub:            h.bus.Subscribe(wsBufferSize, h.events...),
	}
	h.register(client)
	defer h.unregister(client)

	client.send(WSMessage{Type: "status", Payload: "connected", Timestamp: time.Now()})
	h.catchUp(client, subscribed)
	go h.forward(client)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			h.logger.Warn("invalid websocket message", "err", err)
			continue
		}
		switch cmd.Type {
		case "stop":
			if h.stop != nil {
				h.stop()
			}
		default:
			h.logger.Debug("ignored websocket message", "type", cmd.Type)
		}
	}
}

// catchUp sends the retained events from the replay window that arrived
// before the client subscribed.
func (h *Hub) catchUp(c *wsClient, subscribed time.Time) {
	if h.replay < 0 {
		return
	}
	wanted := make(map[string]bool, len(h.events))
	for _, t := range h.events {
		wanted[t] = true
	}
	for _, e := range h.bus.Replay("*", subscribed.Add(-h.replay)) {
		if !e.Timestamp.Before(subscribed) {
			continue
		}
		if !wanted[e.Type] && !wanted["*"] {
			continue
		}
		if c.conversationID != "" && e.ConversationID != c.conversationID {
			continue
		}
		if err := c.send(toWSMessage(e)); err != nil {
			h.logger.Debug("websocket replay failed", "err", err)
			return
		}
	}
}

// forward writes subscription events to the client until the subscription
// is closed.
func (h *Hub) forward(c *wsClient) {
	for e := range c.sub.C() {
		if c.conversationID != "" && e.ConversationID != c.conversationID {
			continue
		}
		if err := c.send(toWSMessage(e)); err != nil {
			h.logger.Debug("websocket write failed", "err", err)
		}
	}
}

func toWSMessage(e bus.Event) WSMessage {
	return WSMessage{
		Type:           e.Type,
		ConversationID: e.ConversationID,
		Payload:        e.Payload,
		Timestamp:      e.Timestamp,
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Inc()
	h.logger.Info("websocket client connected", "conversation", c.conversationID, "clients", n)
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.sub.Close()
	c.conn.Close()
	metrics.WSConnections.Dec()
	h.logger.Info("websocket client disconnected", "conversation", c.conversationID)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.unregister(c)
	}
}

func (c *wsClient) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
