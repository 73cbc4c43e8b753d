package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/config"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// WSChannelAll subscribes a client to every event channel.
	WSChannelAll = "*"

	// wsSendBufferSize is how many frames a slow client may fall behind
	// before events are dropped for it.
	wsSendBufferSize = 256
)

// WSMessage is a frame sent to a client, or a request read from one.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is the inbound view of a WSMessage; the payload stays raw until
// the type is known.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans dispatcher, site and device events out to WebSocket clients.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one connected event subscriber.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	closed        bool
	mu            sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Loopback-only listener; the local app's webview has no fixed origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub with no clients.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its outbound queue. Safe to call
// more than once.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.shutdown()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast queues an event for every client subscribed to channel.
// Clients whose queue is full miss the event.
func (h *Hub) Broadcast(channel string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.wants(channel) && c.offer(frame) {
			delivered++
		}
	}
	if delivered > 0 {
		h.logger.Debug("websocket event sent", "channel", channel, "recipients", delivered)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades GET /ws. The API only listens on loopback, so no
// ticket is required.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	hub := s.Hub()
	c := &WSClient{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	hub.Register(c)

	ka := newKeepalive(s.wsCfg)
	go c.writeLoop(ka)
	go c.readLoop(ka, s.wsCfg.MaxMessageSize)
}

// keepalive holds the ping cadence and how long a silent peer is tolerated.
type keepalive struct {
	ping time.Duration
	pong time.Duration
}

func newKeepalive(cfg config.WebSocketConfig) keepalive {
	return keepalive{
		ping: time.Duration(cfg.PingInterval) * time.Second,
		pong: time.Duration(cfg.PongTimeout) * time.Second,
	}
}

func (k keepalive) readDeadline() time.Time  { return time.Now().Add(k.ping + k.pong) }
func (k keepalive) writeDeadline() time.Time { return time.Now().Add(k.pong) }

// readLoop handles client requests until the connection fails. Any frame,
// including a pong, extends the read deadline.
func (c *WSClient) readLoop(ka keepalive, maxMessageSize int) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if maxMessageSize > 0 {
		c.conn.SetReadLimit(int64(maxMessageSize))
	}
	//nolint:errcheck // A failed deadline surfaces as a read error
	c.conn.SetReadDeadline(ka.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(ka.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // A failed deadline surfaces as a read error
		c.conn.SetReadDeadline(ka.readDeadline())
		c.handleMessage(data)
	}
}

// writeLoop drains the outbound queue and pings on the keepalive cadence.
// It exits when the queue is closed or a write fails.
func (c *WSClient) writeLoop(ka keepalive) {
	ticker := time.NewTicker(ka.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind int
			data []byte
		)
		select {
		case frame, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Peer may already be gone
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			kind, data = websocket.TextMessage, frame
		case <-ticker.C:
			kind = websocket.PingMessage
		}

		//nolint:errcheck // A failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(ka.writeDeadline())
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

// handleMessage answers one client request.
func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		channels, problem := parseChannels(req.Payload)
		if problem != "" {
			c.reply(req.ID, WSTypeError, errorPayload(problem))
			return
		}
		if req.Type == WSTypeSubscribe {
			c.subscribe(channels)
			c.hub.logger.Debug("websocket client subscribed", "channels", channels)
			c.reply(req.ID, WSTypeResponse, map[string]any{"subscribed": channels})
			return
		}
		c.unsubscribe(channels)
		c.reply(req.ID, WSTypeResponse, map[string]any{"unsubscribed": channels})
	default:
		c.reply(req.ID, WSTypeError, errorPayload("unknown message type: "+req.Type))
	}
}

// parseChannels decodes a channel list and checks every name against the
// event catalogue. A non-empty problem rejects the whole request.
func parseChannels(raw json.RawMessage) ([]string, string) {
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil || len(sub.Channels) == 0 {
		return nil, "payload must list channels"
	}
	for _, ch := range sub.Channels {
		if !knownChannel(ch) {
			return nil, "unknown channel: " + ch
		}
	}
	return sub.Channels, ""
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}

func (c *WSClient) subscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
}

func (c *WSClient) unsubscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.subscriptions, ch)
	}
}

// wants reports whether the client subscribed to channel, directly or via "*".
func (c *WSClient) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, all := c.subscriptions[WSChannelAll]; all {
		return true
	}
	_, ok := c.subscriptions[channel]
	return ok
}

// offer queues a frame without blocking. It returns false when the client
// has gone or its queue is full.
func (c *WSClient) offer(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown closes the outbound queue once; writeLoop then sends a close frame.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// reply sends a response frame to this client only.
func (c *WSClient) reply(id, msgType string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.offer(frame)
}
