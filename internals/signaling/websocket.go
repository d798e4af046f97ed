package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jaloqa/whoami-server/internals/metrics"
)

// Options carries the connection tuning knobs from config.
type Options struct {
	ReadLimit       int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	SendBuffer      int
	RateLimitPerSec float64
	RateLimitBurst  int
}

// Client is one websocket connection. Its ID doubles as the player/peer ID
// everywhere else in the server.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan Message

	opts    Options
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    atomic.Bool
	logger    *zap.Logger

	OnMessage    func(*Client, Message)
	OnDisconnect func(*Client)
}

type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message
	mu         sync.RWMutex
	opts       Options
	logger     *zap.Logger

	// Wired by the coordinator before Run.
	OnClientConnected  func(*Client)
	OnClientMessage    func(*Client, Message)
	OnClientDisconnect func(*Client)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func NewHub(opts Options, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message),
		opts:       opts,
		logger:     logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()

			h.logger.Info("Client registered", zap.String("clientID", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.closeSend()
			}
			h.mu.Unlock()

			h.logger.Info("Client unregistered", zap.String("clientID", client.ID))

		case message := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				if message.To == "" || message.To == client.ID {
					client.SendMessage(message)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) RegisterClient(client *Client) {
	h.register <- client
}

func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

func (h *Hub) BroadcastMessage(message Message) {
	h.broadcast <- message
}

// SendToClient delivers a message to one client. Returns false if the client
// is no longer connected. The read lock is held across the enqueue: closeSend
// only runs under the write lock, so the send can never race the close.
func (h *Hub) SendToClient(clientID string, message Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, exists := h.clients[clientID]
	if !exists {
		return false
	}
	message.To = clientID
	client.SendMessage(message)
	return true
}

func (h *Hub) GetClient(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, exists := h.clients[clientID]
	return client, exists
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func NewClient(id string, conn *websocket.Conn, opts Options, logger *zap.Logger) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	var limiter *rate.Limiter
	if opts.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), opts.RateLimitBurst)
	}
	return &Client{
		ID:      id,
		Conn:    conn,
		Send:    make(chan Message, opts.SendBuffer),
		opts:    opts,
		limiter: limiter,
		logger:  logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.Send)
	})
}

func (c *Client) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.opts.ReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		var message Message
		err := c.Conn.ReadJSON(&message)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error",
					zap.String("clientID", c.ID),
					zap.Error(err),
				)
			}
			break
		}

		metrics.MessagesReceivedTotal.Inc()

		if c.limiter != nil && !c.limiter.Allow() {
			c.SendError("rate-limited", "too many messages, slow down")
			continue
		}

		message.From = c.ID
		message.Timestamp = time.Now()

		if c.OnMessage != nil {
			c.OnMessage(c, message)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message",
					zap.String("clientID", c.ID),
					zap.Error(err),
				)
				return
			}
			metrics.MessagesSentTotal.Inc()

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) SendMessage(message Message) {
	if c.closed.Load() {
		return
	}
	select {
	case c.Send <- message:
	default:
		c.logger.Warn("Client send channel full, dropping message",
			zap.String("clientID", c.ID),
			zap.String("type", string(message.Type)),
		)
	}
}

func (c *Client) SendError(reason, msg string) {
	metrics.RecordErrorReply(reason)

	data, err := json.Marshal(ErrorPayload{Reason: reason, Message: msg})
	if err != nil {
		c.logger.Error("Failed to marshal error message", zap.Error(err))
		return
	}

	c.SendMessage(Message{
		Type:      MessageTypeError,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// HandleWebSocket upgrades the request and starts the client pumps. The
// server assigns the connection ID; clients never pick their own identity.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade connection", http.StatusBadRequest)
		return
	}

	metrics.ConnectionsTotal.Inc()

	client := NewClient(uuid.New().String(), conn, h.opts, h.logger)
	client.OnMessage = func(c *Client, msg Message) {
		if h.OnClientMessage != nil {
			h.OnClientMessage(c, msg)
		}
	}
	client.OnDisconnect = func(c *Client) {
		if h.OnClientDisconnect != nil {
			h.OnClientDisconnect(c)
		}
		h.UnregisterClient(c)
	}

	h.RegisterClient(client)

	go client.WritePump()
	go client.ReadPump()

	if h.OnClientConnected != nil {
		h.OnClientConnected(client)
	}
}
