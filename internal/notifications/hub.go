package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Message is written to WebSocket clients.
type Message struct {
	Type         string               `json:"type"`
	Notification *models.Notification `json:"notification,omitempty"`
	UnreadCount  *int                 `json:"unreadCount,omitempty"`
}

// ClientFilter narrows what a connected client receives.
type ClientFilter struct {
	Types   []models.NotificationType `json:"types,omitempty"`
	Modules []string                  `json:"modules,omitempty"`
}

// Matches reports whether n passes the filter.
func (f *ClientFilter) Matches(n *models.Notification) bool {
	if f == nil || n == nil {
		return true
	}
	if len(f.Types) > 0 && !contains(f.Types, n.Type) {
		return false
	}
	if len(f.Modules) > 0 && !contains(f.Modules, n.Module) {
		return false
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

// HubConfig holds WebSocket timing settings.
type HubConfig struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int
	// CheckOrigin decides whether an upgrade is allowed. Nil allows all.
	CheckOrigin func(r *http.Request) bool
}

// DefaultHubConfig returns the default hub settings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 512,
		SendBufferSize: 64,
	}
}

type client struct {
	id       uuid.UUID
	username string
	conn     *websocket.Conn
	send     chan *Message
	hub      *Hub

	mu     sync.Mutex
	filter *ClientFilter
}

func (c *client) matches(m *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.Matches(m.Notification)
}

type delivery struct {
	username string
	msg      *Message
}

// Hub fans pushed notifications out to WebSocket clients of the same user.
type Hub struct {
	config   HubConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clientsMu   sync.RWMutex
	clients     map[uuid.UUID]*client
	userClients map[string]map[uuid.UUID]*client

	deliver    chan delivery
	register   chan *client
	unregister chan *client

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub.
func NewHub(cfg HubConfig, logger zerolog.Logger) *Hub {
	check := cfg.CheckOrigin
	if check == nil {
		check = func(r *http.Request) bool { return true }
	}
	return &Hub{
		config: cfg,
		logger: logger.With().Str("component", "notification_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     check,
		},
		clients:     make(map[uuid.UUID]*client),
		userClients: make(map[string]map[uuid.UUID]*client),
		deliver:     make(chan delivery, 256),
		register:    make(chan *client),
		unregister:  make(chan *client),
		done:        make(chan struct{}),
	}
}

// Start runs the hub loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
	h.logger.Info().Msg("notification hub started")
}

// Stop closes every client and ends the loop. It is safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		h.logger.Info().Msg("notification hub stopped")
	})
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case d := <-h.deliver:
			h.fanOut(d)
		}
	}
}

func (h *Hub) add(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	h.clients[c.id] = c
	if _, ok := h.userClients[c.username]; !ok {
		h.userClients[c.username] = make(map[uuid.UUID]*client)
	}
	h.userClients[c.username][c.id] = c

	h.logger.Debug().Str("client_id", c.id.String()).Str("user", c.username).Msg("client connected")
}

func (h *Hub) remove(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	if uc, ok := h.userClients[c.username]; ok {
		delete(uc, c.id)
		if len(uc) == 0 {
			delete(h.userClients, c.username)
		}
	}
	close(c.send)

	h.logger.Debug().Str("client_id", c.id.String()).Msg("client disconnected")
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for _, c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[uuid.UUID]*client)
	h.userClients = make(map[string]map[uuid.UUID]*client)
}

func (h *Hub) fanOut(d delivery) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for _, c := range h.userClients[d.username] {
		if !c.matches(d.msg) {
			continue
		}
		select {
		case c.send <- d.msg:
		default:
			h.logger.Warn().Str("client_id", c.id.String()).Msg("client send buffer full, dropping message")
		}
	}
}

// Push queues n for every client of user.
func (h *Hub) Push(ctx context.Context, user *models.User, n models.Notification) error {
	h.Publish(user.Key(), &Message{Type: "notification", Notification: &n})
	return nil
}

// PublishUnread sends the unread count to every client of username.
func (h *Hub) PublishUnread(username string, count int) {
	h.Publish(username, &Message{Type: "unread", UnreadCount: &count})
}

// Publish queues msg for username's clients, dropping it when the hub is busy.
func (h *Hub) Publish(username string, msg *Message) {
	select {
	case h.deliver <- delivery{username: username, msg: msg}:
	default:
		h.logger.Warn().Msg("hub buffer full, dropping message")
	}
}

// HandleWebSocket upgrades the request and attaches a client for username.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, username string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	c := &client{
		id:       uuid.New(),
		username: username,
		conn:     conn,
		send:     make(chan *Message, h.config.SendBufferSize),
		hub:      h,
		filter:   &ClientFilter{},
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of clients connected for username.
func (h *Hub) ClientCount(username string) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.userClients[username])
}

// TotalClientCount returns the number of connected clients.
func (h *Hub) TotalClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		var update struct {
			Type   string       `json:"type"`
			Filter ClientFilter `json:"filter"`
		}
		if err := json.Unmarshal(data, &update); err == nil && update.Type == "filter" {
			c.mu.Lock()
			c.filter = &update.Filter
			c.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
