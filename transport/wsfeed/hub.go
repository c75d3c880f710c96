package wsfeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/goliatone/go-storefront-auth"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Authenticator resolves the subject of a subscribe token
type Authenticator func(token string) (subject string, err error)

// HubOption customizes a Hub
type HubOption func(*Hub)

// WithAuthenticator requires a valid token on every subscription. Filters
// on OwnerColumn must match the token subject.
func WithAuthenticator(a Authenticator) HubOption {
	return func(h *Hub) {
		h.authenticate = a
	}
}

// WithOwnerColumn sets the filter column checked against the token
// subject, "user_id" by default.
func WithOwnerColumn(column string) HubOption {
	return func(h *Hub) {
		if column != "" {
			h.ownerColumn = column
		}
	}
}

// WithCheckOrigin overrides the upgrader origin check
func WithCheckOrigin(fn func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// WithHubLogger overrides the logger
func WithHubLogger(logger auth.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Hub accepts websocket subscriptions and fans out published events
type Hub struct {
	upgrader     websocket.Upgrader
	authenticate Authenticator
	ownerColumn  string
	logger       auth.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

var _ auth.Publisher = (*Hub)(nil)

// NewHub returns an empty Hub
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ownerColumn: "user_id",
		logger:      auth.NewLogrusLogger(logrus.StandardLogger().WithField("component", "wsfeed_hub")),
		clients:     map[*client]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	req  auth.SubscribeRequest
	send chan frame
	once sync.Once
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(writeWait))

	var sub frame
	if err := conn.ReadJSON(&sub); err != nil || sub.Type != frameSubscribe || sub.Request == nil {
		h.reject(conn, "expected subscribe frame")
		return
	}

	if reason := h.authorize(sub); reason != "" {
		h.reject(conn, reason)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		req:  *sub.Request,
		send: make(chan frame, 256),
	}

	c.send <- statusFrame(auth.StatusSubscribed, "")
	if !h.register(c) {
		h.reject(conn, "hub closed")
		return
	}

	go c.writePump()
	c.readPump()
}

func (h *Hub) authorize(sub frame) string {
	if h.authenticate == nil {
		return ""
	}
	subject, err := h.authenticate(sub.Token)
	if err != nil {
		return "unauthorized"
	}
	if f := sub.Request.Filter; f != nil && f.Column == h.ownerColumn && f.Value != subject {
		return "forbidden filter"
	}
	return ""
}

func (h *Hub) reject(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(statusFrame(auth.StatusError, reason)); err != nil {
		h.logger.Debug("failed to send rejection", "error", err)
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.send) })
	}
}

// Publish sends event to every subscription of its resource whose filter
// matches. Subscribers that cannot keep up are dropped.
func (h *Hub) Publish(ctx context.Context, event auth.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return goerrors.New("hub closed", goerrors.CategoryOperation)
	}
	var slow []*client
	for c := range h.clients {
		if c.req.Resource != event.Resource || !c.req.Filter.Match(event) {
			continue
		}
		ev := event
		select {
		case c.send <- frame{Type: frameChange, Event: &ev}:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow subscriber", "resource", c.req.Resource)
		h.unregister(c)
	}
	return nil
}

// Clients returns the number of live subscriptions
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber with a going away close frame
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[*client]struct{}{}
	h.mu.Unlock()

	for _, c := range clients {
		c.once.Do(func() { close(c.send) })
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("subscriber closed unexpectedly", "resource", c.req.Resource, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
				c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
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
