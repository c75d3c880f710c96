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

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	DefaultSubscribeTimeout = 10 * time.Second
)

// TokenSource returns the access token sent with every subscribe frame
type TokenSource func(ctx context.Context) string

// Option customizes a Transport
type Option func(*Transport)

// WithDialer overrides the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithHeader adds headers to the handshake request
func WithHeader(h http.Header) Option {
	return func(t *Transport) {
		t.header = h.Clone()
	}
}

// WithTokenSource sets the token sent with subscribe frames
func WithTokenSource(ts TokenSource) Option {
	return func(t *Transport) {
		t.token = ts
	}
}

// WithSubscribeTimeout bounds the wait for the SUBSCRIBED acknowledgement
func WithSubscribeTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.subscribeTimeout = d
		}
	}
}

// WithLogger overrides the logger
func WithLogger(logger auth.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport is an auth.Transport dialing a Hub
type Transport struct {
	url              string
	dialer           *websocket.Dialer
	header           http.Header
	token            TokenSource
	subscribeTimeout time.Duration
	logger           auth.Logger
}

var _ auth.Transport = (*Transport)(nil)

// New returns a Transport for the hub at url (ws:// or wss://)
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:              url,
		dialer:           websocket.DefaultDialer,
		subscribeTimeout: DefaultSubscribeTimeout,
		logger:           auth.NewLogrusLogger(logrus.StandardLogger().WithField("component", "wsfeed")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Transport) Subscribe(ctx context.Context, req auth.SubscribeRequest) (auth.FeedChannel, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "failed to dial change feed").
			WithMetadata(map[string]any{"resource": req.Resource})
	}

	sub := frame{Type: frameSubscribe, Request: &req}
	if t.token != nil {
		sub.Token = t.token(ctx)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "failed to send subscribe frame").
			WithMetadata(map[string]any{"resource": req.Resource})
	}

	ch := newChannel(conn, req, t.logger)
	ch.emitStatus(auth.StatusConnecting)
	go ch.readLoop()
	go ch.awaitAck(t.subscribeTimeout)
	return ch, nil
}

type channel struct {
	conn   *websocket.Conn
	req    auth.SubscribeRequest
	logger auth.Logger

	events   chan auth.ChangeEvent
	statuses chan auth.ChannelStatus
	acked    chan struct{}
	closing  chan struct{}
	done     chan struct{}

	ackOnce   sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	timedOut  bool
	last      auth.ChannelStatus
}

func newChannel(conn *websocket.Conn, req auth.SubscribeRequest, logger auth.Logger) *channel {
	return &channel{
		conn:     conn,
		req:      req,
		logger:   logger,
		events:   make(chan auth.ChangeEvent, 64),
		statuses: make(chan auth.ChannelStatus, 8),
		acked:    make(chan struct{}),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *channel) Events() <-chan auth.ChangeEvent {
	return c.events
}

func (c *channel) Statuses() <-chan auth.ChannelStatus {
	return c.statuses
}

// Close unsubscribes and waits for the read loop to close both channels
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil && werr != websocket.ErrCloseSent {
			c.logger.Debug("failed to send close frame", "resource", c.req.Resource, "error", werr)
		}
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *channel) readLoop() {
	defer func() {
		close(c.events)
		close(c.statuses)
		close(c.done)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.finish(err)
			return
		}

		switch f.Type {
		case frameStatus:
			if f.Status == auth.StatusSubscribed {
				c.ackOnce.Do(func() { close(c.acked) })
			}
			if f.Error != "" {
				c.logger.Warn("change feed status", "resource", c.req.Resource, "status", f.Status, "reason", f.Error)
			}
			c.emitStatus(f.Status)
		case frameChange:
			if f.Event == nil {
				continue
			}
			select {
			case c.events <- *f.Event:
			case <-c.closing:
				return
			}
		default:
			c.logger.Debug("unknown frame", "type", f.Type)
		}
	}
}

func (c *channel) finish(err error) {
	select {
	case <-c.closing:
		return
	default:
	}

	c.mu.Lock()
	timedOut := c.timedOut
	c.mu.Unlock()
	if timedOut {
		c.emitStatus(auth.StatusTimedOut)
		return
	}

	if c.last == auth.StatusError || c.last == auth.StatusClosed {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.emitStatus(auth.StatusClosed)
		return
	}
	c.logger.Warn("change feed read failed", "resource", c.req.Resource, "error", err)
	c.emitStatus(auth.StatusError)
}

func (c *channel) awaitAck(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.acked:
	case <-c.done:
	case <-c.closing:
	case <-timer.C:
		c.mu.Lock()
		c.timedOut = true
		c.mu.Unlock()
		c.conn.Close()
	}
}

// emitStatus is only called by Subscribe and the read loop, which owns
// the statuses channel.
func (c *channel) emitStatus(status auth.ChannelStatus) {
	c.last = status
	select {
	case c.statuses <- status:
	case <-c.closing:
	}
}
