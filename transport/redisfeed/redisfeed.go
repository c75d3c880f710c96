// Package redisfeed carries change feeds over Redis pub/sub.
//
// Events of a resource are published on "<prefix>:<resource>". When the
// record carries the owner column they are also published on
// "<prefix>:<resource>:<column>:<value>", and subscriptions filtered on that
// column listen there only.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/goliatone/go-storefront-auth"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPrefix           = "storefront:changes"
	DefaultOwnerColumn      = "user_id"
	DefaultSubscribeTimeout = 10 * time.Second
)

// Option customizes a Transport or Publisher
type Option func(*options)

type options struct {
	prefix           string
	ownerColumn      string
	subscribeTimeout time.Duration
	logger           auth.Logger
}

// WithPrefix sets the channel prefix
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithOwnerColumn sets the column that gets its own channel
func WithOwnerColumn(column string) Option {
	return func(o *options) {
		if column != "" {
			o.ownerColumn = column
		}
	}
}

// WithSubscribeTimeout bounds the wait for the subscription confirmation
func WithSubscribeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.subscribeTimeout = d
		}
	}
}

// WithLogger overrides the logger
func WithLogger(logger auth.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		prefix:           DefaultPrefix,
		ownerColumn:      DefaultOwnerColumn,
		subscribeTimeout: DefaultSubscribeTimeout,
		logger:           auth.NewLogrusLogger(logrus.StandardLogger().WithField("component", "redisfeed")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o options) resourceChannel(resource string) string {
	return fmt.Sprintf("%s:%s", o.prefix, resource)
}

func (o options) ownerChannel(resource, value string) string {
	return fmt.Sprintf("%s:%s:%s:%s", o.prefix, resource, o.ownerColumn, value)
}

// Transport is an auth.Transport over Redis pub/sub
type Transport struct {
	client *redis.Client
	opts   options
}

var _ auth.Transport = (*Transport)(nil)

// NewTransport returns a Transport using client
func NewTransport(client *redis.Client, opts ...Option) *Transport {
	return &Transport{client: client, opts: newOptions(opts)}
}

func (t *Transport) Subscribe(ctx context.Context, req auth.SubscribeRequest) (auth.FeedChannel, error) {
	if req.Resource == "" {
		return nil, goerrors.New("resource is required", goerrors.CategoryBadInput)
	}

	name := t.opts.resourceChannel(req.Resource)
	if req.Filter != nil && req.Filter.Column == t.opts.ownerColumn {
		name = t.opts.ownerChannel(req.Resource, req.Filter.Value)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	ch := &channel{
		pubsub:   t.client.Subscribe(ctx, name),
		req:      req,
		name:     name,
		logger:   t.opts.logger,
		events:   make(chan auth.ChangeEvent, 64),
		statuses: make(chan auth.ChannelStatus, 8),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	ch.statuses <- auth.StatusConnecting
	go ch.loop(lifetime, t.opts.subscribeTimeout)
	return ch, nil
}

type channel struct {
	pubsub *redis.PubSub
	req    auth.SubscribeRequest
	name   string
	logger auth.Logger

	events   chan auth.ChangeEvent
	statuses chan auth.ChannelStatus
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func (c *channel) Events() <-chan auth.ChangeEvent {
	return c.events
}

func (c *channel) Statuses() <-chan auth.ChannelStatus {
	return c.statuses
}

func (c *channel) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.pubsub.Close()
	})
	<-c.done
	return err
}

func (c *channel) loop(ctx context.Context, timeout time.Duration) {
	defer func() {
		close(c.events)
		close(c.statuses)
		close(c.done)
	}()

	if status := c.confirm(ctx, timeout); status != auth.StatusSubscribed {
		if ctx.Err() == nil {
			c.emit(ctx, status)
		}
		return
	}
	c.emit(ctx, auth.StatusSubscribed)

	for {
		msg, err := c.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.ErrClosed) {
				c.emit(ctx, auth.StatusClosed)
				return
			}
			c.logger.Warn("change feed receive failed", "channel", c.name, "error", err)
			c.emit(ctx, auth.StatusError)
			return
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}

		var ev auth.ChangeEvent
		if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
			c.logger.Warn("invalid change event payload", "channel", c.name, "error", err)
			continue
		}
		if !c.req.Filter.Match(ev) {
			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *channel) confirm(ctx context.Context, timeout time.Duration) auth.ChannelStatus {
	confirmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		msg, err := c.pubsub.Receive(confirmCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return auth.StatusTimedOut
			}
			c.logger.Warn("change feed subscribe failed", "channel", c.name, "error", err)
			return auth.StatusError
		}
		if sub, ok := msg.(*redis.Subscription); ok && sub.Kind == "subscribe" {
			return auth.StatusSubscribed
		}
	}
}

func (c *channel) emit(ctx context.Context, status auth.ChannelStatus) {
	select {
	case c.statuses <- status:
	case <-ctx.Done():
	}
}

// Publisher publishes change events for Transport subscribers
type Publisher struct {
	client *redis.Client
	opts   options
}

var _ auth.Publisher = (*Publisher)(nil)

// NewPublisher returns a Publisher using client
func NewPublisher(client *redis.Client, opts ...Option) *Publisher {
	return &Publisher{client: client, opts: newOptions(opts)}
}

func (p *Publisher) Publish(ctx context.Context, event auth.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode change event")
	}

	channels := []string{p.opts.resourceChannel(event.Resource)}
	record := map[string]any{}
	if err := event.Decode(&record); err == nil {
		if v, ok := record[p.opts.ownerColumn]; ok && v != nil {
			channels = append(channels, p.opts.ownerChannel(event.Resource, fmt.Sprint(v)))
		}
	}

	for _, name := range channels {
		if err := p.client.Publish(ctx, name, payload).Err(); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryExternal, "failed to publish change event").
				WithMetadata(map[string]any{"channel": name})
		}
	}
	return nil
}
