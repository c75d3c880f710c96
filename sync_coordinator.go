package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultReconnectDelay     = 5 * time.Second
	DefaultAccountReloadDelay = 500 * time.Millisecond
	DefaultRecountDelay       = 300 * time.Millisecond
	DefaultPollInterval       = 30 * time.Second
)

const (
	// ResourceCompanies is the account feed resource, filtered client side
	ResourceCompanies = "companies"
	// ResourceNotifications is the notification feed resource, filtered by user_id
	ResourceNotifications = "notifications"
)

// SyncOption customizes a SyncCoordinator.
type SyncOption func(*SyncCoordinator)

// WithReconnectDelay sets the delay before a failed feed subscribes again.
func WithReconnectDelay(d time.Duration) SyncOption {
	return func(c *SyncCoordinator) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithAccountReloadDelay sets the delay between an account change and the forced reload.
func WithAccountReloadDelay(d time.Duration) SyncOption {
	return func(c *SyncCoordinator) {
		if d > 0 {
			c.accountReloadDelay = d
		}
	}
}

// WithRecountDelay sets the delay between a notification change and the recount.
func WithRecountDelay(d time.Duration) SyncOption {
	return func(c *SyncCoordinator) {
		if d > 0 {
			c.recountDelay = d
		}
	}
}

// WithPollInterval sets the unread count polling interval.
func WithPollInterval(d time.Duration) SyncOption {
	return func(c *SyncCoordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithSyncLogger overrides the logger.
func WithSyncLogger(logger Logger) SyncOption {
	return func(c *SyncCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSyncMetrics sets the metrics recorder.
func WithSyncMetrics(m MetricsRecorder) SyncOption {
	return func(c *SyncCoordinator) {
		c.metrics = normalizeMetrics(m)
	}
}

// FeedSnapshot describes a feed for diagnostics
type FeedSnapshot struct {
	Feed             FeedName  `json:"feed"`
	State            FeedState `json:"state"`
	ReconnectPending bool      `json:"reconnect_pending"`
	Subscribes       int       `json:"subscribes"`
	Refreshes        int       `json:"refreshes"`
	Events           int       `json:"events"`
}

// SyncCoordinator keeps the account and notification feeds of the session
// user open, reconnecting on failure, and polls the unread count.
type SyncCoordinator struct {
	transport Transport
	store     *IdentityStore
	counter   *NotificationCounter

	reconnectDelay     time.Duration
	accountReloadDelay time.Duration
	recountDelay       time.Duration
	pollInterval       time.Duration

	logger  Logger
	metrics MetricsRecorder

	mu      sync.Mutex
	userID  uuid.UUID
	cancel  context.CancelFunc
	runners map[FeedName]*feedRunner

	wg sync.WaitGroup
}

// NewSyncCoordinator returns a coordinator; it does nothing until Start.
func NewSyncCoordinator(transport Transport, store *IdentityStore, counter *NotificationCounter, opts ...SyncOption) *SyncCoordinator {
	c := &SyncCoordinator{
		transport:          transport,
		store:              store,
		counter:            counter,
		reconnectDelay:     DefaultReconnectDelay,
		accountReloadDelay: DefaultAccountReloadDelay,
		recountDelay:       DefaultRecountDelay,
		pollInterval:       DefaultPollInterval,
		logger:             newDefLogger("sync"),
		metrics:            noopMetrics{},
		runners:            map[FeedName]*feedRunner{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start opens the feeds for userID. Starting for the user already being
// synced is a no-op; another user replaces the running feeds.
func (c *SyncCoordinator) Start(ctx context.Context, userID uuid.UUID) {
	if userID == uuid.Nil {
		c.Stop()
		return
	}

	c.mu.Lock()
	if c.cancel != nil && c.userID == userID {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.userID = userID

	account := &feedRunner{
		name:    FeedAccount,
		req:     SubscribeRequest{Resource: ResourceCompanies},
		delay:   c.accountReloadDelay,
		coord:   c,
		machine: newFeedMachine(),
	}
	account.onEvent = func(ctx context.Context, ev ChangeEvent) bool {
		return c.handleAccountEvent(userID, ev)
	}
	account.refresh = func(ctx context.Context) {
		c.store.RefreshCompany(ctx)
	}
	account.followUp = func(ctx context.Context) {
		c.store.LoadUserData(ctx, userID, true)
	}

	notifications := &feedRunner{
		name: FeedNotifications,
		req: SubscribeRequest{
			Resource: ResourceNotifications,
			Filter:   &EventFilter{Column: "user_id", Value: userID.String()},
		},
		delay:   c.recountDelay,
		coord:   c,
		machine: newFeedMachine(),
	}
	notifications.onEvent = func(ctx context.Context, ev ChangeEvent) bool {
		return c.counter != nil && !c.counter.Suppressed()
	}
	notifications.refresh = func(ctx context.Context) {
		c.recount(ctx, userID)
	}
	notifications.followUp = func(ctx context.Context) {
		c.recount(ctx, userID)
	}

	c.runners = map[FeedName]*feedRunner{
		FeedAccount:       account,
		FeedNotifications: notifications,
	}
	c.mu.Unlock()

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		account.run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		notifications.run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.poll(runCtx, userID)
	}()

	c.logger.Debug("sync started", "user_id", userID)
}

// Stop tears the feeds down without waiting. It is safe to call from a
// feed callback.
func (c *SyncCoordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
	c.logger.Debug("sync stopped", "user_id", c.userID)
	c.userID = uuid.Nil
}

// Close stops the feeds and waits for every goroutine to exit.
func (c *SyncCoordinator) Close() {
	c.Stop()
	c.wg.Wait()
}

// Running reports whether feeds are open
func (c *SyncCoordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Snapshot returns the state of feed
func (c *SyncCoordinator) Snapshot(feed FeedName) FeedSnapshot {
	c.mu.Lock()
	r := c.runners[feed]
	c.mu.Unlock()
	if r == nil {
		return FeedSnapshot{Feed: feed, State: FeedIdle}
	}
	return r.snapshot()
}

func (c *SyncCoordinator) handleAccountEvent(userID uuid.UUID, ev ChangeEvent) bool {
	company := &Company{}
	if err := ev.Decode(company); err != nil {
		c.logger.Warn("failed to decode account event", "type", ev.Type, "error", err)
		return false
	}
	if company.UserID != userID {
		return false
	}
	if ev.Type != ChangeDelete {
		c.store.ApplyCompanySnapshot(company)
	}
	return true
}

// recount is skipped while the counter is suppressed.
func (c *SyncCoordinator) recount(ctx context.Context, userID uuid.UUID) {
	if c.counter == nil {
		return
	}
	_ = c.counter.RefreshUnlessSuppressed(ctx, userID)
}

func (c *SyncCoordinator) poll(ctx context.Context, userID uuid.UUID) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.recount(ctx, userID)
		}
	}
}

// feedRunner drives one feed from a single goroutine.
type feedRunner struct {
	name  FeedName
	req   SubscribeRequest
	delay time.Duration
	coord *SyncCoordinator

	// onEvent reports whether the event should trigger followUp
	onEvent  func(ctx context.Context, ev ChangeEvent) bool
	refresh  func(ctx context.Context)
	followUp func(ctx context.Context)

	mu         sync.Mutex
	machine    feedMachine
	subscribes int
	refreshes  int
	events     int
}

func (r *feedRunner) run(ctx context.Context) {
	var (
		channel   FeedChannel
		events    <-chan ChangeEvent
		statuses  <-chan ChannelStatus
		reconnect *time.Timer
		reconnC   <-chan time.Time
		debounce  *time.Timer
		debounceC <-chan time.Time
	)

	closeChannel := func() {
		if channel != nil {
			if err := channel.Close(); err != nil {
				r.coord.logger.Debug("feed close failed", "feed", r.name, "error", err)
			}
		}
		channel, events, statuses = nil, nil, nil
	}

	var handle func(status ChannelStatus)

	subscribe := func() {
		r.mu.Lock()
		r.machine.connecting()
		r.subscribes++
		r.mu.Unlock()
		r.coord.metrics.FeedState(r.name, FeedConnecting)

		fc, err := r.coord.transport.Subscribe(ctx, r.req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.coord.logger.Warn("feed subscribe failed", "feed", r.name, "error", err)
			handle(StatusError)
			return
		}
		channel = fc
		events = fc.Events()
		statuses = fc.Statuses()
	}

	handle = func(status ChannelStatus) {
		r.mu.Lock()
		action := r.machine.onStatus(status)
		state := r.machine.state
		if action.refresh {
			r.refreshes++
		}
		r.mu.Unlock()

		r.coord.metrics.FeedState(r.name, state)
		if state != FeedSubscribed && state != FeedConnecting {
			r.coord.logger.Warn("feed not subscribed", "feed", r.name, "status", status)
		}

		if action.cancelReconnect && reconnect != nil {
			reconnect.Stop()
			reconnect, reconnC = nil, nil
		}
		if action.refresh {
			r.spawn(ctx, r.refresh)
		}
		if action.scheduleReconnect {
			reconnect = time.NewTimer(r.coord.reconnectDelay)
			reconnC = reconnect.C
		}
	}

	defer func() {
		closeChannel()
		if reconnect != nil {
			reconnect.Stop()
		}
		if debounce != nil {
			debounce.Stop()
		}
		r.mu.Lock()
		r.machine.tearDown()
		r.mu.Unlock()
		r.coord.metrics.FeedState(r.name, FeedTornDown)
	}()

	subscribe()

	for {
		select {
		case <-ctx.Done():
			return

		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				if events == nil && !r.failed() {
					handle(StatusClosed)
				}
				continue
			}
			handle(status)

		case ev, ok := <-events:
			if !ok {
				events = nil
				if statuses == nil && !r.failed() {
					handle(StatusClosed)
				}
				continue
			}
			r.mu.Lock()
			r.events++
			r.mu.Unlock()
			if r.onEvent(ctx, ev) && debounce == nil {
				debounce = time.NewTimer(r.delay)
				debounceC = debounce.C
			}

		case <-debounceC:
			debounce, debounceC = nil, nil
			r.spawn(ctx, r.followUp)

		case <-reconnC:
			reconnect, reconnC = nil, nil
			r.mu.Lock()
			again := r.machine.onReconnectFired()
			r.mu.Unlock()
			if !again {
				continue
			}
			closeChannel()
			r.coord.metrics.FeedReconnect(r.name)
			subscribe()
		}
	}
}

// spawn runs fn off the select loop, tracked by the coordinator.
func (r *feedRunner) spawn(ctx context.Context, fn func(ctx context.Context)) {
	r.coord.wg.Add(1)
	go func() {
		defer r.coord.wg.Done()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}()
}

// failed reports whether the last status already was a failure, so a
// channel closing right after it is not counted twice.
func (r *feedRunner) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.machine.state {
	case FeedClosed, FeedTimedOut, FeedErrored:
		return true
	}
	return false
}

func (r *feedRunner) snapshot() FeedSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return FeedSnapshot{
		Feed:             r.name,
		State:            r.machine.state,
		ReconnectPending: r.machine.reconnectPending,
		Subscribes:       r.subscribes,
		Refreshes:        r.refreshes,
		Events:           r.events,
	}
}
