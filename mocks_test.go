package auth_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	auth "github.com/goliatone/go-storefront-auth"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockAuthProvider implements auth.AuthProvider. Session listeners are kept
// so tests can emit provider events.
type MockAuthProvider struct {
	mock.Mock

	mu        sync.Mutex
	listeners []auth.SessionListener
}

func (m *MockAuthProvider) CurrentSession(ctx context.Context) (*auth.Session, error) {
	args := m.Called(ctx)
	session, _ := args.Get(0).(*auth.Session)
	return session, args.Error(1)
}

func (m *MockAuthProvider) SignInWithPassword(ctx context.Context, creds auth.Credentials) (*auth.Session, error) {
	args := m.Called(ctx, creds)
	session, _ := args.Get(0).(*auth.Session)
	return session, args.Error(1)
}

func (m *MockAuthProvider) SignInWithProvider(ctx context.Context, provider, redirectTo string) (string, error) {
	args := m.Called(ctx, provider, redirectTo)
	return args.String(0), args.Error(1)
}

func (m *MockAuthProvider) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockAuthProvider) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	args := m.Called(ctx, email, redirectTo)
	return args.Error(0)
}

func (m *MockAuthProvider) UpdatePassword(ctx context.Context, newPassword string) error {
	args := m.Called(ctx, newPassword)
	return args.Error(0)
}

func (m *MockAuthProvider) ResendConfirmation(ctx context.Context, email string) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}

func (m *MockAuthProvider) OnSessionChange(fn auth.SessionListener) func() {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
	return func() {}
}

func (m *MockAuthProvider) emit(event auth.SessionEvent, session *auth.Session) {
	m.mu.Lock()
	listeners := append([]auth.SessionListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(event, session)
	}
}

type memProfiles struct {
	mu      sync.Mutex
	records map[uuid.UUID]*auth.Profile
	calls   atomic.Int32
	gate    chan struct{}
	// gates holds a call by its 1-based number; it wins over gate
	gates map[int32]chan struct{}
}

func newMemProfiles(profiles ...*auth.Profile) *memProfiles {
	m := &memProfiles{records: map[uuid.UUID]*auth.Profile{}}
	for _, p := range profiles {
		m.records[p.ID] = p.Clone()
	}
	return m
}

// GetProfile reads the record before waiting on its gate.
func (m *memProfiles) GetProfile(ctx context.Context, userID uuid.UUID) (*auth.Profile, error) {
	n := m.calls.Add(1)

	m.mu.Lock()
	p, ok := m.records[userID]
	var snapshot *auth.Profile
	if ok {
		snapshot = p.Clone()
	}
	gate := m.gate
	if g, found := m.gates[n]; found {
		gate = g
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, repository.NewRecordNotFound()
	}
	return snapshot, nil
}

func (m *memProfiles) holdCall(n int32) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gates == nil {
		m.gates = map[int32]chan struct{}{}
	}
	ch := make(chan struct{})
	m.gates[n] = ch
	return ch
}

type memCompanies struct {
	mu          sync.Mutex
	records     map[uuid.UUID]*auth.Company
	markCalls   atomic.Int32
	planUpdates atomic.Int32
}

func newMemCompanies(companies ...*auth.Company) *memCompanies {
	m := &memCompanies{records: map[uuid.UUID]*auth.Company{}}
	for _, c := range companies {
		m.records[c.ID] = c.Clone()
	}
	return m
}

func (m *memCompanies) GetCompany(ctx context.Context, companyID uuid.UUID) (*auth.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[companyID]
	if !ok {
		return nil, repository.NewRecordNotFound()
	}
	return c.Clone(), nil
}

func (m *memCompanies) GetCompanyByOwner(ctx context.Context, userID uuid.UUID) (*auth.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.records {
		if c.UserID == userID {
			return c.Clone(), nil
		}
	}
	return nil, repository.NewRecordNotFound()
}

func (m *memCompanies) UpdatePlan(ctx context.Context, companyID uuid.UUID, plan auth.Plan) error {
	m.planUpdates.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[companyID]
	if !ok {
		return repository.NewRecordNotFound()
	}
	c.Plan = plan
	return nil
}

func (m *memCompanies) MarkRenewalNotified(ctx context.Context, companyID uuid.UUID, day string) (bool, error) {
	m.markCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[companyID]
	if !ok {
		return false, repository.NewRecordNotFound()
	}
	if c.LastNotifiedRenewalDay == day {
		return false, nil
	}
	c.LastNotifiedRenewalDay = day
	return true, nil
}

func (m *memCompanies) MarkDowngradeNotified(ctx context.Context, companyID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[companyID]
	if !ok {
		return repository.NewRecordNotFound()
	}
	if c.LastDowngradeNotifiedAt == nil {
		c.LastDowngradeNotifiedAt = &at
	}
	return nil
}

func (m *memCompanies) get(id uuid.UUID) *auth.Company {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id].Clone()
}

type memNotifications struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*auth.Notification
	inserts   atomic.Int32
	counts    atomic.Int32
	unread    *int
	insertErr error
	countGate chan struct{}
}

func newMemNotifications() *memNotifications {
	return &memNotifications{records: map[uuid.UUID]*auth.Notification{}}
}

func (m *memNotifications) InsertNotification(ctx context.Context, n *auth.Notification) error {
	m.inserts.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if _, ok := m.records[n.ID]; ok {
		return nil
	}
	cp := *n
	m.records[n.ID] = &cp
	return nil
}

func (m *memNotifications) CountUnread(ctx context.Context, userID uuid.UUID, exclude []auth.NotificationType) (int, error) {
	m.counts.Add(1)
	if m.countGate != nil {
		select {
		case <-m.countGate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unread != nil {
		return *m.unread, nil
	}
	skip := map[auth.NotificationType]bool{}
	for _, t := range exclude {
		skip[t] = true
	}
	n := 0
	for _, rec := range m.records {
		if rec.UserID == userID && !rec.IsRead && !skip[rec.Type] {
			n++
		}
	}
	return n, nil
}

func (m *memNotifications) failInserts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertErr = err
}

func (m *memNotifications) setUnread(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unread = &n
}

func (m *memNotifications) list() []*auth.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*auth.Notification, 0, len(m.records))
	for _, n := range m.records {
		out = append(out, n)
	}
	return out
}

type memProducts struct {
	mu      sync.Mutex
	records []*auth.Product
}

func newMemProducts(companyID uuid.UUID, count int, start time.Time) *memProducts {
	m := &memProducts{}
	for i := 0; i < count; i++ {
		created := start.Add(time.Duration(i) * time.Minute)
		m.records = append(m.records, &auth.Product{
			ID:        uuid.New(),
			CompanyID: companyID,
			Name:      fmt.Sprintf("product-%02d", i),
			Active:    true,
			CreatedAt: &created,
		})
	}
	return m
}

func (m *memProducts) ListActiveProducts(ctx context.Context, companyID uuid.UUID) ([]*auth.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*auth.Product{}
	for _, p := range m.records {
		if p.CompanyID == companyID && p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(*out[j].CreatedAt)
	})
	return out, nil
}

func (m *memProducts) DeactivateProducts(ctx context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := map[uuid.UUID]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	for _, p := range m.records {
		if drop[p.ID] {
			p.Active = false
		}
	}
	return nil
}

func (m *memProducts) activeNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for _, p := range m.records {
		if p.Active {
			out = append(out, p.Name)
		}
	}
	return out
}

type memUpgrades struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*auth.UpgradeRequest
}

func (m *memUpgrades) GetPendingUpgrade(ctx context.Context, companyID uuid.UUID) (*auth.UpgradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return nil, nil
	}
	up, ok := m.pending[companyID]
	if !ok {
		return nil, nil
	}
	cp := *up
	return &cp, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []auth.ChangeEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event auth.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) list() []auth.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]auth.ChangeEvent(nil), p.events...)
}

// fakeTransport hands out fakeChannels and keeps them for the test to drive.
type fakeTransport struct {
	mu       sync.Mutex
	channels map[string][]*fakeChannel
	requests []auth.SubscribeRequest
	fail     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{channels: map[string][]*fakeChannel{}}
}

func (t *fakeTransport) Subscribe(ctx context.Context, req auth.SubscribeRequest) (auth.FeedChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	if t.fail != nil {
		return nil, t.fail
	}
	ch := &fakeChannel{
		events:   make(chan auth.ChangeEvent, 16),
		statuses: make(chan auth.ChannelStatus, 16),
	}
	t.channels[req.Resource] = append(t.channels[req.Resource], ch)
	return ch, nil
}

func (t *fakeTransport) subscribes(resource string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels[resource])
}

func (t *fakeTransport) latest(resource string) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.channels[resource]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (t *fakeTransport) request(resource string) (auth.SubscribeRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.requests {
		if r.Resource == resource {
			return r, true
		}
	}
	return auth.SubscribeRequest{}, false
}

type fakeChannel struct {
	events   chan auth.ChangeEvent
	statuses chan auth.ChannelStatus
	closed   atomic.Bool
}

func (c *fakeChannel) Events() <-chan auth.ChangeEvent {
	return c.events
}

func (c *fakeChannel) Statuses() <-chan auth.ChannelStatus {
	return c.statuses
}

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeChannel) status(s auth.ChannelStatus) {
	c.statuses <- s
}

func (c *fakeChannel) event(ev auth.ChangeEvent) {
	c.events <- ev
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
