package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	auth "github.com/goliatone/go-storefront-auth"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPlan(t *testing.T) {
	renewal := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)
	paid := func() *auth.Company {
		r := renewal
		return &auth.Company{ID: uuid.New(), Plan: auth.PlanPro, RenewalDate: &r}
	}

	tests := []struct {
		name    string
		company *auth.Company
		now     time.Time
		want    auth.PlanState
	}{
		{
			name: "nil company",
			now:  renewal,
			want: auth.PlanStateFree,
		},
		{
			name:    "free plan",
			company: &auth.Company{Plan: auth.PlanFree, RenewalDate: &renewal},
			now:     renewal.Add(30 * 24 * time.Hour),
			want:    auth.PlanStateFree,
		},
		{
			name:    "paid without renewal date",
			company: &auth.Company{Plan: auth.PlanPlus},
			now:     renewal,
			want:    auth.PlanStateActive,
		},
		{
			name:    "last second of the day before renewal",
			company: paid(),
			now:     time.Date(2024, 6, 9, 23, 59, 59, 0, time.UTC),
			want:    auth.PlanStateActive,
		},
		{
			name:    "start of the renewal day",
			company: paid(),
			now:     time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
			want:    auth.PlanStateGrace,
		},
		{
			name:    "exactly at the end of grace",
			company: paid(),
			now:     renewal.Add(auth.DefaultGracePeriod),
			want:    auth.PlanStateGrace,
		},
		{
			name:    "one second after grace",
			company: paid(),
			now:     renewal.Add(auth.DefaultGracePeriod + time.Second),
			want:    auth.PlanStateExpiredGrace,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, auth.ClassifyPlan(tt.company, tt.now, time.UTC))
		})
	}
}

func TestClassifyPlanUsesLocationCalendarDay(t *testing.T) {
	east := time.FixedZone("UTC-4", -4*3600)
	// 02:00 UTC on June 10 is still June 9 at UTC-4
	renewal := time.Date(2024, 6, 10, 2, 0, 0, 0, time.UTC)
	company := &auth.Company{Plan: auth.PlanPlus, RenewalDate: &renewal}
	now := time.Date(2024, 6, 9, 23, 0, 0, 0, east)

	assert.Equal(t, auth.PlanStateGrace, auth.ClassifyPlan(company, now, east))
	assert.Equal(t, "2024-06-09", auth.RenewalDay(renewal, east))
	assert.Equal(t, "2024-06-10", auth.RenewalDay(renewal, time.UTC))
}

type engineFixture struct {
	companies     *memCompanies
	products      *memProducts
	notifications *memNotifications
	activity      *activityRecorder
	engine        *auth.PlanLifecycleEngine
	company       *auth.Company
}

type activityRecorder struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (r *activityRecorder) Record(ctx context.Context, event auth.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *activityRecorder) count(kind auth.ActivityEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == kind {
			n++
		}
	}
	return n
}

func newEngineFixture(plan auth.Plan, renewal time.Time, now time.Time, products int) *engineFixture {
	company := &auth.Company{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Name:        "Acme",
		Plan:        plan,
		RenewalDate: &renewal,
	}
	f := &engineFixture{
		companies:     newMemCompanies(company),
		products:      newMemProducts(company.ID, products, renewal.Add(-90*24*time.Hour)),
		notifications: newMemNotifications(),
		activity:      &activityRecorder{},
		company:       company,
	}
	f.engine = auth.NewPlanLifecycleEngine(f.companies, f.products, f.notifications,
		auth.WithEngineClock(fixedClock(now)),
		auth.WithEngineLocation(time.UTC),
		auth.WithEnginePlanSettings(auth.NewPlanSettings(map[auth.Plan]int{auth.PlanFree: 10}, 10)),
		auth.WithEngineActivitySink(f.activity),
	)
	return f
}

func TestEngineGraceNoticeSentOncePerRenewal(t *testing.T) {
	renewal := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(auth.PlanPro, renewal, renewal.Add(2*time.Hour), 0)
	ctx := context.Background()

	company, state, err := f.engine.Evaluate(ctx, f.company.Clone())
	require.NoError(t, err)
	assert.Equal(t, auth.PlanStateGrace, state)
	assert.Equal(t, "2024-06-10", company.LastNotifiedRenewalDay)

	list := f.notifications.list()
	require.Len(t, list, 1)
	notice := list[0]
	assert.Equal(t, auth.NotificationPlanGrace, notice.Type)
	assert.Equal(t, f.company.UserID, notice.UserID)
	assert.Contains(t, notice.Content, "June 10, 2024")
	assert.Contains(t, notice.Content, "3 days")
	assert.Equal(t, "2024-06-10", f.companies.get(f.company.ID).LastNotifiedRenewalDay)

	_, _, err = f.engine.Evaluate(ctx, company)
	require.NoError(t, err)

	// a stale copy without the marker loses the conditional update
	_, _, err = f.engine.Evaluate(ctx, f.company.Clone())
	require.NoError(t, err)

	assert.Len(t, f.notifications.list(), 1)
	assert.Equal(t, int32(1), f.notifications.inserts.Load())
	assert.Equal(t, 1, f.activity.count(auth.ActivityEventPlanGraceNotice))
}

func TestEngineGraceNoticeLostInsertIsNotRetried(t *testing.T) {
	renewal := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(auth.PlanPlus, renewal, renewal.Add(2*time.Hour), 0)
	ctx := context.Background()
	f.notifications.failInserts(assert.AnError)

	company, state, err := f.engine.Evaluate(ctx, f.company.Clone())
	require.NoError(t, err)
	assert.Equal(t, auth.PlanStateGrace, state)
	assert.Equal(t, "2024-06-10", company.LastNotifiedRenewalDay)
	assert.Equal(t, "2024-06-10", f.companies.get(f.company.ID).LastNotifiedRenewalDay)
	assert.Empty(t, f.notifications.list())
	assert.Equal(t, 0, f.activity.count(auth.ActivityEventPlanGraceNotice))

	f.notifications.failInserts(nil)

	_, _, err = f.engine.Evaluate(ctx, f.companies.get(f.company.ID))
	require.NoError(t, err)
	_, _, err = f.engine.Evaluate(ctx, f.company.Clone())
	require.NoError(t, err)

	assert.Empty(t, f.notifications.list())
	assert.Equal(t, int32(1), f.notifications.inserts.Load())
	assert.Equal(t, 0, f.activity.count(auth.ActivityEventPlanGraceNotice))
}

func TestEngineConcurrentGraceEvaluationsInsertOnce(t *testing.T) {
	renewal := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(auth.PlanPlus, renewal, renewal.Add(time.Hour), 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.engine.Evaluate(context.Background(), f.company.Clone())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), f.companies.markCalls.Load())
	assert.Equal(t, int32(1), f.notifications.inserts.Load())
	assert.Len(t, f.notifications.list(), 1)
}

func TestEngineNewRenewalCycleNotifiesAgain(t *testing.T) {
	renewal := time.Date(2024, 7, 10, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(auth.PlanPro, renewal, renewal.Add(time.Hour), 0)
	f.company.LastNotifiedRenewalDay = "2024-06-10"
	f.companies.records[f.company.ID].LastNotifiedRenewalDay = "2024-06-10"

	company, state, err := f.engine.Evaluate(context.Background(), f.company.Clone())
	require.NoError(t, err)
	assert.Equal(t, auth.PlanStateGrace, state)
	assert.Equal(t, "2024-07-10", company.LastNotifiedRenewalDay)
	assert.Len(t, f.notifications.list(), 1)
}

func TestEngineDowngradeTrimsProductsAndNotifiesOnce(t *testing.T) {
	renewal := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	now := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(auth.PlanPlus, renewal, now, 14)
	ctx := context.Background()

	company, state, err := f.engine.Evaluate(ctx, f.company.Clone())
	require.NoError(t, err)
	assert.Equal(t, auth.PlanStateFree, state)
	require.NotNil(t, company)
	assert.Equal(t, auth.PlanFree, company.Plan)
	require.NotNil(t, company.LastDowngradeNotifiedAt)

	active := f.products.activeNames()
	require.Len(t, active, 10)
	for _, name := range active {
		assert.Less(t, name, "product-10", "oldest products stay active")
	}

	list := f.notifications.list()
	require.Len(t, list, 1)
	assert.Equal(t, auth.NotificationPlanDowngrade, list[0].Type)
	assert.Equal(t, 4, list[0].Metadata["deactivated"])
	assert.Contains(t, list[0].Content, "4 products")

	// running again for the same expiry changes nothing
	_, err = f.engine.Downgrade(ctx, f.company.Clone())
	require.NoError(t, err)
	assert.Len(t, f.products.activeNames(), 10)
	assert.Len(t, f.notifications.list(), 1)

	_, state, err = f.engine.Evaluate(ctx, company)
	require.NoError(t, err)
	assert.Equal(t, auth.PlanStateFree, state)
	assert.Equal(t, int32(2), f.companies.planUpdates.Load())
}

func TestEngineDowngradeWithinLimitKeepsProducts(t *testing.T) {
	renewal := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(auth.PlanPro, renewal, renewal.Add(10*24*time.Hour), 6)

	company, err := f.engine.Downgrade(context.Background(), f.company.Clone())
	require.NoError(t, err)
	assert.Equal(t, auth.PlanFree, company.Plan)
	assert.Len(t, f.products.activeNames(), 6)

	list := f.notifications.list()
	require.Len(t, list, 1)
	assert.NotContains(t, list[0].Content, "hidden")
	assert.Equal(t, 1, f.activity.count(auth.ActivityEventPlanDowngraded))
}

func TestEngineDowngradeNilCompany(t *testing.T) {
	f := newEngineFixture(auth.PlanPro, time.Now(), time.Now(), 0)
	_, err := f.engine.Downgrade(context.Background(), nil)
	assert.Error(t, err)
}

func TestPlanSettings(t *testing.T) {
	settings := auth.NewPlanSettings(map[auth.Plan]int{
		auth.PlanFree: 5,
		auth.PlanPlus: 50,
	}, 10)

	assert.Equal(t, 5, settings.FreeLimit())
	assert.Equal(t, 50, settings.ProductLimit(auth.PlanPlus))
	assert.Equal(t, -1, settings.ProductLimit(auth.PlanPro))

	assert.True(t, settings.CanAddProduct(&auth.Company{Plan: auth.PlanFree}, 4))
	assert.False(t, settings.CanAddProduct(&auth.Company{Plan: auth.PlanFree}, 5))
	assert.True(t, settings.CanAddProduct(&auth.Company{Plan: auth.PlanPro}, 5000))
	assert.False(t, settings.CanAddProduct(nil, 0))

	defaults := auth.NewPlanSettings(nil, 0)
	assert.Equal(t, auth.DefaultFreeProductLimit, defaults.FreeLimit())
}

type failingPlanLimits struct{}

func (failingPlanLimits) ListPlanLimits(context.Context) (map[auth.Plan]int, error) {
	return nil, assert.AnError
}

func TestLoadPlanSettingsDegradesToDefaults(t *testing.T) {
	settings, err := auth.LoadPlanSettings(context.Background(), failingPlanLimits{}, 12)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 12, settings.FreeLimit())
}
