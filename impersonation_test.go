package auth_test

import (
	"context"
	"testing"
	"time"

	auth "github.com/goliatone/go-storefront-auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestObserverRoundTrip(t *testing.T) {
	admin := newProfile("admin@example.com", auth.RoleAdmin)
	owner := newProfile("owner@example.com", auth.RoleOwner)
	company := newCompany(owner, auth.PlanPro)
	f := newStoreFixture(t, []*auth.Profile{admin, owner}, []*auth.Company{company})
	f.signIn(t, admin)

	activity := &activityRecorder{}
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ctrl := auth.NewImpersonationController(f.store,
		auth.WithImpersonationClock(fixedClock(started)),
		auth.WithImpersonationActivitySink(activity),
	)
	ctx := context.Background()

	require.True(t, ctrl.StartObserving(ctx, company))
	assert.True(t, ctrl.IsObserving())
	assert.Equal(t, owner.ID, f.store.Profile().ID)
	require.NotNil(t, f.store.Company())
	assert.Equal(t, company.ID, f.store.Company().ID)
	// the session still belongs to the admin
	assert.Equal(t, admin.ID, f.store.UserID())

	snap := ctrl.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, admin.ID, snap.UserID)
	assert.Equal(t, admin.ID, snap.Profile.ID)
	assert.Equal(t, started, snap.StartedAt)

	ctrl.StopObserving(ctx)
	assert.False(t, ctrl.IsObserving())
	assert.Nil(t, ctrl.Snapshot())
	assert.Equal(t, admin.ID, f.store.Profile().ID)
	assert.Nil(t, f.store.Company(), "admin owns no company")

	assert.Equal(t, 1, activity.count(auth.ActivityEventObserverStarted))
	assert.Equal(t, 1, activity.count(auth.ActivityEventObserverStopped))

	// the observed company is untouched
	assert.Equal(t, auth.PlanPro, f.companies.get(company.ID).Plan)
}

func TestObserverSwitchKeepsOriginalAdmin(t *testing.T) {
	admin := newProfile("admin@example.com", auth.RoleAdmin)
	first := newProfile("first@example.com", auth.RoleOwner)
	second := newProfile("second@example.com", auth.RoleOwner)
	f := newStoreFixture(t,
		[]*auth.Profile{admin, first, second},
		[]*auth.Company{newCompany(first, auth.PlanFree), newCompany(second, auth.PlanPlus)},
	)
	f.signIn(t, admin)
	ctrl := auth.NewImpersonationController(f.store)
	ctx := context.Background()

	require.True(t, ctrl.StartObservingUser(ctx, first, nil))
	require.True(t, ctrl.StartObservingUser(ctx, second, nil))
	assert.Equal(t, second.ID, f.store.Profile().ID)
	assert.Equal(t, auth.PlanPlus, f.store.Company().Plan)

	ctrl.StopObserving(ctx)
	assert.Equal(t, admin.ID, f.store.Profile().ID)
}

func TestObserverIgnoredForNonAdmin(t *testing.T) {
	owner := newProfile("owner@example.com", auth.RoleOwner)
	other := newProfile("other@example.com", auth.RoleOwner)
	otherCompany := newCompany(other, auth.PlanFree)
	f := newStoreFixture(t, []*auth.Profile{owner, other}, []*auth.Company{newCompany(owner, auth.PlanFree), otherCompany})
	f.signIn(t, owner)
	ctrl := auth.NewImpersonationController(f.store)

	assert.False(t, ctrl.StartObserving(context.Background(), otherCompany))
	assert.False(t, ctrl.IsObserving())
	assert.Equal(t, owner.ID, f.store.Profile().ID)
}

func TestObserverWithoutSession(t *testing.T) {
	owner := newProfile("owner@example.com", auth.RoleOwner)
	f := newStoreFixture(t, []*auth.Profile{owner}, nil)
	ctrl := auth.NewImpersonationController(f.store)

	assert.False(t, ctrl.StartObservingUser(context.Background(), owner, nil))
	assert.False(t, ctrl.StartObserving(context.Background(), nil))
}

func TestStopObservingWhenNotObservingIsNoop(t *testing.T) {
	admin := newProfile("admin@example.com", auth.RoleAdmin)
	f := newStoreFixture(t, []*auth.Profile{admin}, nil)
	f.signIn(t, admin)

	changes := 0
	f.store.OnChange(func() { changes++ })

	ctrl := auth.NewImpersonationController(f.store)
	ctrl.StopObserving(context.Background())

	assert.Equal(t, 0, changes)
	assert.Equal(t, admin.ID, f.store.Profile().ID)
}

func TestObserverDoesNotApplyPushedSnapshots(t *testing.T) {
	admin := newProfile("admin@example.com", auth.RoleAdmin)
	adminCompany := newCompany(admin, auth.PlanFree)
	owner := newProfile("owner@example.com", auth.RoleOwner)
	company := newCompany(owner, auth.PlanPro)
	f := newStoreFixture(t, []*auth.Profile{admin, owner}, []*auth.Company{adminCompany, company})
	f.signIn(t, admin)
	ctrl := auth.NewImpersonationController(f.store)
	require.True(t, ctrl.StartObserving(context.Background(), company))

	pushed := adminCompany.Clone()
	pushed.Name = "pushed"
	assert.False(t, f.store.ApplyCompanySnapshot(pushed))
	assert.Equal(t, company.ID, f.store.Company().ID)

	ctrl.StopObserving(context.Background())
	assert.Equal(t, adminCompany.ID, f.store.Company().ID)
}

func TestObserverBlockedProfileOnReloadKeepsSession(t *testing.T) {
	admin := newProfile("admin@example.com", auth.RoleAdmin)
	owner := newProfile("owner@example.com", auth.RoleOwner)
	company := newCompany(owner, auth.PlanPro)
	f := newStoreFixture(t, []*auth.Profile{admin, owner}, []*auth.Company{company})
	f.signIn(t, admin)
	ctrl := auth.NewImpersonationController(f.store)
	ctx := context.Background()
	require.True(t, ctrl.StartObserving(ctx, company))

	f.profiles.mu.Lock()
	f.profiles.records[admin.ID].Status = auth.ProfileStatusBlocked
	f.profiles.mu.Unlock()

	f.store.Refresh(ctx)

	f.provider.AssertNotCalled(t, "SignOut", mock.Anything)
	require.NotNil(t, f.store.Session())
	assert.Equal(t, admin.ID, f.store.UserID())
	assert.True(t, ctrl.IsObserving())
	assert.Equal(t, owner.ID, f.store.Profile().ID)
	assert.Equal(t, company.ID, f.store.Company().ID)
}

func TestSignOutWhileObservingClearsEverything(t *testing.T) {
	admin := newProfile("admin@example.com", auth.RoleAdmin)
	owner := newProfile("owner@example.com", auth.RoleOwner)
	company := newCompany(owner, auth.PlanPro)
	f := newStoreFixture(t, []*auth.Profile{admin, owner}, []*auth.Company{company})
	f.signIn(t, admin)
	ctrl := auth.NewImpersonationController(f.store)
	require.True(t, ctrl.StartObserving(context.Background(), company))

	f.provider.On("SignOut", mock.Anything).Return(nil).Once()
	require.NoError(t, f.store.SignOut(context.Background()))

	assert.False(t, ctrl.IsObserving())
	assert.Nil(t, f.store.Profile())
	assert.Nil(t, f.store.Company())
}
