package auth_test

import (
	"context"
	"testing"
	"time"

	auth "github.com/goliatone/go-storefront-auth"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, event auth.ChangeEvent) error {
	return assert.AnError
}

func TestPublishingCompaniesWithoutPublisher(t *testing.T) {
	repo := newMemCompanies()
	wrapped := auth.NewPublishingCompanies(repo, nil, nil)
	assert.True(t, wrapped == auth.CompanyRepository(repo))
}

func TestPublishingCompaniesBroadcastsWrites(t *testing.T) {
	owner := newProfile("owner@example.com", auth.RoleOwner)
	company := newCompany(owner, auth.PlanPlus)
	repo := newMemCompanies(company)
	pub := &recordingPublisher{}
	ctx := context.Background()

	companies := auth.NewPublishingCompanies(repo, pub, nil)

	require.NoError(t, companies.UpdatePlan(ctx, company.ID, auth.PlanFree))
	events := pub.list()
	require.Len(t, events, 1)
	assert.Equal(t, auth.ResourceCompanies, events[0].Resource)
	assert.Equal(t, auth.ChangeUpdate, events[0].Type)

	var decoded auth.Company
	require.NoError(t, events[0].Decode(&decoded))
	assert.Equal(t, company.ID, decoded.ID)
	assert.Equal(t, auth.PlanFree, decoded.Plan)

	won, err := companies.MarkRenewalNotified(ctx, company.ID, "2024-06-10")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Len(t, pub.list(), 2)

	won, err = companies.MarkRenewalNotified(ctx, company.ID, "2024-06-10")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Len(t, pub.list(), 2, "a lost marker is not broadcast")

	require.NoError(t, companies.MarkDowngradeNotified(ctx, company.ID, time.Now()))
	assert.Len(t, pub.list(), 3)
}

func TestPublishingCompaniesSkipsFailedWrites(t *testing.T) {
	pub := &recordingPublisher{}
	companies := auth.NewPublishingCompanies(newMemCompanies(), pub, nil)

	err := companies.UpdatePlan(context.Background(), uuid.New(), auth.PlanFree)
	require.Error(t, err)
	assert.Empty(t, pub.list())
}

func TestPublishingNotificationsBroadcastsInserts(t *testing.T) {
	repo := newMemNotifications()
	pub := &recordingPublisher{}
	notifications := auth.NewPublishingNotifications(repo, pub, nil)

	n := &auth.Notification{ID: uuid.New(), UserID: uuid.New(), Type: auth.NotificationBroadcast, Title: "hello"}
	require.NoError(t, notifications.InsertNotification(context.Background(), n))

	events := pub.list()
	require.Len(t, events, 1)
	assert.Equal(t, auth.ResourceNotifications, events[0].Resource)
	assert.Equal(t, auth.ChangeInsert, events[0].Type)

	filter := &auth.EventFilter{Column: "user_id", Value: n.UserID.String()}
	assert.True(t, filter.Match(events[0]))
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	repo := newMemNotifications()
	notifications := auth.NewPublishingNotifications(repo, failingPublisher{}, nil)

	n := &auth.Notification{UserID: uuid.New(), Type: auth.NotificationBroadcast, Title: "hello"}
	require.NoError(t, notifications.InsertNotification(context.Background(), n))
	assert.Len(t, repo.list(), 1)
}
