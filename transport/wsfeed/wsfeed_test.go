package wsfeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	auth "github.com/goliatone/go-storefront-auth"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextStatus(t *testing.T, ch auth.FeedChannel) auth.ChannelStatus {
	t.Helper()
	select {
	case st, ok := <-ch.Statuses():
		require.True(t, ok, "statuses closed")
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return ""
}

func notification(t *testing.T, userID string) auth.ChangeEvent {
	t.Helper()
	ev, err := auth.NewChangeEvent(auth.ResourceNotifications, auth.ChangeInsert, map[string]any{
		"id":      "n-" + userID,
		"user_id": userID,
	})
	require.NoError(t, err)
	return ev
}

func TestHubDeliversFilteredEvents(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx := context.Background()
	ch, err := New(wsURL(srv)).Subscribe(ctx, auth.SubscribeRequest{
		Resource: auth.ResourceNotifications,
		Filter:   &auth.EventFilter{Column: "user_id", Value: "user-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, auth.StatusConnecting, nextStatus(t, ch))
	assert.Equal(t, auth.StatusSubscribed, nextStatus(t, ch))
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, notification(t, "user-2")))
	require.NoError(t, hub.Publish(ctx, notification(t, "user-1")))

	select {
	case ev := <-ch.Events():
		var record map[string]any
		require.NoError(t, ev.Decode(&record))
		assert.Equal(t, "user-1", record["user_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	hub.Close()
	assert.Equal(t, auth.StatusClosed, nextStatus(t, ch))
	require.NoError(t, ch.Close())

	_, ok := <-ch.Statuses()
	assert.False(t, ok)
}

func TestHubRejectsForeignFilter(t *testing.T) {
	hub := NewHub(WithAuthenticator(func(token string) (string, error) {
		if token == "" {
			return "", errors.New("missing token")
		}
		return token, nil
	}))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	tr := New(wsURL(srv), WithTokenSource(func(context.Context) string { return "user-1" }))
	ch, err := tr.Subscribe(context.Background(), auth.SubscribeRequest{
		Resource: auth.ResourceNotifications,
		Filter:   &auth.EventFilter{Column: "user_id", Value: "user-2"},
	})
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, auth.StatusConnecting, nextStatus(t, ch))
	assert.Equal(t, auth.StatusError, nextStatus(t, ch))

	_, ok := <-ch.Statuses()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Clients())
}

func TestTransportTimesOutWithoutAck(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ch, err := New(wsURL(srv), WithSubscribeTimeout(50*time.Millisecond)).
		Subscribe(context.Background(), auth.SubscribeRequest{Resource: auth.ResourceCompanies})
	require.NoError(t, err)

	assert.Equal(t, auth.StatusConnecting, nextStatus(t, ch))
	assert.Equal(t, auth.StatusTimedOut, nextStatus(t, ch))
	require.NoError(t, ch.Close())
}

func TestTransportDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := New(wsURL(srv)).Subscribe(context.Background(), auth.SubscribeRequest{Resource: auth.ResourceCompanies})
	assert.Error(t, err)
}
