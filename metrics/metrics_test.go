package metrics

import (
	"testing"
	"time"

	auth "github.com/goliatone/go-storefront-auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := NewRecorder(registry)

	r.PlanEvaluated(auth.PlanStateGrace)
	r.PlanEvaluated(auth.PlanStateGrace)
	r.GraceNotified()
	r.Downgraded(4)
	r.Downgraded(0)
	r.FeedReconnect(auth.FeedAccount)
	r.UnreadCount(6)
	r.UserDataLoaded(120 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.planEvaluations.WithLabelValues(string(auth.PlanStateGrace))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.graceNotices))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.downgrades))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.deactivated))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.feedReconnects.WithLabelValues(string(auth.FeedAccount))))
	assert.Equal(t, 6.0, testutil.ToFloat64(r.unread))
	assert.Equal(t, 1, testutil.CollectAndCount(r.userDataLoad))
}

func TestRecorderFeedStateIsExclusive(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.FeedState(auth.FeedNotifications, auth.FeedConnecting)
	r.FeedState(auth.FeedNotifications, auth.FeedSubscribed)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.feedState.WithLabelValues(string(auth.FeedNotifications), string(auth.FeedSubscribed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.feedState.WithLabelValues(string(auth.FeedNotifications), string(auth.FeedConnecting))))
	assert.Equal(t, len(feedStates), testutil.CollectAndCount(r.feedState))
}
