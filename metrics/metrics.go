// Package metrics records the storefront core counters in Prometheus.
package metrics

import (
	"time"

	auth "github.com/goliatone/go-storefront-auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storefront"

var feedStates = []auth.FeedState{
	auth.FeedIdle,
	auth.FeedConnecting,
	auth.FeedSubscribed,
	auth.FeedClosed,
	auth.FeedTimedOut,
	auth.FeedErrored,
	auth.FeedTornDown,
}

// Recorder is a Prometheus backed auth.MetricsRecorder
type Recorder struct {
	planEvaluations *prometheus.CounterVec
	graceNotices    prometheus.Counter
	downgrades      prometheus.Counter
	deactivated     prometheus.Counter
	feedState       *prometheus.GaugeVec
	feedReconnects  *prometheus.CounterVec
	unread          prometheus.Gauge
	userDataLoad    prometheus.Histogram
}

var _ auth.MetricsRecorder = (*Recorder)(nil)

// NewRecorder registers the collectors with registry
func NewRecorder(registry prometheus.Registerer) *Recorder {
	factory := promauto.With(registry)

	return &Recorder{
		planEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_evaluations_total",
				Help:      "Plan lifecycle evaluations by resulting state",
			},
			[]string{"state"},
		),
		graceNotices: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_grace_notices_total",
			Help:      "Grace period notifications sent",
		}),
		downgrades: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_downgrades_total",
			Help:      "Companies downgraded to the free plan",
		}),
		deactivated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "products_deactivated_total",
			Help:      "Products deactivated by downgrades",
		}),
		feedState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_state",
				Help:      "1 for the current state of each realtime feed",
			},
			[]string{"feed", "state"},
		),
		feedReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_reconnects_total",
				Help:      "Realtime feed resubscriptions",
			},
			[]string{"feed"},
		),
		unread: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_notifications",
			Help:      "Unread non conversational notifications of the session user",
		}),
		userDataLoad: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "user_data_load_seconds",
			Help:      "Duration of user data loads",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}
}

func (r *Recorder) PlanEvaluated(state auth.PlanState) {
	r.planEvaluations.WithLabelValues(string(state)).Inc()
}

func (r *Recorder) GraceNotified() {
	r.graceNotices.Inc()
}

func (r *Recorder) Downgraded(deactivated int) {
	r.downgrades.Inc()
	if deactivated > 0 {
		r.deactivated.Add(float64(deactivated))
	}
}

// FeedState sets the gauge of state to 1 and every other state of feed to 0
func (r *Recorder) FeedState(feed auth.FeedName, state auth.FeedState) {
	for _, s := range feedStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.feedState.WithLabelValues(string(feed), string(s)).Set(v)
	}
}

func (r *Recorder) FeedReconnect(feed auth.FeedName) {
	r.feedReconnects.WithLabelValues(string(feed)).Inc()
}

func (r *Recorder) UnreadCount(n int) {
	r.unread.Set(float64(n))
}

func (r *Recorder) UserDataLoaded(d time.Duration) {
	r.userDataLoad.Observe(d.Seconds())
}
