package auth

import "time"

// MetricsRecorder receives counters and gauges from the core components.
// See the metrics package for a Prometheus implementation.
type MetricsRecorder interface {
	PlanEvaluated(state PlanState)
	GraceNotified()
	Downgraded(deactivated int)
	FeedState(feed FeedName, state FeedState)
	FeedReconnect(feed FeedName)
	UnreadCount(n int)
	UserDataLoaded(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) PlanEvaluated(PlanState) {}
func (noopMetrics) GraceNotified() {}
func (noopMetrics) Downgraded(int) {}
func (noopMetrics) FeedState(FeedName, FeedState) {}
func (noopMetrics) FeedReconnect(FeedName) {}
func (noopMetrics) UnreadCount(int) {}
func (noopMetrics) UserDataLoaded(time.Duration) {}

func normalizeMetrics(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
