package auth

// FeedName identifies one of the coordinator's feeds
type FeedName string

const (
	FeedAccount       FeedName = "account"
	FeedNotifications FeedName = "notifications"
)

// FeedState is the reconnect state of a feed
type FeedState string

const (
	FeedIdle       FeedState = "IDLE"
	FeedConnecting FeedState = "CONNECTING"
	FeedSubscribed FeedState = "SUBSCRIBED"
	FeedClosed     FeedState = "CLOSED"
	FeedTimedOut   FeedState = "TIMED_OUT"
	FeedErrored    FeedState = "ERROR"
	FeedTornDown   FeedState = "TORN_DOWN"
)

func feedStateFor(status ChannelStatus) FeedState {
	switch status {
	case StatusConnecting:
		return FeedConnecting
	case StatusSubscribed:
		return FeedSubscribed
	case StatusClosed:
		return FeedClosed
	case StatusTimedOut:
		return FeedTimedOut
	default:
		return FeedErrored
	}
}

// feedAction is what the feed loop must do after a status change.
type feedAction struct {
	refresh           bool
	scheduleReconnect bool
	cancelReconnect   bool
}

// feedMachine holds the reconnect state of one feed. It is owned by the
// feed goroutine.
type feedMachine struct {
	state            FeedState
	reconnectPending bool
}

func newFeedMachine() feedMachine {
	return feedMachine{state: FeedIdle}
}

func (m *feedMachine) connecting() {
	if m.state == FeedTornDown {
		return
	}
	m.state = FeedConnecting
}

func (m *feedMachine) onStatus(status ChannelStatus) feedAction {
	if m.state == FeedTornDown {
		return feedAction{}
	}

	next := feedStateFor(status)
	m.state = next

	switch next {
	case FeedSubscribed:
		action := feedAction{refresh: true, cancelReconnect: m.reconnectPending}
		m.reconnectPending = false
		return action
	case FeedClosed, FeedTimedOut, FeedErrored:
		action := feedAction{refresh: true}
		if !m.reconnectPending {
			m.reconnectPending = true
			action.scheduleReconnect = true
		}
		return action
	default:
		return feedAction{}
	}
}

// onReconnectFired reports whether the feed must subscribe again.
func (m *feedMachine) onReconnectFired() bool {
	if m.state == FeedTornDown || !m.reconnectPending {
		return false
	}
	m.reconnectPending = false
	m.state = FeedConnecting
	return true
}

func (m *feedMachine) tearDown() {
	m.state = FeedTornDown
	m.reconnectPending = false
}
