package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ChannelStatus is reported by a FeedChannel as its subscription changes
type ChannelStatus string

const (
	StatusConnecting ChannelStatus = "CONNECTING"
	StatusSubscribed ChannelStatus = "SUBSCRIBED"
	StatusClosed     ChannelStatus = "CLOSED"
	StatusTimedOut   ChannelStatus = "TIMED_OUT"
	StatusError      ChannelStatus = "ERROR"
)

// ChangeType is the kind of row change carried by a ChangeEvent
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a single change of a watched resource
type ChangeEvent struct {
	Resource   string          `json:"resource"`
	Type       ChangeType      `json:"type"`
	Record     json.RawMessage `json:"record,omitempty"`
	OldRecord  json.RawMessage `json:"old_record,omitempty"`
	CommitTime time.Time       `json:"commit_time,omitempty"`
}

// Decode unmarshals the new record, or the old one for deletes
func (e ChangeEvent) Decode(v any) error {
	raw := e.Record
	if len(raw) == 0 || string(raw) == "null" {
		raw = e.OldRecord
	}
	if len(raw) == 0 {
		return fmt.Errorf("change event for %s has no record", e.Resource)
	}
	return json.Unmarshal(raw, v)
}

// NewChangeEvent encodes record into a ChangeEvent
func NewChangeEvent(resource string, kind ChangeType, record any) (ChangeEvent, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return ChangeEvent{}, err
	}
	event := ChangeEvent{Resource: resource, Type: kind, CommitTime: time.Now().UTC()}
	if kind == ChangeDelete {
		event.OldRecord = raw
	} else {
		event.Record = raw
	}
	return event, nil
}

// EventFilter restricts a subscription to records whose Column equals Value
type EventFilter struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// Match reports whether event passes the filter. A nil filter matches everything.
func (f *EventFilter) Match(event ChangeEvent) bool {
	if f == nil || f.Column == "" {
		return true
	}
	record := map[string]any{}
	if err := event.Decode(&record); err != nil {
		return false
	}
	v, ok := record[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// SubscribeRequest names the resource to watch and an optional server side filter
type SubscribeRequest struct {
	Resource string       `json:"resource"`
	Filter   *EventFilter `json:"filter,omitempty"`
}

// FeedChannel is a live subscription. Closing it unsubscribes; both
// channels are closed afterwards.
type FeedChannel interface {
	Events() <-chan ChangeEvent
	Statuses() <-chan ChannelStatus
	Close() error
}

// Transport opens change feed subscriptions.
type Transport interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (FeedChannel, error)
}

// Publisher broadcasts change events to the subscriptions they match.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}
