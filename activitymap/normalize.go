// Package activitymap flattens storefront activity events into verb/object
// records for audit logs and downstream feeds.
package activitymap

import (
	"cmp"
	"maps"
	"strings"
	"time"

	auth "github.com/goliatone/go-storefront-auth"
)

// Metadata keys added to every record
const (
	MetadataKeyActorType = "actor_type"
	MetadataKeyFrom      = "from"
	MetadataKeyTo        = "to"
	// MetadataKeyCompanyID is only set when the record targets the user.
	MetadataKeyCompanyID = "company_id"
)

const (
	ObjectTypeUser    = "user"
	ObjectTypeCompany = "company"
)

// DefaultChannel tags records produced by a zero Mapper.
const DefaultChannel = "storefront"

// Record is one activity entry.
type Record struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Mapper turns activity events into records. The zero value is ready to
// use.
type Mapper struct {
	Channel string
	// Now stamps events that carry no time.
	Now func() time.Time
}

// Normalize maps event with a zero Mapper.
func Normalize(event auth.ActivityEvent) Record {
	return Mapper{}.Map(event)
}

// Map builds the record for event. Plan events with a company target the
// company, everything else targets the user. Events without an actor are
// attributed to the system actor.
func (m Mapper) Map(event auth.ActivityEvent) Record {
	rec := Record{
		ActorID:    cmp.Or(strings.TrimSpace(event.Actor.ID), strings.TrimSpace(event.UserID), auth.SystemActor.ID),
		Verb:       string(event.EventType),
		Channel:    cmp.Or(strings.TrimSpace(m.Channel), DefaultChannel),
		OccurredAt: event.OccurredAt,
	}

	if rec.OccurredAt.IsZero() {
		now := m.Now
		if now == nil {
			now = time.Now
		}
		rec.OccurredAt = now().UTC()
	}

	companyID := strings.TrimSpace(event.CompanyID)
	if isPlanEvent(event.EventType) && companyID != "" {
		rec.ObjectType, rec.ObjectID = ObjectTypeCompany, companyID
	} else {
		rec.ObjectType, rec.ObjectID = ObjectTypeUser, strings.TrimSpace(event.UserID)
	}

	rec.Metadata = maps.Clone(event.Metadata)
	put := func(key string, value string) {
		if value == "" {
			return
		}
		if rec.Metadata == nil {
			rec.Metadata = map[string]any{}
		}
		rec.Metadata[key] = value
	}
	if _, ok := rec.Metadata[MetadataKeyActorType]; !ok {
		put(MetadataKeyActorType, strings.TrimSpace(event.Actor.Type))
	}
	put(MetadataKeyFrom, event.From)
	put(MetadataKeyTo, event.To)
	if rec.ObjectType == ObjectTypeUser {
		put(MetadataKeyCompanyID, companyID)
	}

	return rec
}

func isPlanEvent(t auth.ActivityEventType) bool {
	return strings.HasPrefix(string(t), "plan.")
}
