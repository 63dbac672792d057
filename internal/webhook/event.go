package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joylabs/catalogd/internal/catalog"
)

const (
	EventObjectCreated  = "catalog.object.created"
	EventObjectUpdated  = "catalog.object.updated"
	EventObjectDeleted  = "catalog.object.deleted"
	EventVersionUpdated = "catalog.version.updated"
)

// Event is one parsed catalog notification. Version, when present, is the
// object version the provider reports for the change.
type Event struct {
	EventID    string             `json:"event_id,omitempty"`
	EventType  string             `json:"event_type"`
	ObjectID   string             `json:"object_id,omitempty"`
	ObjectType string             `json:"object_type,omitempty"`
	Version    catalog.Opt[int64] `json:"version,omitzero"`
	ReceivedAt time.Time          `json:"received_at,omitzero"`
	DedupeKey  string             `json:"dedupe_key,omitempty"`
}

// ParseEvent decodes a notification body. Both the flat form and the
// provider envelope ({"type", "event_id", "data": {"id", "type", "version"}})
// are accepted.
func ParseEvent(body []byte) (Event, error) {
	var envelope struct {
		Event
		Type string `json:"type"`
		Data *struct {
			ID      string             `json:"id"`
			Type    string             `json:"type"`
			Version catalog.Opt[int64] `json:"version"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode webhook event: %w", err)
	}
	ev := envelope.Event
	if ev.EventType == "" {
		ev.EventType = envelope.Type
	}
	if data := envelope.Data; data != nil {
		if ev.ObjectID == "" {
			ev.ObjectID = data.ID
		}
		if ev.ObjectType == "" {
			ev.ObjectType = data.Type
		}
		if !ev.Version.Present() {
			ev.Version = data.Version
		}
	}
	return ev.normalized(), nil
}

func (e Event) normalized() Event {
	e.EventID = strings.TrimSpace(e.EventID)
	e.EventType = strings.ToLower(strings.TrimSpace(e.EventType))
	e.ObjectID = strings.TrimSpace(e.ObjectID)
	e.ObjectType = strings.ToUpper(strings.TrimSpace(e.ObjectType))
	e.DedupeKey = strings.TrimSpace(e.DedupeKey)
	return e
}

// Structural events describe changes spanning many objects and are served
// by an incremental pass rather than a targeted fetch.
func (e Event) Structural() bool {
	return e.EventType == EventVersionUpdated
}

func (e Event) Deletion() bool {
	return e.EventType == EventObjectDeleted
}

// key derives the dedupe key: an explicit key, then the provider event id,
// then the event's content. Unversioned events key on type and object alone;
// the dedupe window bounds how long they stay merged.
func (e Event) key() string {
	if e.DedupeKey != "" {
		return e.DedupeKey
	}
	if e.EventID != "" {
		return "id:" + e.EventID
	}
	parts := []string{e.EventType, e.ObjectType, e.ObjectID}
	if v, ok := e.Version.Get(); ok {
		parts = append(parts, "v"+strconv.FormatInt(v, 10))
	}
	return "evt:" + strings.Join(parts, "|")
}

func (e Event) validate() string {
	switch {
	case e.EventType == "":
		return "missing event type"
	case e.Structural():
		return ""
	case e.ObjectID == "":
		return "missing object id"
	}
	if e.ObjectType != "" {
		if _, ok := catalog.ParseObjectType(e.ObjectType); !ok {
			return "unknown object type " + e.ObjectType
		}
	}
	if v, ok := e.Version.Get(); ok && v < 0 {
		return "negative version"
	}
	return ""
}
