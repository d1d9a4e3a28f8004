package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Device is a remote actuator as reported by the transport.
// The core references devices by ID only and never mutates them.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Model  string `json:"model"`
	Online bool   `json:"online"`
}

// EventType identifies the kind of live-stream event.
type EventType int

const (
	EventGift EventType = iota + 1
	EventChat
	EventFollow
	EventShare
	EventLike
	EventSubscribe
	EventTierChange
)

var eventTypeNames = map[EventType]string{
	EventGift:       "gift",
	EventChat:       "chat",
	EventFollow:     "follow",
	EventShare:      "share",
	EventLike:       "like",
	EventSubscribe:  "subscribe",
	EventTierChange: "tier_change",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Valid reports whether t is one of the declared event types.
func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// ParseEventType parses an event type name case-insensitively.
func ParseEventType(s string) (EventType, error) {
	for t, name := range eventTypeNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid event type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EventType) UnmarshalText(b []byte) error {
	parsed, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON encodes the event type as its name.
func (t EventType) MarshalJSON() ([]byte, error) {
	b, err := t.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(b))
}

// UnmarshalJSON decodes an event type name.
func (t *EventType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("event type must be a string: %w", err)
	}
	return t.UnmarshalText([]byte(s))
}

// Event is one inbound live-stream event.
type Event struct {
	Type     EventType `json:"type" yaml:"type"`
	UserID   string    `json:"user_id" yaml:"user_id"`
	UserName string    `json:"user_name" yaml:"user_name"`
	Payload  Payload   `json:"payload" yaml:"payload"`
}

// Payload carries the type-specific fields of an event. Fields that do not
// apply to an event's type are left zero.
type Payload struct {
	GiftName  string `json:"gift_name,omitempty" yaml:"gift_name,omitempty"`
	GiftValue int    `json:"gift_value,omitempty" yaml:"gift_value,omitempty"` // coins, already multiplied by repeat count
	Message   string `json:"message,omitempty" yaml:"message,omitempty"`
	Tier      int    `json:"tier,omitempty" yaml:"tier,omitempty"`
	Count     int    `json:"count,omitempty" yaml:"count,omitempty"`
}
