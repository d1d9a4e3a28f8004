// Package observer carries queue and safety notifications to the admin UI,
// logs and audit sinks.
//
// Emission is one-way: the core never waits for acknowledgement, and sinks
// that talk to the network are wrapped in Async so a slow broker cannot
// stall the dispatch loop.
package observer

import (
	"time"
)

// States reported in notifications.
const (
	StateEnqueued       = "enqueued"
	StateApproved       = "approved"
	StateRejected       = "rejected"
	StateExecuting      = "executing"
	StateCompleted      = "completed"
	StateFailed         = "failed"
	StateEmergencyStop  = "emergency_stop"
	StateEmergencyClear = "emergency_clear"
)

// Notification describes one queue-item transition or an emergency-stop toggle.
// For emergency notifications only State, Reason and Timestamp are set.
type Notification struct {
	ItemID     string    `json:"item_id,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Intensity  int       `json:"intensity,omitempty"`
	DurationMs int       `json:"duration_ms,omitempty"`
	Priority   int       `json:"priority,omitempty"`
	Source     string    `json:"source,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Summary    string    `json:"summary"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsEmergency reports whether n is an emergency-stop toggle.
func (n Notification) IsEmergency() bool {
	return n.State == StateEmergencyStop || n.State == StateEmergencyClear
}

// Observer receives notifications. Notify must not block for long; wrap
// network sinks in Async.
type Observer interface {
	Notify(n Notification)
}

// Func adapts a function to Observer.
type Func func(n Notification)

// Notify calls f(n).
func (f Func) Notify(n Notification) {
	f(n)
}

// Fanout delivers every notification to each observer in order.
type Fanout []Observer

// Notify forwards n to every observer.
func (f Fanout) Notify(n Notification) {
	for _, o := range f {
		if o != nil {
			o.Notify(n)
		}
	}
}

// Nop discards notifications.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(Notification) {}
