package command

import (
	"errors"
	"fmt"
	"time"
)

// Priority bands. Higher values dispatch first.
const (
	PriorityLow     = 0
	PriorityNormal  = 10
	PriorityHigh    = 50
	PriorityPattern = 20

	// PriorityStop outranks every other band. Stop commands generated by
	// pattern cancellation and emergency stop use it.
	PriorityStop = 1 << 30
)

// Intensity and duration domain bounds. Commands may be constructed outside
// these bounds; the safety manager clamps them before dispatch.
const (
	MaxIntensity  = 100
	MaxDurationMs = 15000
)

// Origin sources.
const (
	SourceMapping   = "mapping"
	SourcePattern   = "pattern"
	SourceManual    = "manual"
	SourceEmergency = "emergency"
)

// ErrInvalidCommand is returned when a command is missing required fields.
var ErrInvalidCommand = errors.New("invalid command")

// Command is a single actuation request targeted at one device.
//
// Command is a value type. Do not take its address to mutate it; use the
// With* helpers, which return modified copies.
type Command struct {
	DeviceID     string    `json:"device_id"`
	Kind         Kind      `json:"kind"`
	Intensity    int       `json:"intensity"`
	DurationMs   int       `json:"duration_ms"`
	Priority     int       `json:"priority"`
	OriginUserID string    `json:"origin_user_id,omitempty"`
	OriginSource string    `json:"origin_source"`
	CreatedAt    time.Time `json:"created_at"`
}

// New builds a command with the given target and actuation parameters.
// Priority defaults to PriorityNormal and OriginSource to SourceManual.
func New(deviceID string, kind Kind, intensity, durationMs int, createdAt time.Time) Command {
	return Command{
		DeviceID:     deviceID,
		Kind:         kind,
		Intensity:    intensity,
		DurationMs:   durationMs,
		Priority:     PriorityNormal,
		OriginSource: SourceManual,
		CreatedAt:    createdAt,
	}
}

// Stop builds a highest-priority stop command for a device.
func Stop(deviceID, source string, createdAt time.Time) Command {
	return Command{
		DeviceID:     deviceID,
		Kind:         KindStop,
		Priority:     PriorityStop,
		OriginSource: source,
		CreatedAt:    createdAt,
	}
}

// Validate checks that the command carries a target device and a known kind.
// Intensity and duration are not checked here; out-of-range values are
// clamped by the safety manager rather than rejected.
func (c Command) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidCommand)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidCommand, int(c.Kind))
	}
	return nil
}

// IsStop reports whether the command is a stop.
func (c Command) IsStop() bool {
	return c.Kind == KindStop
}

// WithIntensity returns a copy with the intensity replaced.
func (c Command) WithIntensity(intensity int) Command {
	c.Intensity = intensity
	return c
}

// WithDuration returns a copy with the duration replaced.
func (c Command) WithDuration(durationMs int) Command {
	c.DurationMs = durationMs
	return c
}

// WithPriority returns a copy with the priority replaced.
func (c Command) WithPriority(priority int) Command {
	c.Priority = priority
	return c
}

// WithOrigin returns a copy with the origin user and source replaced.
func (c Command) WithOrigin(userID, source string) Command {
	c.OriginUserID = userID
	c.OriginSource = source
	return c
}

// Duration returns DurationMs as a time.Duration.
func (c Command) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}

// Summary renders the command for logs and UI notifications.
func (c Command) Summary() string {
	if c.IsStop() {
		return fmt.Sprintf("Stop -> %s", c.DeviceID)
	}
	return fmt.Sprintf("%s %d%% %dms -> %s", c.Kind, c.Intensity, c.DurationMs, c.DeviceID)
}
