// Package mapping turns live-stream events into actuation commands.
//
// Each Mapping pairs an event predicate (event type plus conditions) with a
// command template. Evaluate runs every enabled mapping against an event and
// instantiates the templates of those that match. The engine never talks to
// the queue or the transport; it only produces commands.
//
// Allow lists use OR semantics: a user is permitted when either their id or
// their display name is listed. Names and ids are compared after Unicode NFC
// normalization and case folding.
package mapping

import (
	"fmt"
	"math"
	"regexp"

	"github.com/ltth/actuator/internal/command"
)

// Mapping is one event-to-command rule.
type Mapping struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	Event      command.EventType `json:"event" yaml:"event"`
	Conditions []Condition       `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Template   Template          `json:"template" yaml:"template"`
	CooldownMs int               `json:"cooldown_ms,omitempty" yaml:"cooldown_ms,omitempty"`
}

// Template describes the commands a matching rule produces: one per device.
type Template struct {
	Kind       command.Kind `json:"kind" yaml:"kind"`
	Devices    []string     `json:"devices" yaml:"devices"`
	Intensity  int          `json:"intensity" yaml:"intensity"`
	DurationMs int          `json:"duration_ms" yaml:"duration_ms"`
	Priority   int          `json:"priority,omitempty" yaml:"priority,omitempty"`
	Scale      *Scale       `json:"scale,omitempty" yaml:"scale,omitempty"`
}

// Scale derives intensity from the event's value:
//
//	intensity = clamp(Base + value*Factor, Min, Max)
//
// The value is the gift value for gifts, the count for likes and the tier
// for subscriptions and tier changes.
type Scale struct {
	Base   int     `json:"base" yaml:"base"`
	Factor float64 `json:"factor" yaml:"factor"`
	Min    int     `json:"min" yaml:"min"`
	Max    int     `json:"max" yaml:"max"`
}

// Apply computes the scaled intensity for value. The bounds are applied
// before converting back to int, so huge values saturate at Max.
func (s Scale) Apply(value int) int {
	v := math.Round(float64(s.Base) + float64(value)*s.Factor)
	switch {
	case math.IsNaN(v), v <= float64(s.Min):
		return s.Min
	case v >= float64(s.Max):
		return s.Max
	}
	return int(v)
}

// ConfigErrorCode categorizes malformed mappings.
type ConfigErrorCode string

const (
	ErrCodeMissingField     ConfigErrorCode = "MISSING_FIELD"
	ErrCodeInvalidCondition ConfigErrorCode = "INVALID_CONDITION"
	ErrCodeInvalidTemplate  ConfigErrorCode = "INVALID_TEMPLATE"
)

// ConfigError describes a mapping that was skipped on load.
type ConfigError struct {
	Code    ConfigErrorCode
	Mapping string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Mapping != "" {
		return fmt.Sprintf("%s: mapping %q: %s", e.Code, e.Mapping, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validate checks that the mapping has every required field. Returns a
// *ConfigError.
func (m Mapping) Validate() error {
	bad := func(code ConfigErrorCode, format string, args ...any) error {
		return &ConfigError{Code: code, Mapping: m.ID, Message: fmt.Sprintf(format, args...)}
	}

	if m.ID == "" {
		return bad(ErrCodeMissingField, "id is required")
	}
	if !m.Event.Valid() {
		return bad(ErrCodeMissingField, "event type is required")
	}
	if m.CooldownMs < 0 {
		return bad(ErrCodeMissingField, "cooldown_ms must not be negative")
	}

	for i, c := range m.Conditions {
		switch c.Kind {
		case CondGiftName, CondChatContains:
			if c.Text == "" {
				return bad(ErrCodeInvalidCondition, "condition %d (%s) needs text", i, c.Kind)
			}
		case CondChatRegex:
			if c.Text == "" {
				return bad(ErrCodeInvalidCondition, "condition %d (%s) needs text", i, c.Kind)
			}
			if _, err := regexp.Compile(c.Text); err != nil {
				return bad(ErrCodeInvalidCondition, "condition %d: %v", i, err)
			}
		case CondGiftValueMin, CondTierMin:
			if c.Min < 0 {
				return bad(ErrCodeInvalidCondition, "condition %d (%s) min must not be negative", i, c.Kind)
			}
		case CondAllowUsers, CondDenyUsers:
			if len(c.Users) == 0 {
				return bad(ErrCodeInvalidCondition, "condition %d (%s) needs users", i, c.Kind)
			}
		default:
			return bad(ErrCodeInvalidCondition, "condition %d has unknown kind %d", i, int(c.Kind))
		}
	}

	t := m.Template
	if !t.Kind.Valid() {
		return bad(ErrCodeInvalidTemplate, "template kind is required")
	}
	if len(t.Devices) == 0 {
		return bad(ErrCodeInvalidTemplate, "template needs at least one device")
	}
	for _, d := range t.Devices {
		if d == "" {
			return bad(ErrCodeInvalidTemplate, "template device id must not be empty")
		}
	}
	if t.Kind != command.KindStop {
		if t.Intensity < 0 || t.Intensity > command.MaxIntensity {
			return bad(ErrCodeInvalidTemplate, "intensity %d outside [0,%d]", t.Intensity, command.MaxIntensity)
		}
		if t.DurationMs <= 0 || t.DurationMs > command.MaxDurationMs {
			return bad(ErrCodeInvalidTemplate, "duration_ms %d outside (0,%d]", t.DurationMs, command.MaxDurationMs)
		}
	}
	if s := t.Scale; s != nil {
		if s.Max <= 0 {
			return bad(ErrCodeInvalidTemplate, "scale max is required and must be positive")
		}
		if s.Min < 0 || s.Max > command.MaxIntensity || s.Min > s.Max {
			return bad(ErrCodeInvalidTemplate, "scale bounds [%d,%d] invalid", s.Min, s.Max)
		}
	}
	return nil
}
