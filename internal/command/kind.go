package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the actuation requested from a device.
type Kind int

const (
	// KindShock delivers an electrical stimulus.
	KindShock Kind = iota + 1
	// KindVibrate runs the vibration motor.
	KindVibrate
	// KindSound plays the device beep.
	KindSound
	// KindStop halts whatever the device is doing.
	KindStop
)

var kindNames = map[Kind]string{
	KindShock:   "Shock",
	KindVibrate: "Vibrate",
	KindSound:   "Sound",
	KindStop:    "Stop",
}

// String returns the display name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown command kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid command kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalJSON encodes the kind as its name.
func (k Kind) MarshalJSON() ([]byte, error) {
	b, err := k.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(b))
}

// UnmarshalJSON decodes a kind name.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("command kind must be a string: %w", err)
	}
	return k.UnmarshalText([]byte(s))
}
