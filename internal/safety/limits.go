package safety

import (
	"fmt"
	"time"

	"github.com/ltth/actuator/internal/command"
)

// Limits is the process-wide safety configuration. It is replaced as a whole
// through Manager.UpdateConfig and read by every validation.
//
// A zero cooldown, window size, window cap or daily cap disables that check.
type Limits struct {
	MaxIntensity         int `json:"max_intensity" yaml:"max_intensity"`
	MaxDurationMs        int `json:"max_duration_ms" yaml:"max_duration_ms"`
	GlobalCooldownMs     int `json:"global_cooldown_ms" yaml:"global_cooldown_ms"`
	PerUserCooldownMs    int `json:"per_user_cooldown_ms" yaml:"per_user_cooldown_ms"`
	PerDeviceCooldownMs  int `json:"per_device_cooldown_ms" yaml:"per_device_cooldown_ms"`
	MaxCommandsPerWindow int `json:"max_commands_per_window" yaml:"max_commands_per_window"`
	WindowMs             int `json:"window_ms" yaml:"window_ms"`
	DailyCap             int `json:"daily_cap" yaml:"daily_cap"`
}

// DefaultLimits returns conservative limits suitable for a first run.
func DefaultLimits() Limits {
	return Limits{
		MaxIntensity:         50,
		MaxDurationMs:        5000,
		GlobalCooldownMs:     0,
		PerUserCooldownMs:    10000,
		PerDeviceCooldownMs:  200,
		MaxCommandsPerWindow: 30,
		WindowMs:             60000,
		DailyCap:             0,
	}
}

// Validate rejects negative values and bounds outside the command domain.
func (l Limits) Validate() error {
	if l.MaxIntensity < 0 || l.MaxIntensity > command.MaxIntensity {
		return fmt.Errorf("max_intensity must be between 0 and %d, got %d", command.MaxIntensity, l.MaxIntensity)
	}
	if l.MaxDurationMs < 0 || l.MaxDurationMs > command.MaxDurationMs {
		return fmt.Errorf("max_duration_ms must be between 0 and %d, got %d", command.MaxDurationMs, l.MaxDurationMs)
	}
	for name, v := range map[string]int{
		"global_cooldown_ms":      l.GlobalCooldownMs,
		"per_user_cooldown_ms":    l.PerUserCooldownMs,
		"per_device_cooldown_ms":  l.PerDeviceCooldownMs,
		"max_commands_per_window": l.MaxCommandsPerWindow,
		"window_ms":               l.WindowMs,
		"daily_cap":               l.DailyCap,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	if l.MaxCommandsPerWindow > 0 && l.WindowMs == 0 {
		return fmt.Errorf("window_ms is required when max_commands_per_window is set")
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
