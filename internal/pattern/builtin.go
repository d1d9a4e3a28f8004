package pattern

import "github.com/ltth/actuator/internal/command"

// Builtins returns the patterns shipped with the engine. User definitions
// with the same name replace them.
func Builtins() []Pattern {
	return []Pattern{
		{
			Name: "Pulse3",
			Steps: []Step{
				{Kind: command.KindVibrate, Intensity: 40, DurationMs: 500, DelayAfterMs: 200},
				{Kind: command.KindVibrate, Intensity: 40, DurationMs: 500, DelayAfterMs: 200},
				{Kind: command.KindVibrate, Intensity: 40, DurationMs: 500, DelayAfterMs: 200},
			},
		},
		{
			Name: "Wave",
			Steps: []Step{
				{Kind: command.KindVibrate, Intensity: 20, DurationMs: 400, DelayAfterMs: 100},
				{Kind: command.KindVibrate, Intensity: 40, DurationMs: 400, DelayAfterMs: 100},
				{Kind: command.KindVibrate, Intensity: 60, DurationMs: 400, DelayAfterMs: 100},
				{Kind: command.KindVibrate, Intensity: 80, DurationMs: 400, DelayAfterMs: 100},
				{Kind: command.KindVibrate, Intensity: 60, DurationMs: 400, DelayAfterMs: 100},
				{Kind: command.KindVibrate, Intensity: 40, DurationMs: 400, DelayAfterMs: 100},
				{Kind: command.KindVibrate, Intensity: 20, DurationMs: 400, DelayAfterMs: 0},
			},
		},
		{
			Name: "Heartbeat",
			Steps: []Step{
				{Kind: command.KindVibrate, Intensity: 60, DurationMs: 150, DelayAfterMs: 100},
				{Kind: command.KindVibrate, Intensity: 35, DurationMs: 150, DelayAfterMs: 600},
				{Kind: command.KindVibrate, Intensity: 60, DurationMs: 150, DelayAfterMs: 100},
				{Kind: command.KindVibrate, Intensity: 35, DurationMs: 150, DelayAfterMs: 600},
				{Kind: command.KindVibrate, Intensity: 60, DurationMs: 150, DelayAfterMs: 100},
				{Kind: command.KindVibrate, Intensity: 35, DurationMs: 150, DelayAfterMs: 0},
			},
		},
		{
			Name: "Escalate",
			Steps: []Step{
				{Kind: command.KindSound, Intensity: 50, DurationMs: 500, DelayAfterMs: 500},
				{Kind: command.KindShock, Intensity: 10, DurationMs: 300, DelayAfterMs: 700},
				{Kind: command.KindShock, Intensity: 20, DurationMs: 300, DelayAfterMs: 700},
				{Kind: command.KindShock, Intensity: 30, DurationMs: 300, DelayAfterMs: 0},
			},
		},
	}
}
