package safety

import (
	"fmt"
	"time"

	"github.com/ltth/actuator/internal/command"
)

// ReasonCode classifies a rejection.
type ReasonCode string

const (
	ReasonEmergencyStop ReasonCode = "emergency_stop"
	ReasonCooldown      ReasonCode = "cooldown"
	ReasonRateLimit     ReasonCode = "rate_limit"
	ReasonDailyCap      ReasonCode = "daily_cap"
	ReasonInvalid       ReasonCode = "invalid_command"
)

// Decision is the outcome of Validate. Rejection is an ordinary value, not
// an error: under bursty input it is the common case.
type Decision struct {
	Allowed           bool
	Code              ReasonCode
	Reason            string
	AdjustedIntensity int
	AdjustedDuration  int
	Clamped           bool

	// Command is the command to dispatch. It is a modified copy of the
	// validated command when clamping applied.
	Command command.Command
}

func reject(cmd command.Command, code ReasonCode, reason string) Decision {
	return Decision{
		Code:              code,
		Reason:            reason,
		AdjustedIntensity: cmd.Intensity,
		AdjustedDuration:  cmd.DurationMs,
		Command:           cmd,
	}
}

func cooldownReason(scope string, remaining time.Duration) string {
	return fmt.Sprintf("cooldown active (%s), %.1fs remaining", scope, remaining.Seconds())
}

func formatRateLimit(n, windowMs int, retry time.Duration) string {
	return fmt.Sprintf("rate limit reached (%d commands in %.0fs), retry in %.1fs",
		n, ms(windowMs).Seconds(), retry.Seconds())
}

func formatDailyCap(limit int) string {
	return fmt.Sprintf("daily cap of %d commands reached", limit)
}
