// Package pattern plays named actuation sequences into the command queue.
//
// A Pattern is an immutable table of steps fixed when the pattern is
// defined; playback never draws intensities from a random source. Each
// invocation creates a Run holding the execution state. Cancelling a Run
// withdraws its still-pending steps and enqueues exactly one Stop before
// Cancel returns; a Run that finishes normally also ends with a Stop.
//
// Timing: a step's DelayAfterMs is the gap between that step's actuation
// ending and the next step being enqueued, so the engine waits
// DurationMs+DelayAfterMs after enqueuing each step. The delay is never
// counted inside the step itself.
package pattern

import (
	"errors"
	"fmt"
	"time"

	"github.com/ltth/actuator/internal/command"
)

var (
	// ErrUnknownPattern is returned by Start for a name with no definition.
	ErrUnknownPattern = errors.New("unknown pattern")

	// ErrRunNotFound is returned by Cancel for a run that is not active.
	ErrRunNotFound = errors.New("pattern run not found")
)

// Step is one actuation in a pattern.
type Step struct {
	Kind         command.Kind `json:"kind" yaml:"kind"`
	Intensity    int          `json:"intensity" yaml:"intensity"`
	DurationMs   int          `json:"duration_ms" yaml:"duration_ms"`
	DelayAfterMs int          `json:"delay_after_ms" yaml:"delay_after_ms"`
}

// Pattern is a named, ordered sequence of steps.
type Pattern struct {
	Name  string `json:"name" yaml:"name"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// TotalDurationMs is the playback length: every step's duration plus the
// delays between steps. The last step's delay is not counted.
func (p Pattern) TotalDurationMs() int {
	total := 0
	for i, s := range p.Steps {
		total += s.DurationMs
		if i < len(p.Steps)-1 {
			total += s.DelayAfterMs
		}
	}
	return total
}

// OffsetsMs returns when each step is enqueued, relative to the run start.
// The implicit Stop follows at TotalDurationMs.
func (p Pattern) OffsetsMs() []int {
	out := make([]int, len(p.Steps))
	at := 0
	for i := range p.Steps {
		out[i] = at
		at += int(p.wait(i) / time.Millisecond)
	}
	return out
}

// wait returns how long to wait after enqueuing step i.
func (p Pattern) wait(i int) time.Duration {
	s := p.Steps[i]
	d := s.DurationMs
	if i < len(p.Steps)-1 {
		d += s.DelayAfterMs
	}
	return time.Duration(d) * time.Millisecond
}

// Validate checks the definition. Returns a *ConfigError.
func (p Pattern) Validate() error {
	if p.Name == "" {
		return &ConfigError{Code: ErrCodeMissingField, Message: "name is required", Step: -1}
	}
	if len(p.Steps) == 0 {
		return &ConfigError{Code: ErrCodeMissingField, Pattern: p.Name, Message: "at least one step is required", Step: -1}
	}
	for i, s := range p.Steps {
		switch s.Kind {
		case command.KindShock, command.KindVibrate, command.KindSound:
		default:
			return &ConfigError{Code: ErrCodeInvalidStep, Pattern: p.Name, Step: i,
				Message: fmt.Sprintf("kind %q cannot be a step", s.Kind)}
		}
		if s.Intensity < 0 || s.Intensity > command.MaxIntensity {
			return &ConfigError{Code: ErrCodeInvalidStep, Pattern: p.Name, Step: i,
				Message: fmt.Sprintf("intensity %d outside [0,%d]", s.Intensity, command.MaxIntensity)}
		}
		if s.DurationMs <= 0 || s.DurationMs > command.MaxDurationMs {
			return &ConfigError{Code: ErrCodeInvalidStep, Pattern: p.Name, Step: i,
				Message: fmt.Sprintf("duration_ms %d outside (0,%d]", s.DurationMs, command.MaxDurationMs)}
		}
		if s.DelayAfterMs < 0 {
			return &ConfigError{Code: ErrCodeInvalidStep, Pattern: p.Name, Step: i,
				Message: "delay_after_ms must not be negative"}
		}
	}
	return nil
}

// ConfigErrorCode categorizes malformed pattern definitions.
type ConfigErrorCode string

const (
	ErrCodeMissingField ConfigErrorCode = "MISSING_FIELD"
	ErrCodeInvalidStep  ConfigErrorCode = "INVALID_STEP"
)

// ConfigError describes a pattern that was skipped on load.
type ConfigError struct {
	Code    ConfigErrorCode
	Pattern string
	Step    int // -1 when not step-specific
	Message string
}

func (e *ConfigError) Error() string {
	if e.Step >= 0 {
		return fmt.Sprintf("%s: pattern %q step %d: %s", e.Code, e.Pattern, e.Step, e.Message)
	}
	if e.Pattern != "" {
		return fmt.Sprintf("%s: pattern %q: %s", e.Code, e.Pattern, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
